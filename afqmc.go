// Package afqmc estimates fermionic ground-state energies by
// auxiliary-field quantum Monte Carlo: walkers propagate in imaginary
// time under the phaseless constraint, comb population control keeps
// the ensemble bounded, and mixed and back-propagated estimators
// accumulate observables.
package afqmc

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"afqmc/backprop"
	"afqmc/cholesky"
	"afqmc/estimator"
	"afqmc/hamiltonian"
	"afqmc/propagator"
	"afqmc/trial"
	"afqmc/walker"
)

// Config carries the simulation parameters.
type Config struct {
	// Dt is the imaginary-time step.
	Dt float64
	// Steps is the total number of propagation steps.
	Steps int
	// WalkersPerStream and Streams fix the walker partition. Walkers
	// never migrate between streams.
	WalkersPerStream int
	Streams          int
	// PopControlInterval is the step interval of comb reconfiguration.
	PopControlInterval int
	// StabilizeInterval is the step interval of QR re-orthonormalization.
	StabilizeInterval int
	// BackPropDepth is the field-path length replayed by the
	// back-propagated estimator. Zero disables it.
	BackPropDepth int
	// ITCFDepth is the number of time displacements of the
	// imaginary-time-displaced Green's function. Zero disables it.
	// When set it must be a multiple of BackPropDepth: the walker path
	// then holds ITCFDepth+BackPropDepth steps, and the displaced
	// windows close on back-propagation boundaries.
	ITCFDepth int
	// ITCFRestore weights the displaced samples with the constraint
	// factors of the window divided back out, recovering the
	// free-projection estimate at higher variance.
	ITCFRestore bool
	// PhaselessThreshold and OverlapFloor bound the constraint; see
	// propagator.Config.
	PhaselessThreshold float64
	OverlapFloor       float64
	// CholeskyTol and MaxFields bound the field decomposition.
	CholeskyTol float64
	MaxFields   int
	// MeasureInterval is the step interval of estimator flushes.
	MeasureInterval int
	// Seed derives the per-stream and coordinator RNGs. Fixed seeds
	// reproduce runs bit for bit.
	Seed uint64
	// MinAlive flags the population as collapsed below this global
	// alive count.
	MinAlive int
	// ForceBias disables the dynamic field shift when false.
	ForceBias bool
}

func DefaultConfig() Config {
	return Config{
		Dt:                 0.01,
		Steps:              2000,
		WalkersPerStream:   50,
		Streams:            1,
		PopControlInterval: 10,
		StabilizeInterval:  10,
		BackPropDepth:      0,
		PhaselessThreshold: math.Pi / 2,
		OverlapFloor:       1e-12,
		CholeskyTol:        1e-8,
		MeasureInterval:    10,
		Seed:               1,
		MinAlive:           2,
		ForceBias:          true,
	}
}

// stream is one disjoint walker partition with its own RNG and
// accumulators. Streams advance concurrently and only meet at
// population control and estimator flushes.
type stream struct {
	id      int
	rng     *rand.Rand
	pop     *walker.Population
	est     *estimator.Mixed
	bpEst   *estimator.Mixed
	itcfEst *estimator.ITCF
}

// Simulation owns the immutable shared data and the streams.
type Simulation struct {
	RunID string

	cfg    Config
	sys    *hamiltonian.System
	trial  trial.Wavefunction
	fields []cholesky.Field
	prop   *propagator.Propagator
	bp     *backprop.Estimator

	streams []*stream
	// rng is the coordinator RNG: comb offsets only.
	rng *rand.Rand

	// Series collects mixed-estimator snapshots; BPSeries the
	// back-propagated ones; ITCFSeries the time-displaced Green's
	// function blocks.
	Series     *estimator.Series
	BPSeries   *estimator.Series
	ITCFSeries *estimator.ITCFSeries
	store      *estimator.Store

	// Collapsed reports the global population fell below MinAlive.
	Collapsed bool

	step int
	log  zerolog.Logger
}

// New decomposes the interaction, builds the free-electron trial state
// and seeds the walker streams.
func New(sys *hamiltonian.System, cfg Config, log zerolog.Logger) (*Simulation, error) {
	if cfg.Streams < 1 || cfg.WalkersPerStream < 1 {
		return nil, errors.Errorf("%d %d", cfg.Streams, cfg.WalkersPerStream)
	}
	if cfg.PopControlInterval < 1 || cfg.MeasureInterval < 1 || cfg.StabilizeInterval < 1 {
		return nil, errors.Errorf("%d %d %d",
			cfg.PopControlInterval, cfg.MeasureInterval, cfg.StabilizeInterval)
	}
	fields, err := cholesky.Decompose(sys, cfg.CholeskyTol, cfg.MaxFields)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if n := len(fields); n > 0 {
		log.Info().Int("fields", n).
			Float64("lead", fields[0].Coeff).Float64("tail", fields[n-1].Coeff).
			Msg("interaction decomposed")
	}
	tr, err := trial.FreeElectron(sys)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return NewWithTrial(sys, tr, fields, cfg, log)
}

// NewWithTrial is New with an explicit trial state and field set.
func NewWithTrial(sys *hamiltonian.System, tr trial.Wavefunction, fields []cholesky.Field, cfg Config, log zerolog.Logger) (*Simulation, error) {
	pcfg := propagator.Config{
		Dt:                 cfg.Dt,
		PhaselessThreshold: cfg.PhaselessThreshold,
		OverlapFloor:       cfg.OverlapFloor,
		StabilizeEvery:     cfg.StabilizeInterval,
		ForceBias:          cfg.ForceBias,
	}
	prop, err := propagator.New(sys, tr, fields, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if cfg.ITCFDepth > 0 && (cfg.BackPropDepth < 1 || cfg.ITCFDepth%cfg.BackPropDepth != 0) {
		return nil, errors.Errorf("itcf %d, backprop %d", cfg.ITCFDepth, cfg.BackPropDepth)
	}
	bp, err := backprop.New(sys, tr, fields, cfg.Dt, cfg.BackPropDepth, cfg.StabilizeInterval)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	tup, tdn := tr.Orbitals()
	ovlp := tr.Overlap(tup, tdn)
	pathDepth := cfg.BackPropDepth + cfg.ITCFDepth
	streams := make([]*stream, 0, cfg.Streams)
	for i := 0; i < cfg.Streams; i++ {
		ws := make([]*walker.Walker, 0, cfg.WalkersPerStream)
		for j := 0; j < cfg.WalkersPerStream; j++ {
			ws = append(ws, walker.New(tup, tdn, ovlp, pathDepth))
		}
		streams = append(streams, &stream{
			id:      i,
			rng:     rand.New(rand.NewPCG(cfg.Seed, uint64(i)+1)),
			pop:     walker.NewPopulation(ws, 1, log),
			est:     estimator.NewMixed(),
			bpEst:   estimator.NewMixed(),
			itcfEst: estimator.NewITCF(sys.M, cfg.ITCFDepth, cfg.ITCFRestore),
		})
	}

	return &Simulation{
		RunID:      uuid.NewString(),
		cfg:        cfg,
		sys:        sys,
		trial:      tr,
		fields:     fields,
		prop:       prop,
		bp:         bp,
		streams:    streams,
		rng:        rand.New(rand.NewPCG(cfg.Seed, 0)),
		Series:     &estimator.Series{},
		BPSeries:   &estimator.Series{},
		ITCFSeries: &estimator.ITCFSeries{},
		log:        log,
	}, nil
}

// SetStore attaches a snapshot store; flushed snapshots are persisted
// under the run ID.
func (s *Simulation) SetStore(st *estimator.Store) { s.store = st }

// Fields returns the auxiliary-field decomposition.
func (s *Simulation) Fields() []cholesky.Field { return s.fields }

// Trial returns the trial wavefunction.
func (s *Simulation) Trial() trial.Wavefunction { return s.trial }

// Rejections returns the phaseless rejection count so far.
func (s *Simulation) Rejections() int64 { return s.prop.Rejections() }

// Divergences returns the count of walkers killed for non-finite state.
func (s *Simulation) Divergences() int64 { return s.prop.Divergences() }

// Run advances the simulation to Steps. Streams propagate their
// walkers concurrently; the coordinator joins them at population
// control, measurement and back-propagation boundaries. Cancellation
// is honored between steps and leaves the state consistent, so a
// Snapshot taken afterwards resumes cleanly.
func (s *Simulation) Run(ctx context.Context) error {
	for ; s.step < s.cfg.Steps; s.step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		step := s.step

		s.forEachStream(func(st *stream) {
			for _, w := range st.pop.Walkers {
				s.prop.Step(w, st.rng)
				if (step+1)%s.cfg.StabilizeInterval == 0 {
					s.prop.Stabilize(w)
				}
			}
		})

		if (step+1)%s.cfg.PopControlInterval == 0 {
			s.popControl()
		}
		if s.cfg.BackPropDepth > 0 && (step+1)%s.cfg.BackPropDepth == 0 {
			s.backPropagate(step)
		}
		if s.cfg.ITCFDepth > 0 && (step+1)%(s.cfg.ITCFDepth+s.cfg.BackPropDepth) == 0 {
			s.measureITCF(step)
		}
		if (step+1)%s.cfg.MeasureInterval == 0 {
			s.measure(step)
		}
	}
	return nil
}

// forEachStream runs f concurrently, one goroutine per stream, and
// joins.
func (s *Simulation) forEachStream(f func(*stream)) {
	var wg sync.WaitGroup
	for _, st := range s.streams {
		wg.Add(1)
		go func(st *stream) {
			defer wg.Done()
			f(st)
		}(st)
	}
	wg.Wait()
}

// popControl renormalizes the global weight back to the walker count
// and combs every stream with a shared offset drawn by the coordinator.
func (s *Simulation) popControl() {
	var total float64
	alive := 0
	for _, st := range s.streams {
		total += st.pop.TotalWeight()
		alive += st.pop.AliveCount()
	}
	target := s.cfg.Streams * s.cfg.WalkersPerStream
	if total <= 0 || alive == 0 {
		s.Collapsed = true
		s.log.Warn().Float64("total", total).Int("alive", alive).
			Msg("population collapsed")
		return
	}

	scale := float64(target) / total
	offset := s.rng.Float64()
	s.forEachStream(func(st *stream) {
		st.pop.Renormalize(scale)
		st.pop.Comb(offset)
	})

	alive = 0
	for _, st := range s.streams {
		alive += st.pop.AliveCount()
	}
	if alive < s.cfg.MinAlive {
		s.Collapsed = true
		s.log.Warn().Int("alive", alive).Int("min", s.cfg.MinAlive).
			Msg("population collapsed")
	}
}

// measure reduces the per-stream accumulators into one snapshot.
func (s *Simulation) measure(step int) {
	s.forEachStream(func(st *stream) {
		for _, w := range st.pop.Walkers {
			st.est.Measure(s.trial, w)
		}
	})

	merged := estimator.NewMixed()
	var weight float64
	for _, st := range s.streams {
		merged.Merge(st.est)
		merged.Invalid.Add(st.est.Invalid.Load())
		st.est.Invalid.Store(0)
		st.est.Reset()
		weight += st.pop.TotalWeight()
	}
	snap := merged.Flush(step+1, float64(step+1)*s.cfg.Dt, weight, s.prop.Rejections())
	s.Series.Add(snap)
	s.log.Info().Int("step", snap.Step).Float64("tau", snap.Tau).
		Float64("energy", snap.Energy).Float64("weight", snap.Weight).
		Int64("rejected", snap.Rejected).Msg("estimate")

	if s.store != nil {
		if err := s.store.Insert(s.RunID, snap); err != nil {
			s.log.Error().Err(err).Msg("store insert")
		}
	}
}

// backPropagate replays every walker's newest window and restarts the
// back-propagation kets. Without the time-displaced estimator the path
// is cleared too; with it, the path keeps filling until the displaced
// window closes.
func (s *Simulation) backPropagate(step int) {
	s.forEachStream(func(st *stream) {
		for _, w := range st.pop.Walkers {
			if !w.Alive {
				continue
			}
			r, err := s.bp.Reconstruct(w)
			if err != nil {
				st.bpEst.Invalid.Add(1)
			} else {
				st.bpEst.MeasureBP(w, r)
			}
			if s.cfg.ITCFDepth > 0 {
				w.ResetHistoric()
			} else {
				w.ResetPath()
			}
		}
	})

	merged := estimator.NewMixed()
	var weight float64
	for _, st := range s.streams {
		merged.Merge(st.bpEst)
		merged.Invalid.Add(st.bpEst.Invalid.Load())
		st.bpEst.Invalid.Store(0)
		st.bpEst.Reset()
		weight += st.pop.TotalWeight()
	}
	s.BPSeries.Add(merged.Flush(step+1, float64(step+1)*s.cfg.Dt, weight, s.prop.Rejections()))
}

// measureITCF computes every walker's time-displaced Green's function
// over the closing window, merges the streams into one block and
// reopens the windows.
func (s *Simulation) measureITCF(step int) {
	s.forEachStream(func(st *stream) {
		for _, w := range st.pop.Walkers {
			if !w.Alive {
				continue
			}
			r, err := s.bp.TimeDisplaced(w)
			if err != nil {
				st.itcfEst.Invalid.Add(1)
			} else {
				st.itcfEst.Measure(w, r)
			}
			w.ResetPath()
		}
	})

	merged := estimator.NewITCF(s.sys.M, s.cfg.ITCFDepth, s.cfg.ITCFRestore)
	for _, st := range s.streams {
		merged.Merge(st.itcfEst)
		merged.Invalid.Add(st.itcfEst.Invalid.Load())
		st.itcfEst.Invalid.Store(0)
		st.itcfEst.Reset()
	}
	block := merged.Flush(step+1, s.cfg.Dt)
	s.ITCFSeries.Add(block)
	s.log.Info().Int("step", block.Step).Int("lags", len(block.GreaterUp)-1).
		Int64("invalid", block.Invalid).Msg("time-displaced block")

	if s.store != nil {
		if err := s.store.InsertITCF(s.RunID, block); err != nil {
			s.log.Error().Err(err).Msg("store itcf insert")
		}
	}
}

// checkpoint is the serialized simulation state.
type checkpoint struct {
	RunID   string
	Step    int
	Streams [][]byte
}

// Snapshot serializes the simulation for a later Resume. Call it only
// between Run invocations.
func (s *Simulation) Snapshot() ([]byte, error) {
	cp := checkpoint{RunID: s.RunID, Step: s.step}
	for _, st := range s.streams {
		b, err := st.pop.Snapshot()
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		cp.Streams = append(cp.Streams, b)
	}
	b, err := msgpack.Marshal(cp)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return b, nil
}

// Resume restores a Snapshot into a simulation built with the same
// system and configuration.
func (s *Simulation) Resume(b []byte) error {
	var cp checkpoint
	if err := msgpack.Unmarshal(b, &cp); err != nil {
		return errors.Wrap(err, "")
	}
	if len(cp.Streams) != len(s.streams) {
		return errors.Errorf("%d %d", len(cp.Streams), len(s.streams))
	}
	for i, st := range s.streams {
		if err := st.pop.RestoreSnapshot(cp.Streams[i]); err != nil {
			return errors.Wrap(err, "")
		}
	}
	s.RunID = cp.RunID
	s.step = cp.Step
	return nil
}
