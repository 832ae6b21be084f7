// Package propagator advances walkers through one imaginary-time step:
// auxiliary-field sampling with the force-bias shift, the split one-body
// exponential, the hybrid weight update and the phaseless constraint.
package propagator

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"sync/atomic"

	"github.com/pkg/errors"

	"afqmc/cholesky"
	"afqmc/hamiltonian"
	"afqmc/trial"
	"afqmc/walker"
	"afqmc/zmat"
)

// Config carries the propagation knobs.
type Config struct {
	// Dt is the imaginary-time step.
	Dt float64
	// PhaselessThreshold rejects updates whose overlap-ratio phase
	// rotation meets or exceeds it. Defaults to pi/2.
	PhaselessThreshold float64
	// OverlapFloor rejects updates whose new overlap magnitude falls
	// below it.
	OverlapFloor float64
	// StabilizeEvery is the step interval of QR re-orthonormalization.
	StabilizeEvery int
	// ForceBias disables the dynamic shift when false, recovering
	// unbiased field sampling.
	ForceBias bool
}

// DefaultConfig returns the knobs used unless the caller overrides them.
func DefaultConfig(dt float64) Config {
	return Config{
		Dt:                 dt,
		PhaselessThreshold: math.Pi / 2,
		OverlapFloor:       1e-12,
		StabilizeEvery:     10,
		ForceBias:          true,
	}
}

// Propagator is immutable after construction and shared by all streams.
// The rejection and divergence counters are atomic.
type Propagator struct {
	sys    *hamiltonian.System
	trial  trial.Wavefunction
	fields []cholesky.Field
	cfg    Config

	// bK is expm(-dt/2 T1) for the effective one-body matrix.
	bK     *zmat.Dense
	sqrtDt float64
	// meanField holds Tr(A_g G_T) per field; subtracting it from the
	// walker trace keeps the force-bias shift small.
	meanField []complex128
	// eshift is the trial energy folded into the weight update so
	// weights stay of order one.
	eshift float64

	rejected  atomic.Int64
	diverged  atomic.Int64
	stabFails atomic.Int64
}

// New precomputes the one-body exponential, the mean-field subtraction
// and the energy shift from the trial state.
func New(sys *hamiltonian.System, tr trial.Wavefunction, fields []cholesky.Field, cfg Config) (*Propagator, error) {
	if cfg.Dt <= 0 {
		return nil, errors.Errorf("dt %g", cfg.Dt)
	}
	if cfg.PhaselessThreshold <= 0 {
		cfg.PhaselessThreshold = math.Pi / 2
	}

	t1 := zmat.FromReal(sys.OneBodyEff())
	bK := zmat.Expm(t1.Scale(complex(-cfg.Dt/2, 0)))

	tup, tdn := tr.Orbitals()
	gup, gdn, err := tr.GreensFunction(tup, tdn)
	if err != nil {
		return nil, errors.Wrap(err, "trial")
	}
	gtotT := gup.Clone().AddScaled(1, gdn).Transpose()
	mf := make([]complex128, len(fields))
	for g, f := range fields {
		mf[g] = zmat.TraceMul(f.A, gtotT)
	}
	e, _, _ := tr.LocalEnergy(gup, gdn)

	return &Propagator{
		sys:       sys,
		trial:     tr,
		fields:    fields,
		cfg:       cfg,
		bK:        bK,
		sqrtDt:    math.Sqrt(cfg.Dt),
		meanField: mf,
		eshift:    real(e),
	}, nil
}

func (p *Propagator) Config() Config { return p.cfg }

// Rejections returns the phaseless rejection count.
func (p *Propagator) Rejections() int64 { return p.rejected.Load() }

// Divergences returns the count of walkers killed for non-finite state.
func (p *Propagator) Divergences() int64 { return p.diverged.Load() }

// Step advances one walker by one timestep. Constraint rejections and
// numeric divergences zero the weight and mark the walker dead; they
// are counted, never returned as errors.
func (p *Propagator) Step(w *walker.Walker, rng *rand.Rand) {
	if !w.Alive {
		return
	}
	gup, gdn, err := p.trial.GreensFunction(w.Up, w.Dn)
	if err != nil {
		p.diverged.Add(1)
		w.MarkDead()
		return
	}
	gtotT := gup.Clone().AddScaled(1, gdn).Transpose()

	// Force-bias shift per field, then the shifted Gaussian sample.
	shifted := make([]complex128, len(p.fields))
	var hybArg complex128
	s := zmat.New(p.sys.M, p.sys.M)
	for g, f := range p.fields {
		var xbar complex128
		if p.cfg.ForceBias {
			m := zmat.TraceMul(f.A, gtotT)
			xbar = complex(0, -p.sqrtDt) * (m - p.meanField[g])
		}
		xi := complex(rng.NormFloat64(), 0)
		shifted[g] = xi - xbar
		hybArg += xi*xbar - xbar*xbar/2
		s.AddScaled(complex(0, p.sqrtDt)*shifted[g], f.A)
	}

	b := zmat.Mul(p.bK, zmat.Mul(zmat.Expm(s), p.bK))
	up := zmat.Mul(b, w.Up)
	dn := zmat.Mul(b, w.Dn)
	if !up.IsFinite() || !dn.IsFinite() {
		p.diverged.Add(1)
		w.MarkDead()
		return
	}

	snew := p.trial.Overlap(up, dn)
	ratio := snew / w.Overlap
	fac := ratio * cmplx.Exp(hybArg) * complex(math.Exp(p.cfg.Dt*p.eshift), 0)

	dtheta := cmplx.Phase(ratio)
	switch {
	case !isFinite(fac) || cmplx.Abs(snew) < p.cfg.OverlapFloor:
		p.rejected.Add(1)
		w.MarkDead()
		return
	case math.Abs(dtheta) >= p.cfg.PhaselessThreshold:
		p.rejected.Add(1)
		w.MarkDead()
		return
	}
	cosFac := math.Max(0, math.Cos(dtheta))
	w.Weight *= complex(cmplx.Abs(fac)*cosFac, 0)

	w.Up.CopyFrom(up)
	w.Dn.CopyFrom(dn)
	w.Overlap = snew
	w.Phase += dtheta
	w.Path.Push(walker.PathEntry{Shifted: shifted, Cos: cosFac, WeightFac: fac})

	if real(w.Weight) <= 0 {
		w.MarkDead()
	}
}

// Stabilize re-orthonormalizes the walker orbitals by QR and recomputes
// the stored overlap from the trial. The walker distribution is
// unchanged since weight updates only consume overlap ratios.
func (p *Propagator) Stabilize(w *walker.Walker) {
	if !w.Alive {
		return
	}
	qup, _, err := zmat.QR(w.Up)
	if err != nil {
		p.stabFails.Add(1)
		p.diverged.Add(1)
		w.MarkDead()
		return
	}
	qdn, _, err := zmat.QR(w.Dn)
	if err != nil {
		p.stabFails.Add(1)
		p.diverged.Add(1)
		w.MarkDead()
		return
	}
	w.Up.CopyFrom(qup)
	w.Dn.CopyFrom(qdn)
	w.Overlap = p.trial.Overlap(w.Up, w.Dn)
}

// EnergyShift returns the trial energy folded into the weight update.
func (p *Propagator) EnergyShift() float64 { return p.eshift }

func isFinite(v complex128) bool {
	return !cmplx.IsNaN(v) && !cmplx.IsInf(v)
}
