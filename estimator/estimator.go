// Package estimator accumulates weighted observables into mixed and
// back-propagated estimates, tracks the running statistics of the
// energy series and persists periodic snapshots.
package estimator

import (
	"math"
	"math/cmplx"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"afqmc/backprop"
	"afqmc/trial"
	"afqmc/walker"
)

// Accumulator is one weighted observable: numerator sum w*O and
// denominator sum w.
type Accumulator struct {
	Num   complex128
	Denom float64
}

func (a *Accumulator) Add(weight float64, v complex128) {
	a.Num += complex(weight, 0) * v
	a.Denom += weight
}

// Mean returns Num/Denom, or zero with no accumulated weight.
func (a *Accumulator) Mean() complex128 {
	if a.Denom == 0 {
		return 0
	}
	return a.Num / complex(a.Denom, 0)
}

func (a *Accumulator) Merge(b Accumulator) {
	a.Num += b.Num
	a.Denom += b.Denom
}

func (a *Accumulator) Reset() { *a = Accumulator{} }

// Mixed accumulates the mixed estimator over alive walkers. Each stream
// owns one; the coordinator merges them at flush points. Invalid is
// shared and atomic.
type Mixed struct {
	Energy    Accumulator
	Kinetic   Accumulator
	Potential Accumulator

	// Invalid counts walker samples excluded for non-finite values.
	Invalid *atomic.Int64
}

func NewMixed() *Mixed {
	return &Mixed{Invalid: &atomic.Int64{}}
}

// Measure adds one walker's local energy to the accumulators. Walkers
// whose Green's function or local energy is not finite are excluded and
// counted, never propagated as errors.
func (m *Mixed) Measure(tr trial.Wavefunction, w *walker.Walker) {
	if !w.Alive {
		return
	}
	gup, gdn, err := tr.GreensFunction(w.Up, w.Dn)
	if err != nil {
		m.Invalid.Add(1)
		return
	}
	e, ke, pe := tr.LocalEnergy(gup, gdn)
	weight := real(w.Weight)
	if !finiteSample(weight, e, ke, pe) {
		m.Invalid.Add(1)
		return
	}
	m.Energy.Add(weight, e)
	m.Kinetic.Add(weight, ke)
	m.Potential.Add(weight, pe)
}

// MeasureBP adds one back-propagated result.
func (m *Mixed) MeasureBP(w *walker.Walker, r *backprop.Result) {
	weight := real(w.Weight)
	if !finiteSample(weight, r.Energy, r.Kinetic, r.Potential) {
		m.Invalid.Add(1)
		return
	}
	m.Energy.Add(weight, r.Energy)
	m.Kinetic.Add(weight, r.Kinetic)
	m.Potential.Add(weight, r.Potential)
}

// Merge folds another stream's accumulators into m.
func (m *Mixed) Merge(o *Mixed) {
	m.Energy.Merge(o.Energy)
	m.Kinetic.Merge(o.Kinetic)
	m.Potential.Merge(o.Potential)
}

// Reset clears the accumulators. The invalid counter is left to the
// caller, which drains and zeroes it at each flush, so every snapshot
// reports the invalid samples of its own interval.
func (m *Mixed) Reset() {
	m.Energy.Reset()
	m.Kinetic.Reset()
	m.Potential.Reset()
}

// Flush converts the accumulated sums into a snapshot and resets the
// accumulators.
func (m *Mixed) Flush(step int, tau, totalWeight float64, rejected int64) Snapshot {
	s := Snapshot{
		Step:      step,
		Tau:       tau,
		Weight:    totalWeight,
		Numer:     real(m.Energy.Num),
		Denom:     m.Energy.Denom,
		Energy:    real(m.Energy.Mean()),
		Kinetic:   real(m.Kinetic.Mean()),
		Potential: real(m.Potential.Mean()),
		Rejected:  rejected,
		Invalid:   m.Invalid.Load(),
	}
	m.Reset()
	return s
}

// Snapshot is one flushed estimator block.
type Snapshot struct {
	Step      int
	Tau       float64
	Weight    float64
	Numer     float64
	Denom     float64
	Energy    float64
	Kinetic   float64
	Potential float64
	Rejected  int64
	Invalid   int64
}

// Series collects flushed snapshots and reports running statistics of
// the energy.
type Series struct {
	Snapshots []Snapshot
}

func (s *Series) Add(snap Snapshot) { s.Snapshots = append(s.Snapshots, snap) }

// Energy returns the running mean and standard error of the snapshot
// energies, skipping the first discard snapshots as equilibration.
func (s *Series) Energy(discard int) (mean, stderr float64) {
	if discard < 0 || discard >= len(s.Snapshots) {
		return math.NaN(), math.NaN()
	}
	es := make([]float64, 0, len(s.Snapshots)-discard)
	for _, snap := range s.Snapshots[discard:] {
		es = append(es, snap.Energy)
	}
	mean = stat.Mean(es, nil)
	if len(es) < 2 {
		return mean, math.NaN()
	}
	stderr = stat.StdDev(es, nil) / math.Sqrt(float64(len(es)))
	return mean, stderr
}

func finiteSample(weight float64, vs ...complex128) bool {
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return false
	}
	for _, v := range vs {
		if cmplx.IsNaN(v) || cmplx.IsInf(v) {
			return false
		}
	}
	return true
}
