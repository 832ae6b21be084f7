package estimator

import (
	"sync/atomic"

	"afqmc/backprop"
	"afqmc/walker"
	"afqmc/zmat"
)

// ITCF accumulates the imaginary-time-displaced single-particle Green's
// function over walker path windows. The sums hold one matrix per lag
// and spin for each of the greater and lesser components.
type ITCF struct {
	GreaterUp []*zmat.Dense
	GreaterDn []*zmat.Dense
	LesserUp  []*zmat.Dense
	LesserDn  []*zmat.Dense
	Denom     float64

	// Restore weights each sample with the free-projection weight of
	// the window: the walker weight times the stored raw hybrid factors
	// with the constraint factors divided back out.
	Restore bool

	// Invalid counts walker samples excluded for non-finite values or
	// a window of the wrong length.
	Invalid *atomic.Int64
}

// NewITCF sizes the sums for m sites and lags time displacements beyond
// lag zero.
func NewITCF(m, lags int, restore bool) *ITCF {
	t := &ITCF{Restore: restore, Invalid: &atomic.Int64{}}
	for l := 0; l <= lags; l++ {
		t.GreaterUp = append(t.GreaterUp, zmat.New(m, m))
		t.GreaterDn = append(t.GreaterDn, zmat.New(m, m))
		t.LesserUp = append(t.LesserUp, zmat.New(m, m))
		t.LesserDn = append(t.LesserDn, zmat.New(m, m))
	}
	return t
}

// Measure adds one walker's time-displaced result.
func (t *ITCF) Measure(w *walker.Walker, r *backprop.GreensResult) {
	if len(r.GreaterUp) != len(t.GreaterUp) {
		t.Invalid.Add(1)
		return
	}
	weight := real(w.Weight)
	if t.Restore {
		weight = real(w.Weight * r.Restore)
	}
	if !finiteSample(weight) || !finiteLags(r) {
		t.Invalid.Add(1)
		return
	}
	c := complex(weight, 0)
	for l := range t.GreaterUp {
		t.GreaterUp[l].AddScaled(c, r.GreaterUp[l])
		t.GreaterDn[l].AddScaled(c, r.GreaterDn[l])
		t.LesserUp[l].AddScaled(c, r.LesserUp[l])
		t.LesserDn[l].AddScaled(c, r.LesserDn[l])
	}
	t.Denom += weight
}

func finiteLags(r *backprop.GreensResult) bool {
	for l := range r.GreaterUp {
		if !r.GreaterUp[l].IsFinite() || !r.GreaterDn[l].IsFinite() ||
			!r.LesserUp[l].IsFinite() || !r.LesserDn[l].IsFinite() {
			return false
		}
	}
	return true
}

// Merge folds another stream's sums into t.
func (t *ITCF) Merge(o *ITCF) {
	for l := range t.GreaterUp {
		t.GreaterUp[l].AddScaled(1, o.GreaterUp[l])
		t.GreaterDn[l].AddScaled(1, o.GreaterDn[l])
		t.LesserUp[l].AddScaled(1, o.LesserUp[l])
		t.LesserDn[l].AddScaled(1, o.LesserDn[l])
	}
	t.Denom += o.Denom
}

// Reset zeroes the sums and the denominator.
func (t *ITCF) Reset() {
	for l := range t.GreaterUp {
		t.GreaterUp[l].Scale(0)
		t.GreaterDn[l].Scale(0)
		t.LesserUp[l].Scale(0)
		t.LesserDn[l].Scale(0)
	}
	t.Denom = 0
}

// Flush normalizes the sums into a diagonal block and resets. dt scales
// the lag index into the imaginary-time displacement.
func (t *ITCF) Flush(step int, dt float64) ITCFBlock {
	b := ITCFBlock{Step: step, Dt: dt, Invalid: t.Invalid.Load()}
	for l := range t.GreaterUp {
		b.GreaterUp = append(b.GreaterUp, diagonal(t.GreaterUp[l], t.Denom))
		b.GreaterDn = append(b.GreaterDn, diagonal(t.GreaterDn[l], t.Denom))
		b.LesserUp = append(b.LesserUp, diagonal(t.LesserUp[l], t.Denom))
		b.LesserDn = append(b.LesserDn, diagonal(t.LesserDn[l], t.Denom))
	}
	t.Reset()
	return b
}

func diagonal(m *zmat.Dense, denom float64) []float64 {
	d := make([]float64, m.Rows())
	if denom == 0 {
		return d
	}
	for i := range d {
		d[i] = real(m.At(i, i)) / denom
	}
	return d
}

// ITCFBlock is one flushed time-displaced Green's function: normalized
// site diagonals indexed [lag][site].
type ITCFBlock struct {
	Step int
	Dt   float64

	GreaterUp [][]float64
	GreaterDn [][]float64
	LesserUp  [][]float64
	LesserDn  [][]float64

	Invalid int64
}

// ITCFSeries collects flushed blocks in step order.
type ITCFSeries struct {
	Blocks []ITCFBlock
}

func (s *ITCFSeries) Add(b ITCFBlock) { s.Blocks = append(s.Blocks, b) }
