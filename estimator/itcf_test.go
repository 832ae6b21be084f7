package estimator

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"afqmc/backprop"
	"afqmc/walker"
	"afqmc/zmat"
)

// diagResult builds a one-lag result with constant diagonals per
// component, enough to pin the weighting arithmetic.
func diagResult(m int, ggr, gls float64, restore complex128) *backprop.GreensResult {
	mk := func(v float64) []*zmat.Dense {
		ms := make([]*zmat.Dense, 0, 2)
		for l := 0; l < 2; l++ {
			d := zmat.New(m, m)
			for i := 0; i < m; i++ {
				d.Set(i, i, complex(v, 0))
			}
			ms = append(ms, d)
		}
		return ms
	}
	return &backprop.GreensResult{
		GreaterUp: mk(ggr),
		GreaterDn: mk(ggr),
		LesserUp:  mk(gls),
		LesserDn:  mk(gls),
		Restore:   restore,
	}
}

func itcfWalker(weight complex128) *walker.Walker {
	up := zmat.New(2, 1)
	up.Set(0, 0, 1)
	w := walker.New(up, up, 1, 0)
	w.Weight = weight
	return w
}

func TestITCFMeasure(t *testing.T) {
	t.Parallel()
	acc := NewITCF(2, 1, false)

	acc.Measure(itcfWalker(2), diagResult(2, 0.6, 0.4, 1))
	acc.Measure(itcfWalker(1), diagResult(2, 0.3, 0.7, 1))
	require.InDelta(t, 3, acc.Denom, 1e-12)
	require.Zero(t, acc.Invalid.Load())

	block := acc.Flush(10, 0.01)
	require.Equal(t, 10, block.Step)
	require.InDelta(t, 0.01, block.Dt, 1e-12)
	require.Len(t, block.GreaterUp, 2)
	// Weighted means: (2*0.6 + 1*0.3)/3 and (2*0.4 + 1*0.7)/3.
	for l := 0; l < 2; l++ {
		for i := 0; i < 2; i++ {
			require.InDelta(t, 0.5, block.GreaterUp[l][i], 1e-12)
			require.InDelta(t, 0.5, block.GreaterDn[l][i], 1e-12)
			require.InDelta(t, 0.5, block.LesserUp[l][i], 1e-12)
			require.InDelta(t, 0.5, block.LesserDn[l][i], 1e-12)
		}
	}

	// Flush resets the sums.
	require.Equal(t, 0.0, acc.Denom)
	require.Equal(t, complex128(0), acc.GreaterUp[0].At(0, 0))
}

// With restoration enabled the sample weight is the walker weight times
// the window's restoration factor.
func TestITCFMeasureRestore(t *testing.T) {
	t.Parallel()
	acc := NewITCF(2, 1, true)
	acc.Measure(itcfWalker(2), diagResult(2, 1, 0, complex(0.5, 0.1)))
	require.InDelta(t, 1, acc.Denom, 1e-12)

	block := acc.Flush(5, 0.01)
	require.InDelta(t, 1, block.GreaterUp[0][0], 1e-12)
}

func TestITCFMeasureInvalid(t *testing.T) {
	t.Parallel()
	acc := NewITCF(2, 2, false)

	// A window of the wrong length is excluded and counted.
	acc.Measure(itcfWalker(1), diagResult(2, 1, 0, 1))
	require.Equal(t, int64(1), acc.Invalid.Load())
	require.Equal(t, 0.0, acc.Denom)

	// So is a non-finite sample.
	bad := NewITCF(2, 1, false)
	r := diagResult(2, 1, 0, 1)
	r.GreaterUp[1].Set(0, 0, complex(math.NaN(), 0))
	bad.Measure(itcfWalker(1), r)
	require.Equal(t, int64(1), bad.Invalid.Load())
	require.Equal(t, 0.0, bad.Denom)
}

func TestITCFMerge(t *testing.T) {
	t.Parallel()
	a := NewITCF(2, 1, false)
	b := NewITCF(2, 1, false)
	a.Measure(itcfWalker(1), diagResult(2, 1, 0, 1))
	b.Measure(itcfWalker(3), diagResult(2, 0, 1, 1))

	a.Merge(b)
	require.InDelta(t, 4, a.Denom, 1e-12)
	block := a.Flush(1, 0.01)
	require.InDelta(t, 0.25, block.GreaterUp[0][0], 1e-12)
	require.InDelta(t, 0.75, block.LesserUp[0][0], 1e-12)
}

func TestStoreITCF(t *testing.T) {
	t.Parallel()
	store, err := OpenStore(filepath.Join(t.TempDir(), "estimates.db"))
	require.NoError(t, err)
	defer store.Close()

	runID := uuid.NewString()
	blocks := []ITCFBlock{
		{
			Step: 15, Dt: 0.01,
			GreaterUp: [][]float64{{0.5, 0.5}, {0.45, 0.45}},
			GreaterDn: [][]float64{{0.5, 0.5}, {0.45, 0.45}},
			LesserUp:  [][]float64{{0.5, 0.5}, {0.44, 0.44}},
			LesserDn:  [][]float64{{0.5, 0.5}, {0.44, 0.44}},
		},
		{
			Step: 30, Dt: 0.01,
			GreaterUp: [][]float64{{0.51, 0.51}, {0.46, 0.46}},
			GreaterDn: [][]float64{{0.51, 0.51}, {0.46, 0.46}},
			LesserUp:  [][]float64{{0.49, 0.49}, {0.43, 0.43}},
			LesserDn:  [][]float64{{0.49, 0.49}, {0.43, 0.43}},
		},
	}
	for _, b := range blocks {
		require.NoError(t, store.InsertITCF(runID, b))
	}
	// An unrelated run stays separate.
	require.NoError(t, store.InsertITCF(uuid.NewString(), ITCFBlock{
		Step: 15, Dt: 0.01,
		GreaterUp: [][]float64{{9, 9}},
		GreaterDn: [][]float64{{9, 9}},
		LesserUp:  [][]float64{{9, 9}},
		LesserDn:  [][]float64{{9, 9}},
	}))

	taus, values, err := store.ITCFDiagonal(runID, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0.01, 0, 0.01}, taus)
	require.Equal(t, []float64{0.5, 0.45, 0.51, 0.46}, values)

	_, values, err = store.ITCFDiagonal(runID, 1, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 0.44, 0.49, 0.43}, values)
}
