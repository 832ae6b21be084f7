package backprop

import (
	"math"
	"math/cmplx"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"afqmc/hamiltonian"
	"afqmc/walker"
)

// Reconstruct replays only the newest window of a path kept longer for
// the time-displaced estimator.
func TestReconstructWindow(t *testing.T) {
	t.Parallel()
	lattice := hamiltonian.Lattice{Nx: 2, Ny: 2, T: 1, U: 4, Nup: 2, Ndown: 2}
	bp, prop, tr, short := setup(t, lattice, 5, 5)
	tup, tdn := tr.Orbitals()
	long := walker.New(tup, tdn, tr.Overlap(tup, tdn), 10)

	rngA := rand.New(rand.NewPCG(17, 0))
	rngB := rand.New(rand.NewPCG(17, 0))
	for i := 0; i < 10; i++ {
		prop.Step(long, rngA)
		prop.Step(short, rngB)
		if i == 4 {
			long.ResetHistoric()
			short.ResetHistoric()
		}
	}
	require.True(t, long.Alive)
	require.Equal(t, 10, long.Path.Len())
	require.Equal(t, 5, short.Path.Len())

	// The short walker's ring buffer holds exactly the window the long
	// walker's replay must restrict itself to.
	a, err := bp.Reconstruct(long)
	require.NoError(t, err)
	b, err := bp.Reconstruct(short)
	require.NoError(t, err)
	require.InDelta(t, real(a.Energy), real(b.Energy), 1e-10)
	require.InDelta(t, imag(a.Energy), imag(b.Energy), 1e-10)
}

// With no interaction both Green's function components decay as a
// single exponential in the displacement: the lattice has one occupied
// orbital at energy -t and one empty at +t, so every site diagonal is
// exp(-l dt)/2 for both.
func TestTimeDisplacedFreeSystem(t *testing.T) {
	t.Parallel()
	const dt = 0.01
	lattice := hamiltonian.Lattice{Nx: 2, Ny: 1, T: 1, U: 0, Nup: 1, Ndown: 1}
	bp, prop, _, w := setup(t, lattice, 2, 6)

	rng := rand.New(rand.NewPCG(3, 0))
	for i := 0; i < 6; i++ {
		prop.Step(w, rng)
	}
	require.Equal(t, 6, w.Path.Len())

	r, err := bp.TimeDisplaced(w)
	require.NoError(t, err)
	require.Equal(t, 4, r.Lags())
	require.InDelta(t, 1, real(r.Restore), 1e-12)
	require.InDelta(t, 0, imag(r.Restore), 1e-12)

	for l := 0; l <= r.Lags(); l++ {
		decay := 0.5 * math.Exp(-float64(l)*dt)
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				sign := 1.0
				if i != j {
					sign = -1
				}
				require.InDelta(t, sign*decay, real(r.GreaterUp[l].At(i, j)), 1e-9, "lag %d", l)
				require.InDelta(t, decay, real(r.LesserUp[l].At(i, j)), 1e-9, "lag %d", l)
				require.InDelta(t, sign*decay, real(r.GreaterDn[l].At(i, j)), 1e-9, "lag %d", l)
				require.InDelta(t, decay, real(r.LesserDn[l].At(i, j)), 1e-9, "lag %d", l)
			}
		}
	}
}

// At lag zero the greater and lesser components sum to the identity.
func TestTimeDisplacedLagZero(t *testing.T) {
	t.Parallel()
	lattice := hamiltonian.Lattice{Nx: 2, Ny: 2, T: 1, U: 4, Nup: 2, Ndown: 2}
	bp, prop, _, w := setup(t, lattice, 2, 6)

	rng := rand.New(rand.NewPCG(21, 0))
	for i := 0; i < 6; i++ {
		prop.Step(w, rng)
		if i == 1 {
			w.ResetHistoric()
		}
	}
	require.True(t, w.Alive)

	r, err := bp.TimeDisplaced(w)
	require.NoError(t, err)
	require.Equal(t, 4, r.Lags())
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			sum := r.GreaterUp[0].At(i, j) + r.LesserUp[0].At(i, j)
			require.InDelta(t, want, real(sum), 1e-10)
			require.InDelta(t, 0, imag(sum), 1e-10)
		}
	}
}

// The restoration factor divides the applied constraint factors back
// out of the stored window.
func TestTimeDisplacedRestore(t *testing.T) {
	t.Parallel()
	lattice := hamiltonian.Lattice{Nx: 2, Ny: 1, T: 1, U: 0, Nup: 1, Ndown: 1}
	bp, _, tr, _ := setup(t, lattice, 0, 0)

	tup, tdn := tr.Orbitals()
	w := walker.New(tup, tdn, tr.Overlap(tup, tdn), 3)
	entries := []walker.PathEntry{
		{Cos: 0.9, WeightFac: complex(1.01, 0.05)},
		{Cos: 0.7, WeightFac: complex(0.98, -0.12)},
		{Cos: 1, WeightFac: 1.02},
	}
	for _, e := range entries {
		w.Path.Push(e)
	}

	r, err := bp.TimeDisplaced(w)
	require.NoError(t, err)
	require.Equal(t, 3, r.Lags())

	want := complex(1, 0)
	for _, e := range entries {
		want *= e.WeightFac / complex(cmplx.Abs(e.WeightFac)*e.Cos, 0)
	}
	require.InDelta(t, real(want), real(r.Restore), 1e-12)
	require.InDelta(t, imag(want), imag(r.Restore), 1e-12)
}

// A path shorter than the back-propagation tail cannot anchor the
// displaced window.
func TestTimeDisplacedShortPath(t *testing.T) {
	t.Parallel()
	bp, prop, _, w := setup(t, hamiltonian.Lattice{Nx: 2, Ny: 2, T: 1, U: 4, Nup: 2, Ndown: 2}, 5, 5)

	rng := rand.New(rand.NewPCG(7, 0))
	for i := 0; i < 3; i++ {
		prop.Step(w, rng)
	}
	_, err := bp.TimeDisplaced(w)
	require.Error(t, err)
}
