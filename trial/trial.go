// Package trial implements the trial-wavefunction capability set the
// propagation engine depends on: overlaps, one-body Green's functions
// and local energies for single- and multi-determinant trial states.
package trial

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"afqmc/hamiltonian"
	"afqmc/zmat"
)

// Wavefunction is the capability set consumed per propagation step and
// per back-propagation reconstruction. Walker states are passed as the
// up and down orbital matrices of a Slater determinant.
type Wavefunction interface {
	// Overlap returns <T|walker>.
	Overlap(up, dn *zmat.Dense) complex128
	// GreensFunction returns the one-body Green's functions
	// G_ij = <c^dag_i c_j> per spin sector. An error means the
	// overlap is numerically singular.
	GreensFunction(up, dn *zmat.Dense) (*zmat.Dense, *zmat.Dense, error)
	// LocalEnergy evaluates total, kinetic and potential energy from
	// the Green's functions.
	LocalEnergy(gup, gdn *zmat.Dense) (e, ke, pe complex128)
	// Orbitals returns the reference orbitals walkers are cloned from.
	Orbitals() (*zmat.Dense, *zmat.Dense)
}

// SingleDet is a single Slater-determinant trial state.
type SingleDet struct {
	sys *hamiltonian.System
	up  *zmat.Dense
	dn  *zmat.Dense
}

// NewSingleDet wraps explicit orbital coefficient matrices
// (M x Nup and M x Ndown).
func NewSingleDet(sys *hamiltonian.System, up, dn *zmat.Dense) (*SingleDet, error) {
	if up.Rows() != sys.M || up.Cols() != sys.Nup {
		return nil, errors.Errorf("%dx%d", up.Rows(), up.Cols())
	}
	if dn.Rows() != sys.M || dn.Cols() != sys.Ndown {
		return nil, errors.Errorf("%dx%d", dn.Rows(), dn.Cols())
	}
	return &SingleDet{sys: sys, up: up, dn: dn}, nil
}

// FreeElectron builds the free-electron trial state from the lowest
// eigenvectors of the one-body matrix.
func FreeElectron(sys *hamiltonian.System) (*SingleDet, error) {
	sym := mat.NewSymDense(sys.M, nil)
	for i := 0; i < sys.M; i++ {
		for j := i; j < sys.M; j++ {
			sym.SetSym(i, j, sys.T.At(i, j))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, errors.Errorf("eigendecomposition failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// gonum returns eigenvalues in ascending order.
	up := zmat.New(sys.M, sys.Nup)
	dn := zmat.New(sys.M, sys.Ndown)
	for i := 0; i < sys.M; i++ {
		for j := 0; j < sys.Nup; j++ {
			up.Set(i, j, complex(vecs.At(i, j), 0))
		}
		for j := 0; j < sys.Ndown; j++ {
			dn.Set(i, j, complex(vecs.At(i, j), 0))
		}
	}
	return &SingleDet{sys: sys, up: up, dn: dn}, nil
}

func (t *SingleDet) Orbitals() (*zmat.Dense, *zmat.Dense) { return t.up, t.dn }

func (t *SingleDet) Overlap(up, dn *zmat.Dense) complex128 {
	return zmat.Det(zmat.MulCT(t.up, up)) * zmat.Det(zmat.MulCT(t.dn, dn))
}

func (t *SingleDet) GreensFunction(up, dn *zmat.Dense) (*zmat.Dense, *zmat.Dense, error) {
	gup, err := Greens(t.up, up)
	if err != nil {
		return nil, nil, errors.Wrap(err, "up")
	}
	gdn, err := Greens(t.dn, dn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "down")
	}
	return gup, gdn, nil
}

func (t *SingleDet) LocalEnergy(gup, gdn *zmat.Dense) (complex128, complex128, complex128) {
	return localEnergy(t.sys, gup, gdn)
}

// Greens returns G_ij = <c^dag_i c_j> = [B (A^dag B)^-1 A^dag]_ji for
// bra orbitals A and ket orbitals B. Exported for the back-propagated
// estimator, which supplies its own bra.
func Greens(a, b *zmat.Dense) (*zmat.Dense, error) {
	ovlp := zmat.MulCT(a, b)
	inv, err := zmat.Inverse(ovlp)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	p := zmat.Mul(zmat.Mul(b, inv), a.H())
	return p.Transpose(), nil
}

// localEnergy evaluates the mixed-estimator local energy from the spin
// Green's functions.
func localEnergy(sys *hamiltonian.System, gup, gdn *zmat.Dense) (complex128, complex128, complex128) {
	tz := zmat.FromReal(sys.T)
	gtot := gup.Clone().AddScaled(1, gdn)
	ke := zmat.TraceMul(tz, gtot.Transpose())

	var pe complex128
	switch sys.Model {
	case hamiltonian.Hubbard:
		for i := 0; i < sys.M; i++ {
			pe += complex(sys.U, 0) * gup.At(i, i) * gdn.At(i, i)
		}
	default:
		pe = genericPotential(sys, gup, gdn, gtot)
	}
	return ke + pe + complex(sys.Econst, 0), ke, pe
}

// genericPotential contracts the interaction supermatrix with the
// Green's function:
//
//	E2 = 1/2 sum V[(ik),(jl)] <c+_i c+_j c_l c_k>,
//
// where the four-operator expectation Wick-factorizes into a direct
// term over the total Green's function and a same-spin exchange term.
func genericPotential(sys *hamiltonian.System, gup, gdn, gtot *zmat.Dense) complex128 {
	var e complex128
	for _, en := range sys.V.Entries() {
		i, k := en.Row/sys.M, en.Row%sys.M
		j, l := en.Col/sys.M, en.Col%sys.M
		v := complex(en.V, 0)

		term := gtot.At(i, k) * gtot.At(j, l)
		for _, g := range []*zmat.Dense{gup, gdn} {
			term -= g.At(i, l) * g.At(j, k)
		}
		e += 0.5 * v * term
	}
	return e
}
