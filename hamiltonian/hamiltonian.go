// Package hamiltonian supplies one-body integrals and the two-body
// interaction supermatrix consumed by the field decomposer and the
// propagator.
package hamiltonian

import (
	"gonum.org/v1/gonum/mat"

	"github.com/pkg/errors"
)

// Model identifies how the local energy of a walker is evaluated.
type Model int

const (
	// Generic evaluates the two-body energy by contracting the
	// interaction supermatrix with the Green's function.
	Generic Model = iota
	// Hubbard uses the on-site density-density shortcut.
	Hubbard
)

// System packages the Hamiltonian data shared read-only by all walkers
// and streams.
type System struct {
	Model Model
	// M is the number of single-particle basis functions.
	M     int
	Nup   int
	Ndown int

	// T is the bare one-body matrix (hopping or core integrals).
	T *mat.Dense
	// V is the two-body supermatrix, V[(i,k),(j,l)] over flattened
	// pair indices i*M+k.
	V *SuperMatrix
	// U is the on-site interaction strength for Hubbard systems.
	U float64
	// Econst is a constant energy offset (FCIDUMP core energy).
	Econst float64
}

// PairIndex flattens the (i,k) operator pair into a supermatrix index.
func (s *System) PairIndex(i, k int) int { return i*s.M + k }

// OneBodyEff returns the effective one-body matrix used by the
// propagator: the bare T minus half the supermatrix self-contraction
// arising from normal ordering the squared density form.
func (s *System) OneBodyEff() *mat.Dense {
	eff := mat.NewDense(s.M, s.M, nil)
	eff.CloneFrom(s.T)
	for _, e := range s.V.Entries() {
		ri, rk := e.Row/s.M, e.Row%s.M
		cj, cl := e.Col/s.M, e.Col%s.M
		if rk == cj {
			eff.Set(ri, cl, eff.At(ri, cl)-0.5*e.V)
		}
	}
	return eff
}

// Lattice describes a Hubbard model on an nx by ny lattice.
type Lattice struct {
	Nx    int
	Ny    int
	T     float64
	U     float64
	Nup   int
	Ndown int
}

// NewHubbard builds the Hubbard System: nearest-neighbour hopping with
// periodic boundary conditions and an on-site density-density
// supermatrix, V[(i,i),(i,i)] = U.
func NewHubbard(l Lattice) (*System, error) {
	if l.Nx < 1 || l.Ny < 1 {
		return nil, errors.Errorf("%d %d", l.Nx, l.Ny)
	}
	m := l.Nx * l.Ny
	if l.Nup > m || l.Ndown > m {
		return nil, errors.Errorf("%d %d %d", l.Nup, l.Ndown, m)
	}

	t := kinetic(l)
	v := NewSuperMatrix(m * m)
	if l.U != 0 {
		for i := 0; i < m; i++ {
			p := i*m + i
			v.Set(p, p, l.U)
		}
	}
	return &System{
		Model: Hubbard,
		M:     m,
		Nup:   l.Nup,
		Ndown: l.Ndown,
		T:     t,
		V:     v,
		U:     l.U,
	}, nil
}

// kinetic builds the hopping matrix. The wraparound bond is added only
// when the ring is longer than two sites, so a 2-site chain carries a
// single bond.
func kinetic(l Lattice) *mat.Dense {
	m := l.Nx * l.Ny
	t := mat.NewDense(m, m, nil)
	add := func(i, j int) {
		t.Set(i, j, t.At(i, j)-l.T)
		t.Set(j, i, t.At(j, i)-l.T)
	}
	for i := 0; i < m; i++ {
		y, x := decodeBasis(l.Nx, i)
		if x+1 < l.Nx {
			add(i, encodeBasis(l.Nx, y, x+1))
		} else if l.Nx > 2 {
			add(i, encodeBasis(l.Nx, y, 0))
		}
		if y+1 < l.Ny {
			add(i, encodeBasis(l.Nx, y+1, x))
		} else if l.Ny > 2 {
			add(i, encodeBasis(l.Nx, 0, x))
		}
	}
	return t
}

func decodeBasis(nx, i int) (int, int) { return i / nx, i % nx }

func encodeBasis(nx, y, x int) int { return y*nx + x }
