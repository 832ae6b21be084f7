package cholesky

import (
	"flag"
	"fmt"
	"log"
	"math"
	"testing"

	"github.com/pkg/errors"

	"afqmc/hamiltonian"
)

func TestDecomposeHubbard(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lattice hamiltonian.Lattice
	}{
		{lattice: hamiltonian.Lattice{Nx: 2, Ny: 1, T: 1, U: 4, Nup: 1, Ndown: 1}},
		{lattice: hamiltonian.Lattice{Nx: 2, Ny: 2, T: 1, U: 8, Nup: 2, Ndown: 2}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%dx%d", test.lattice.Nx, test.lattice.Ny), func(t *testing.T) {
			t.Parallel()
			sys, err := hamiltonian.NewHubbard(test.lattice)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			fields, err := Decompose(sys, 1e-10, 0)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			// The on-site interaction is already diagonal: one field
			// per site, sqrt(U) at that site.
			if len(fields) != sys.M {
				t.Fatalf("%d %d", len(fields), sys.M)
			}
			sqrtU := math.Sqrt(test.lattice.U)
			for _, f := range fields {
				i := f.Pivot / sys.M
				if k := f.Pivot % sys.M; k != i {
					t.Fatalf("%d %d", i, k)
				}
				if got := real(f.A.At(i, i)); math.Abs(got-sqrtU) > 1e-10 {
					t.Fatalf("%f %f", got, sqrtU)
				}
				// The selecting residual is the untouched diagonal U.
				if math.Abs(f.Coeff-test.lattice.U) > 1e-10 {
					t.Fatalf("%f %f", f.Coeff, test.lattice.U)
				}
			}
			if res := Reconstruct(sys, fields); res > 1e-10 {
				t.Fatalf("%g", res)
			}
		})
	}
}

func TestDecomposeDense(t *testing.T) {
	t.Parallel()
	// A positive semi-definite supermatrix assembled from explicit
	// factors; the decomposition must reproduce it within tolerance.
	const m = 2
	dim := m * m
	factors := [][]float64{
		{1, 0.5, 0.5, 0.2},
		{0, 0.3, 0.3, -0.1},
		{0.2, 0, 0, 0.7},
	}
	sys := &hamiltonian.System{
		Model: hamiltonian.Generic,
		M:     m,
		Nup:   1,
		Ndown: 1,
		V:     hamiltonian.NewSuperMatrix(dim),
	}
	for row := 0; row < dim; row++ {
		for col := 0; col < dim; col++ {
			var v float64
			for _, f := range factors {
				v += f[row] * f[col]
			}
			sys.V.Set(row, col, v)
		}
	}

	fields, err := Decompose(sys, 1e-12, 0)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if len(fields) > len(factors) {
		t.Fatalf("%d %d", len(fields), len(factors))
	}
	// Greedy pivoting selects residuals in nonincreasing order.
	for g, f := range fields {
		if f.Coeff <= 0 {
			t.Fatalf("field %d: %g", g, f.Coeff)
		}
		if g > 0 && f.Coeff > fields[g-1].Coeff+1e-12 {
			t.Fatalf("field %d: %g %g", g, f.Coeff, fields[g-1].Coeff)
		}
	}
	if res := Reconstruct(sys, fields); res > 1e-10 {
		t.Fatalf("%g", res)
	}
}

func TestDecomposeNotPSD(t *testing.T) {
	t.Parallel()
	sys := &hamiltonian.System{
		Model: hamiltonian.Generic,
		M:     2,
		Nup:   1,
		Ndown: 1,
		V:     hamiltonian.NewSuperMatrix(4),
	}
	// An indefinite matrix: decomposition must fail with the typed
	// error once the residual diagonal goes negative.
	sys.V.Set(0, 0, 1)
	sys.V.Set(0, 1, 2)
	sys.V.Set(1, 0, 2)
	sys.V.Set(1, 1, 1)

	_, err := Decompose(sys, 1e-10, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	var derr *DecompositionError
	if !errors.As(err, &derr) {
		t.Fatalf("%+v", err)
	}
}

func TestDecomposeMaxFields(t *testing.T) {
	t.Parallel()
	sys, err := hamiltonian.NewHubbard(hamiltonian.Lattice{Nx: 2, Ny: 2, T: 1, U: 4, Nup: 2, Ndown: 2})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	_, err = Decompose(sys, 1e-10, 2)
	var derr *DecompositionError
	if !errors.As(err, &derr) {
		t.Fatalf("%+v", err)
	}
	if derr.Fields != 2 {
		t.Fatalf("%d", derr.Fields)
	}
}

func TestMain(m *testing.M) {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	m.Run()
}
