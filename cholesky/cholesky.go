// Package cholesky factorizes the two-body interaction supermatrix into
// a fixed basis of one-body auxiliary-field matrices via a greedy
// pivoted (modified incomplete) Cholesky decomposition.
package cholesky

import (
	"fmt"
	"math"

	"afqmc/hamiltonian"
	"afqmc/zmat"
)

// Field is one auxiliary field: an immutable Hermitian one-body matrix
// together with the pivot residual that selected it.
type Field struct {
	// A is the M by M one-body matrix L_g; the weighted sum of outer
	// products of the flattened A's reproduces the supermatrix.
	A *zmat.Dense
	// Coeff is the residual diagonal value at the selected pivot.
	Coeff float64
	// Pivot is the flattened pair index the field was selected from.
	Pivot int
}

// DecompositionError reports that the interaction tensor could not be
// factorized within the tolerance and field-count budget.
type DecompositionError struct {
	Fields   int
	Residual float64
	Pivot    int
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("decomposition failed after %d fields: residual %g at pivot %d",
		e.Fields, e.Residual, e.Pivot)
}

// Decompose runs the greedy pivoted Cholesky factorization of v,
// selecting the largest-residual pivot each round until the residual
// diagonal falls below tol or maxFields is reached. The tensor must be
// positive semi-definite within tol.
func Decompose(sys *hamiltonian.System, tol float64, maxFields int) ([]Field, error) {
	v := sys.V
	dim := v.Dim()
	if maxFields <= 0 {
		maxFields = dim
	}

	diag := make([]float64, dim)
	v.Diagonal(diag)
	col := make([]float64, dim)
	// vecs[g] is the flattened Cholesky vector of field g.
	vecs := make([][]float64, 0)

	for {
		p, dmax := -1, 0.0
		for i, d := range diag {
			if d > dmax {
				p, dmax = i, d
			}
		}
		if dmax <= tol {
			// Residual is within tolerance unless the diagonal went
			// negative beyond it.
			for i, d := range diag {
				if d < -tol {
					return nil, &DecompositionError{Fields: len(vecs), Residual: d, Pivot: i}
				}
			}
			break
		}
		if len(vecs) == maxFields {
			return nil, &DecompositionError{Fields: len(vecs), Residual: dmax, Pivot: p}
		}

		v.Column(p, col)
		for _, g := range vecs {
			gp := g[p]
			if gp == 0 {
				continue
			}
			for i := range col {
				col[i] -= g[i] * gp
			}
		}
		inv := 1 / math.Sqrt(dmax)
		vec := make([]float64, dim)
		for i := range col {
			vec[i] = col[i] * inv
			diag[i] -= vec[i] * vec[i]
		}
		diag[p] = 0
		vecs = append(vecs, vec)
	}

	fields := make([]Field, 0, len(vecs))
	for g, vec := range vecs {
		fields = append(fields, Field{
			A:     reshape(sys.M, vec),
			Coeff: pivotValue(v, g, vecs),
			Pivot: pivotIndex(vec),
		})
	}
	return fields, nil
}

// reshape lifts a flattened pair-index vector to the M by M one-body
// matrix, symmetrized so the field is Hermitian.
func reshape(m int, vec []float64) *zmat.Dense {
	a := zmat.New(m, m)
	for i := 0; i < m; i++ {
		for k := 0; k < m; k++ {
			v := 0.5 * (vec[i*m+k] + vec[k*m+i])
			a.Set(i, k, complex(v, 0))
		}
	}
	return a
}

func pivotIndex(vec []float64) int {
	p, mx := 0, 0.0
	for i, v := range vec {
		if a := math.Abs(v); a > mx {
			p, mx = i, a
		}
	}
	return p
}

func pivotValue(v *hamiltonian.SuperMatrix, g int, vecs [][]float64) float64 {
	p := pivotIndex(vecs[g])
	res := v.At(p, p)
	for _, w := range vecs[:g] {
		res -= w[p] * w[p]
	}
	return res
}

// Reconstruct returns the residual max-norm between the supermatrix and
// the sum of outer products of the fields' flattened vectors. Used by
// tests and setup diagnostics.
func Reconstruct(sys *hamiltonian.System, fields []Field) float64 {
	m := sys.M
	dim := sys.V.Dim()
	flat := make([][]float64, len(fields))
	for g, f := range fields {
		vec := make([]float64, dim)
		for i := 0; i < m; i++ {
			for k := 0; k < m; k++ {
				vec[i*m+k] = real(f.A.At(i, k))
			}
		}
		flat[g] = vec
	}

	var worst float64
	for row := 0; row < dim; row++ {
		for col := 0; col < dim; col++ {
			sum := 0.0
			for _, vec := range flat {
				sum += vec[row] * vec[col]
			}
			if d := math.Abs(sum - sys.V.At(row, col)); d > worst {
				worst = d
			}
		}
	}
	return worst
}
