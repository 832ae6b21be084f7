// Package zmat provides the complex dense matrix kernels used by the
// propagation engine: products, LU determinants and inverses, modified
// Gram-Schmidt QR, and the matrix exponential.
package zmat

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Dense is a row-major complex128 matrix.
type Dense struct {
	rows int
	cols int
	data []complex128
}

func New(rows, cols int) *Dense {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("%d %d", rows, cols))
	}
	return &Dense{rows: rows, cols: cols, data: make([]complex128, rows*cols)}
}

// Eye returns the n by n identity.
func Eye(n int) *Dense {
	m := New(n, n)
	for i := 0; i < n; i++ {
		m.data[i*n+i] = 1
	}
	return m
}

// FromReal lifts a real gonum matrix to a complex one.
func FromReal(rm mat.Matrix) *Dense {
	r, c := rm.Dims()
	m := New(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.data[i*c+j] = complex(rm.At(i, j), 0)
		}
	}
	return m
}

func (m *Dense) Rows() int { return m.rows }
func (m *Dense) Cols() int { return m.cols }

func (m *Dense) At(i, j int) complex128 { return m.data[i*m.cols+j] }

func (m *Dense) Set(i, j int, v complex128) { m.data[i*m.cols+j] = v }

// Raw returns the underlying row-major data slice.
func (m *Dense) Raw() []complex128 { return m.data }

func (m *Dense) Clone() *Dense {
	c := New(m.rows, m.cols)
	copy(c.data, m.data)
	return c
}

// CopyFrom copies src into m. Shapes must match.
func (m *Dense) CopyFrom(src *Dense) {
	if m.rows != src.rows || m.cols != src.cols {
		panic(fmt.Sprintf("%dx%d %dx%d", m.rows, m.cols, src.rows, src.cols))
	}
	copy(m.data, src.data)
}

func (m *Dense) Scale(c complex128) *Dense {
	for i := range m.data {
		m.data[i] *= c
	}
	return m
}

// AddScaled does m += c*a.
func (m *Dense) AddScaled(c complex128, a *Dense) *Dense {
	if m.rows != a.rows || m.cols != a.cols {
		panic(fmt.Sprintf("%dx%d %dx%d", m.rows, m.cols, a.rows, a.cols))
	}
	for i := range m.data {
		m.data[i] += c * a.data[i]
	}
	return m
}

// H returns the conjugate transpose.
func (m *Dense) H() *Dense {
	h := New(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			h.data[j*h.cols+i] = cmplx.Conj(m.data[i*m.cols+j])
		}
	}
	return h
}

// Transpose returns the plain (non-conjugated) transpose.
func (m *Dense) Transpose() *Dense {
	t := New(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			t.data[j*t.cols+i] = m.data[i*m.cols+j]
		}
	}
	return t
}

func (m *Dense) Trace() complex128 {
	if m.rows != m.cols {
		panic(fmt.Sprintf("%d %d", m.rows, m.cols))
	}
	var t complex128
	for i := 0; i < m.rows; i++ {
		t += m.data[i*m.cols+i]
	}
	return t
}

// IsFinite reports whether every element is finite.
func (m *Dense) IsFinite() bool {
	for _, v := range m.data {
		if math.IsNaN(real(v)) || math.IsInf(real(v), 0) ||
			math.IsNaN(imag(v)) || math.IsInf(imag(v), 0) {
			return false
		}
	}
	return true
}

// MaxAbs returns the largest element modulus.
func (m *Dense) MaxAbs() float64 {
	var mx float64
	for _, v := range m.data {
		if a := cmplx.Abs(v); a > mx {
			mx = a
		}
	}
	return mx
}

// Mul returns a*b.
func Mul(a, b *Dense) *Dense {
	if a.cols != b.rows {
		panic(fmt.Sprintf("%dx%d %dx%d", a.rows, a.cols, b.rows, b.cols))
	}
	c := New(a.rows, b.cols)
	for i := 0; i < a.rows; i++ {
		arow := a.data[i*a.cols : (i+1)*a.cols]
		crow := c.data[i*c.cols : (i+1)*c.cols]
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.data[k*b.cols : (k+1)*b.cols]
			for j, bv := range brow {
				crow[j] += av * bv
			}
		}
	}
	return c
}

// MulCT returns conj(a)^T * b.
func MulCT(a, b *Dense) *Dense {
	if a.rows != b.rows {
		panic(fmt.Sprintf("%dx%d %dx%d", a.rows, a.cols, b.rows, b.cols))
	}
	c := New(a.cols, b.cols)
	for k := 0; k < a.rows; k++ {
		arow := a.data[k*a.cols : (k+1)*a.cols]
		brow := b.data[k*b.cols : (k+1)*b.cols]
		for i, av := range arow {
			ac := cmplx.Conj(av)
			if ac == 0 {
				continue
			}
			crow := c.data[i*c.cols : (i+1)*c.cols]
			for j, bv := range brow {
				crow[j] += ac * bv
			}
		}
	}
	return c
}

// TraceMul returns Tr(a*b) without forming the product.
func TraceMul(a, b *Dense) complex128 {
	if a.cols != b.rows || a.rows != b.cols {
		panic(fmt.Sprintf("%dx%d %dx%d", a.rows, a.cols, b.rows, b.cols))
	}
	var t complex128
	for i := 0; i < a.rows; i++ {
		for k := 0; k < a.cols; k++ {
			t += a.data[i*a.cols+k] * b.data[k*b.cols+i]
		}
	}
	return t
}

// lu factorizes a copy of m in place with partial pivoting.
// Returns the packed factors, the pivot rows, and the permutation sign.
func lu(m *Dense) (*Dense, []int, float64, error) {
	if m.rows != m.cols {
		return nil, nil, 0, errors.Errorf("%d %d", m.rows, m.cols)
	}
	n := m.rows
	a := m.Clone()
	piv := make([]int, n)
	sign := 1.0
	for k := 0; k < n; k++ {
		// Pivot row.
		p, pmax := k, cmplx.Abs(a.data[k*n+k])
		for i := k + 1; i < n; i++ {
			if v := cmplx.Abs(a.data[i*n+k]); v > pmax {
				p, pmax = i, v
			}
		}
		if pmax == 0 {
			return nil, nil, 0, errors.Errorf("singular at %d", k)
		}
		piv[k] = p
		if p != k {
			ak, ap := a.data[k*n:(k+1)*n], a.data[p*n:(p+1)*n]
			for j := range ak {
				ak[j], ap[j] = ap[j], ak[j]
			}
			sign = -sign
		}
		pivot := a.data[k*n+k]
		for i := k + 1; i < n; i++ {
			l := a.data[i*n+k] / pivot
			a.data[i*n+k] = l
			if l == 0 {
				continue
			}
			for j := k + 1; j < n; j++ {
				a.data[i*n+j] -= l * a.data[k*n+j]
			}
		}
	}
	return a, piv, sign, nil
}

// Det returns the determinant via LU with partial pivoting.
func Det(m *Dense) complex128 {
	a, _, sign, err := lu(m)
	if err != nil {
		return 0
	}
	d := complex(sign, 0)
	n := m.rows
	for i := 0; i < n; i++ {
		d *= a.data[i*n+i]
	}
	return d
}

// Inverse returns m^-1 via LU with partial pivoting.
func Inverse(m *Dense) (*Dense, error) {
	a, piv, _, err := lu(m)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	n := m.rows
	inv := New(n, n)
	x := make([]complex128, n)
	for col := 0; col < n; col++ {
		for i := range x {
			x[i] = 0
		}
		x[col] = 1
		// Apply row permutation.
		for k := 0; k < n; k++ {
			if piv[k] != k {
				x[k], x[piv[k]] = x[piv[k]], x[k]
			}
		}
		// Forward substitution with unit lower factor.
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				x[i] -= a.data[i*n+j] * x[j]
			}
		}
		// Back substitution.
		for i := n - 1; i >= 0; i-- {
			for j := i + 1; j < n; j++ {
				x[i] -= a.data[i*n+j] * x[j]
			}
			x[i] /= a.data[i*n+i]
		}
		for i := 0; i < n; i++ {
			inv.data[i*n+col] = x[i]
		}
	}
	return inv, nil
}

// DetInverse returns both the determinant and the inverse from one
// factorization.
func DetInverse(m *Dense) (complex128, *Dense, error) {
	d := Det(m)
	if d == 0 {
		return 0, nil, errors.Errorf("singular")
	}
	inv, err := Inverse(m)
	if err != nil {
		return 0, nil, errors.Wrap(err, "")
	}
	return d, inv, nil
}

// QR orthonormalizes the columns of a (rows >= cols) by modified
// Gram-Schmidt. It returns Q with orthonormal columns and det(R), the
// product of the R diagonal.
func QR(a *Dense) (*Dense, complex128, error) {
	if a.rows < a.cols {
		return nil, 0, errors.Errorf("%d %d", a.rows, a.cols)
	}
	q := a.Clone()
	detR := complex(1, 0)
	for j := 0; j < q.cols; j++ {
		var nrm float64
		for i := 0; i < q.rows; i++ {
			v := q.data[i*q.cols+j]
			nrm += real(v)*real(v) + imag(v)*imag(v)
		}
		nrm = math.Sqrt(nrm)
		if nrm == 0 {
			return nil, 0, errors.Errorf("rank deficient at %d", j)
		}
		detR *= complex(nrm, 0)
		inv := complex(1/nrm, 0)
		for i := 0; i < q.rows; i++ {
			q.data[i*q.cols+j] *= inv
		}
		for k := j + 1; k < q.cols; k++ {
			var dot complex128
			for i := 0; i < q.rows; i++ {
				dot += cmplx.Conj(q.data[i*q.cols+j]) * q.data[i*q.cols+k]
			}
			if dot == 0 {
				continue
			}
			for i := 0; i < q.rows; i++ {
				q.data[i*q.cols+k] -= dot * q.data[i*q.cols+j]
			}
		}
	}
	return q, detR, nil
}

// Expm returns e^m by scaling and squaring with a truncated Taylor series.
func Expm(m *Dense) *Dense {
	if m.rows != m.cols {
		panic(fmt.Sprintf("%d %d", m.rows, m.cols))
	}
	nrm := m.MaxAbs() * float64(m.cols)
	s := 0
	for nrm > 0.5 {
		nrm /= 2
		s++
	}
	scaled := m.Clone().Scale(complex(math.Ldexp(1, -s), 0))

	const terms = 16
	e := Eye(m.rows)
	term := Eye(m.rows)
	for k := 1; k <= terms; k++ {
		term = Mul(term, scaled).Scale(complex(1/float64(k), 0))
		e.AddScaled(1, term)
	}
	for i := 0; i < s; i++ {
		e = Mul(e, e)
	}
	return e
}

// EqualApprox reports elementwise agreement within tol.
func EqualApprox(a, b *Dense, tol float64) bool {
	if a.rows != b.rows || a.cols != b.cols {
		return false
	}
	for i := range a.data {
		if cmplx.Abs(a.data[i]-b.data[i]) > tol {
			return false
		}
	}
	return true
}

// Flatten interleaves real and imaginary parts for serialization.
func (m *Dense) Flatten() []float64 {
	f := make([]float64, 0, 2*len(m.data))
	for _, v := range m.data {
		f = append(f, real(v), imag(v))
	}
	return f
}

// FromFlat rebuilds a matrix from Flatten output.
func FromFlat(rows, cols int, f []float64) (*Dense, error) {
	if len(f) != 2*rows*cols {
		return nil, errors.Errorf("%d %d %d", rows, cols, len(f))
	}
	m := New(rows, cols)
	for i := range m.data {
		m.data[i] = complex(f[2*i], f[2*i+1])
	}
	return m, nil
}

func (m *Dense) String() string {
	lines := make([]string, 0, m.rows)
	for i := 0; i < m.rows; i++ {
		cs := make([]string, 0, m.cols)
		for j := 0; j < m.cols; j++ {
			cs = append(cs, fmt.Sprintf("%v", m.data[i*m.cols+j]))
		}
		lines = append(lines, strings.Join(cs, "\t"))
	}
	return strings.Join(lines, "\n")
}
