package hamiltonian

import (
	"cmp"
	"slices"
)

// Entry is one nonzero supermatrix element.
type Entry struct {
	V   float64
	Row int
	Col int
}

// SuperMatrix is a sparse, symmetric real matrix over flattened
// operator-pair indices. The Hubbard supermatrix has one nonzero per
// site, so coordinate storage keeps the decomposition cheap.
type SuperMatrix struct {
	dim int
	m   map[[2]int]float64
}

func NewSuperMatrix(dim int) *SuperMatrix {
	return &SuperMatrix{dim: dim, m: make(map[[2]int]float64)}
}

func (s *SuperMatrix) Dim() int { return s.dim }

func (s *SuperMatrix) NNZ() int { return len(s.m) }

func (s *SuperMatrix) At(row, col int) float64 { return s.m[[2]int{row, col}] }

func (s *SuperMatrix) Set(row, col int, v float64) {
	if v == 0 {
		delete(s.m, [2]int{row, col})
		return
	}
	s.m[[2]int{row, col}] = v
}

// Add accumulates v at (row, col).
func (s *SuperMatrix) Add(row, col int, v float64) {
	s.Set(row, col, s.m[[2]int{row, col}]+v)
}

// Entries returns the nonzeros in row-major order.
func (s *SuperMatrix) Entries() []Entry {
	es := make([]Entry, 0, len(s.m))
	for yx, v := range s.m {
		es = append(es, Entry{V: v, Row: yx[0], Col: yx[1]})
	}
	slices.SortFunc(es, func(a, b Entry) int {
		if c := cmp.Compare(a.Row, b.Row); c != 0 {
			return c
		}
		return cmp.Compare(a.Col, b.Col)
	})
	return es
}

// Diagonal copies the diagonal into dst, which must have length Dim.
func (s *SuperMatrix) Diagonal(dst []float64) {
	for i := range dst {
		dst[i] = s.m[[2]int{i, i}]
	}
}

// Column copies column j into dst, which must have length Dim.
func (s *SuperMatrix) Column(j int, dst []float64) {
	for i := range dst {
		dst[i] = s.m[[2]int{i, j}]
	}
}
