package trial

import (
	"fmt"

	"github.com/pkg/errors"

	"afqmc/zmat"
)

// MultiDet is a linear combination of single determinants,
// |T> = sum_k c_k |D_k>. Overlaps sum directly; the Green's function is
// the overlap-weighted average of the per-determinant functions.
type MultiDet struct {
	dets   []*SingleDet
	coeffs []complex128
}

func NewMultiDet(dets []*SingleDet, coeffs []complex128) (*MultiDet, error) {
	if len(dets) == 0 || len(dets) != len(coeffs) {
		return nil, errors.Errorf("%d %d", len(dets), len(coeffs))
	}
	return &MultiDet{dets: dets, coeffs: coeffs}, nil
}

// Orbitals returns the leading determinant's orbitals; walkers and the
// back-propagation bra start from these.
func (t *MultiDet) Orbitals() (*zmat.Dense, *zmat.Dense) {
	return t.dets[0].Orbitals()
}

func (t *MultiDet) Overlap(up, dn *zmat.Dense) complex128 {
	var o complex128
	for k, d := range t.dets {
		o += t.coeffs[k] * d.Overlap(up, dn)
	}
	return o
}

func (t *MultiDet) GreensFunction(up, dn *zmat.Dense) (*zmat.Dense, *zmat.Dense, error) {
	m := up.Rows()
	gup := zmat.New(m, m)
	gdn := zmat.New(m, m)
	var denom complex128
	for k, d := range t.dets {
		w := t.coeffs[k] * d.Overlap(up, dn)
		if w == 0 {
			continue
		}
		ku, kd, err := d.GreensFunction(up, dn)
		if err != nil {
			return nil, nil, errors.Wrap(err, fmt.Sprintf("det %d", k))
		}
		gup.AddScaled(w, ku)
		gdn.AddScaled(w, kd)
		denom += w
	}
	if denom == 0 {
		return nil, nil, errors.Errorf("vanishing overlap")
	}
	gup.Scale(1 / denom)
	gdn.Scale(1 / denom)
	return gup, gdn, nil
}

func (t *MultiDet) LocalEnergy(gup, gdn *zmat.Dense) (complex128, complex128, complex128) {
	return localEnergy(t.dets[0].sys, gup, gdn)
}
