package backprop

import (
	"math/cmplx"

	"github.com/pkg/errors"

	"afqmc/trial"
	"afqmc/walker"
	"afqmc/zmat"
)

// GreensResult holds one walker's imaginary-time-displaced single-particle
// Green's functions over the stored window, one matrix per lag.
// Greater[l]_ij = <c_i(l dt) c^dag_j(0)>, Lesser[l]_ij = <c^dag_j(0) c_i(l dt)>.
type GreensResult struct {
	GreaterUp []*zmat.Dense
	GreaterDn []*zmat.Dense
	LesserUp  []*zmat.Dense
	LesserDn  []*zmat.Dense

	// Restore is the product over the window of the raw hybrid factors
	// divided by the constraint factors actually applied to the weight.
	// Multiplying the walker weight by it recovers the free-projection
	// weight for the window.
	Restore complex128
}

// Lags returns the number of time displacements, excluding lag zero.
func (r *GreensResult) Lags() int { return len(r.GreaterUp) - 1 }

// TimeDisplaced computes the walker's single-particle Green's function
// at every lag of the stored window. The path must hold the
// back-propagation tail on top of the window: the newest depth entries
// back-propagate the trial bra for the equal-time starting point, and
// the older entries are re-applied one by one, shifting the
// displacement forward a step at a time. The walker is not mutated.
func (e *Estimator) TimeDisplaced(w *walker.Walker) (*GreensResult, error) {
	entries := w.Path.Entries()
	if len(entries) < e.depth {
		return nil, errors.Errorf("path %d, tail %d", len(entries), e.depth)
	}
	window := entries[:len(entries)-e.depth]

	braUp, braDn, err := e.replayBra(entries)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	gup, err := trial.Greens(braUp, w.InitUp)
	if err != nil {
		return nil, errors.Wrap(err, "up")
	}
	gdn, err := trial.Greens(braDn, w.InitDn)
	if err != nil {
		return nil, errors.Wrap(err, "down")
	}

	m := e.sys.M
	ggrUp, glsUp := splitGreens(m, gup)
	ggrDn, glsDn := splitGreens(m, gdn)

	r := &GreensResult{
		GreaterUp: []*zmat.Dense{ggrUp},
		GreaterDn: []*zmat.Dense{ggrDn},
		LesserUp:  []*zmat.Dense{glsUp},
		LesserDn:  []*zmat.Dense{glsDn},
		Restore:   1,
	}
	for _, entry := range window {
		b := e.forwardStep(entry)
		binv, err := zmat.Inverse(b)
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		ggrUp = zmat.Mul(b, ggrUp)
		ggrDn = zmat.Mul(b, ggrDn)
		glsUp = zmat.Mul(glsUp, binv)
		glsDn = zmat.Mul(glsDn, binv)
		r.GreaterUp = append(r.GreaterUp, ggrUp)
		r.GreaterDn = append(r.GreaterDn, ggrDn)
		r.LesserUp = append(r.LesserUp, glsUp)
		r.LesserDn = append(r.LesserDn, glsDn)

		applied := cmplx.Abs(entry.WeightFac) * entry.Cos
		if applied <= 0 {
			r.Restore = 0
		} else {
			r.Restore *= entry.WeightFac / complex(applied, 0)
		}
	}
	return r, nil
}

// splitGreens turns the equal-time G_ij = <c^dag_i c_j> into the
// greater and lesser components at lag zero.
func splitGreens(m int, g *zmat.Dense) (ggr, gls *zmat.Dense) {
	gls = g.Transpose()
	ggr = zmat.Eye(m)
	ggr.AddScaled(-1, gls)
	return ggr, gls
}

// forwardStep rebuilds B(x) for one stored step.
func (e *Estimator) forwardStep(entry walker.PathEntry) *zmat.Dense {
	s := zmat.New(e.sys.M, e.sys.M)
	for g, x := range entry.Shifted {
		s.AddScaled(complex(0, e.sqrtDt)*x, e.fields[g].A)
	}
	return zmat.Mul(e.bK, zmat.Mul(zmat.Expm(s), e.bK))
}
