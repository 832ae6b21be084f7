// Package backprop reconstructs back-propagated estimators: the stored
// field path of a walker is replayed through conjugate-transposed
// propagators onto a trial-initialized bra, which is then combined with
// the walker's past orbitals into a Green's function and observables.
package backprop

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"

	"afqmc/cholesky"
	"afqmc/hamiltonian"
	"afqmc/trial"
	"afqmc/walker"
	"afqmc/zmat"
)

// Result holds the back-propagated observables of one walker.
type Result struct {
	Energy    complex128
	Kinetic   complex128
	Potential complex128
	// GUp and GDn are the back-propagated one-body density matrices,
	// G_ij = <c^dag_i c_j> per spin.
	GUp *zmat.Dense
	GDn *zmat.Dense
}

// Estimator replays field paths. Immutable after construction.
type Estimator struct {
	sys    *hamiltonian.System
	trial  trial.Wavefunction
	fields []cholesky.Field

	bK             *zmat.Dense
	sqrtDt         float64
	depth          int
	stabilizeEvery int
}

// New precomputes the one-body half-step exponential. depth is the
// back-propagation window length: Reconstruct replays at most that many
// of the newest stored steps, so a path kept longer for the
// time-displaced estimator does not deepen the energy replay.
// stabilizeEvery bounds how many replayed steps pass between QR
// re-orthonormalizations of the bra.
func New(sys *hamiltonian.System, tr trial.Wavefunction, fields []cholesky.Field, dt float64, depth, stabilizeEvery int) (*Estimator, error) {
	if dt <= 0 {
		return nil, errors.Errorf("dt %g", dt)
	}
	if depth < 0 {
		return nil, errors.Errorf("depth %d", depth)
	}
	if stabilizeEvery <= 0 {
		stabilizeEvery = 10
	}
	t1 := zmat.FromReal(sys.OneBodyEff())
	return &Estimator{
		sys:            sys,
		trial:          tr,
		fields:         fields,
		bK:             zmat.Expm(t1.Scale(complex(-dt/2, 0))),
		sqrtDt:         math.Sqrt(dt),
		depth:          depth,
		stabilizeEvery: stabilizeEvery,
	}, nil
}

// Reconstruct replays the newest depth steps of the walker's stored
// path and evaluates observables against the orbitals the walker had
// when the back-propagation window opened. The walker is not mutated.
// With depth zero or an empty path the result degrades to the mixed
// estimator.
func (e *Estimator) Reconstruct(w *walker.Walker) (*Result, error) {
	entries := w.Path.Entries()
	if len(entries) > e.depth {
		entries = entries[len(entries)-e.depth:]
	}
	braUp, braDn, err := e.replayBra(entries)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	gup, err := trial.Greens(braUp, w.OldUp)
	if err != nil {
		return nil, errors.Wrap(err, "up")
	}
	gdn, err := trial.Greens(braDn, w.OldDn)
	if err != nil {
		return nil, errors.Wrap(err, "down")
	}
	en, ke, pe := e.trial.LocalEnergy(gup, gdn)
	return &Result{Energy: en, Kinetic: ke, Potential: pe, GUp: gup, GDn: gdn}, nil
}

// replayBra back-propagates the trial bra through the given entries,
// newest step first.
func (e *Estimator) replayBra(entries []walker.PathEntry) (*zmat.Dense, *zmat.Dense, error) {
	tup, tdn := e.trial.Orbitals()
	braUp := tup.Clone()
	braDn := tdn.Clone()

	for i := len(entries) - 1; i >= 0; i-- {
		b := e.adjointStep(entries[i])
		braUp = zmat.Mul(b, braUp)
		braDn = zmat.Mul(b, braDn)

		if n := len(entries) - i; n%e.stabilizeEvery == 0 {
			var err error
			if braUp, braDn, err = orthonormalize(braUp, braDn); err != nil {
				return nil, nil, errors.Wrap(err, "")
			}
		}
	}
	return braUp, braDn, nil
}

// adjointStep builds B(x)^dag for one stored step. The auxiliary-field
// matrices and the one-body exponential are real symmetric, so only the
// field coefficients need conjugating.
func (e *Estimator) adjointStep(entry walker.PathEntry) *zmat.Dense {
	s := zmat.New(e.sys.M, e.sys.M)
	for g, x := range entry.Shifted {
		s.AddScaled(cmplx.Conj(complex(0, e.sqrtDt)*x), e.fields[g].A)
	}
	return zmat.Mul(e.bK, zmat.Mul(zmat.Expm(s), e.bK))
}

func orthonormalize(up, dn *zmat.Dense) (*zmat.Dense, *zmat.Dense, error) {
	qup, _, err := zmat.QR(up)
	if err != nil {
		return nil, nil, errors.Wrap(err, "up")
	}
	qdn, _, err := zmat.QR(dn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "down")
	}
	return qup, qdn, nil
}
