// Package walker holds the walker population: Slater-determinant
// samples with statistical weights, the per-walker field paths replayed
// by back-propagation, and comb population control.
package walker

import (
	"github.com/rs/zerolog"

	"afqmc/zmat"
)

// Walker is one statistical sample: a Slater determinant per spin
// sector with an importance-sampling weight.
type Walker struct {
	Up *zmat.Dense
	Dn *zmat.Dense

	// Weight is the statistical weight. The phaseless constraint keeps
	// it real and non-negative; the imaginary part stays zero.
	Weight complex128
	// Overlap is the trial overlap at the last propagation step.
	Overlap complex128
	// Phase accumulates the overlap-ratio phase rotations along the walk.
	Phase float64

	// Path stores recent field samples for back-propagation and the
	// time-displaced Green's function.
	Path *FieldPath
	// OldUp and OldDn are the orbitals captured at the last historic
	// reset; they form the ket of the back-propagated estimator.
	OldUp *zmat.Dense
	OldDn *zmat.Dense
	// InitUp and InitDn are the orbitals captured when the stored path
	// window opened; they form the ket of the time-displaced estimator.
	InitUp *zmat.Dense
	InitDn *zmat.Dense

	Alive bool
}

// New starts a walker at the given orbitals with unit weight. The
// orbitals are cloned; depth bounds the field path buffer.
func New(up, dn *zmat.Dense, overlap complex128, depth int) *Walker {
	return &Walker{
		Up:      up.Clone(),
		Dn:      dn.Clone(),
		Weight:  1,
		Overlap: overlap,
		Path:    NewFieldPath(depth),
		OldUp:   up.Clone(),
		OldDn:   dn.Clone(),
		InitUp:  up.Clone(),
		InitDn:  dn.Clone(),
		Alive:   true,
	}
}

// Clone returns an independently mutable copy.
func (w *Walker) Clone() *Walker {
	return &Walker{
		Up:      w.Up.Clone(),
		Dn:      w.Dn.Clone(),
		Weight:  w.Weight,
		Overlap: w.Overlap,
		Phase:   w.Phase,
		Path:    w.Path.Clone(),
		OldUp:   w.OldUp.Clone(),
		OldDn:   w.OldDn.Clone(),
		InitUp:  w.InitUp.Clone(),
		InitDn:  w.InitDn.Clone(),
		Alive:   w.Alive,
	}
}

// MarkDead zeroes the weight; the walker is dropped at the next
// population control.
func (w *Walker) MarkDead() {
	w.Weight = 0
	w.Alive = false
}

// ResetPath clears the field path and captures the current orbitals as
// both the historic and the window-start kets.
func (w *Walker) ResetPath() {
	w.Path.Reset()
	w.ResetHistoric()
	w.ResetInit()
}

// ResetHistoric captures the current orbitals as the ket of the next
// back-propagation window without clearing the stored path; the path
// keeps filling toward the longer time-displaced window.
func (w *Walker) ResetHistoric() {
	w.OldUp.CopyFrom(w.Up)
	w.OldDn.CopyFrom(w.Dn)
}

// ResetInit captures the current orbitals as the start of the next
// time-displaced window.
func (w *Walker) ResetInit() {
	w.InitUp.CopyFrom(w.Up)
	w.InitDn.CopyFrom(w.Dn)
}

// Population is an ordered set of walkers under comb population
// control.
type Population struct {
	Walkers []*Walker
	// Target is the walker count the comb restores.
	Target int
	// MinAlive is the alive count below which the population is flagged
	// as collapsed.
	MinAlive int
	// Collapsed reports that a reconfiguration left fewer than MinAlive
	// walkers. Never fatal; the caller decides whether to stop.
	Collapsed bool

	log zerolog.Logger
}

func NewPopulation(walkers []*Walker, minAlive int, log zerolog.Logger) *Population {
	return &Population{Walkers: walkers, Target: len(walkers), MinAlive: minAlive, log: log}
}

// TotalWeight sums the weights of the alive walkers.
func (p *Population) TotalWeight() float64 {
	var t float64
	for _, w := range p.Walkers {
		if w.Alive {
			t += real(w.Weight)
		}
	}
	return t
}

func (p *Population) AliveCount() int {
	n := 0
	for _, w := range p.Walkers {
		if w.Alive {
			n++
		}
	}
	return n
}

// Renormalize scales every weight; used to fold the global population
// growth factor out of the weights between control steps.
func (p *Population) Renormalize(scale float64) {
	for _, w := range p.Walkers {
		w.Weight *= complex(scale, 0)
	}
}

// Comb reconfigures the population with the comb method: Target teeth
// spaced TotalWeight/Target apart, all shifted by the shared uniform
// offset in [0, 1). Walkers hit k times are kept as k independent
// copies, zero-hit walkers are dropped, and every survivor restarts at
// the uniform weight TotalWeight/Target, so the total is conserved
// exactly.
func (p *Population) Comb(offset float64) {
	total := p.TotalWeight()
	if total <= 0 || p.Target == 0 {
		p.Collapsed = true
		p.log.Warn().Float64("total", total).Msg("population collapsed")
		return
	}

	spacing := total / float64(p.Target)
	next := offset * spacing
	cum := 0.0
	survivors := make([]*Walker, 0, p.Target)
	for _, w := range p.Walkers {
		if !w.Alive {
			continue
		}
		cum += real(w.Weight)
		hits := 0
		for next < cum && len(survivors)+hits < p.Target {
			hits++
			next += spacing
		}
		if hits == 0 {
			continue
		}
		survivors = append(survivors, w)
		for k := 1; k < hits; k++ {
			survivors = append(survivors, w.Clone())
		}
	}
	// Rounding can leave the last tooth past the cumulative total.
	for len(survivors) > 0 && len(survivors) < p.Target {
		survivors = append(survivors, survivors[len(survivors)-1].Clone())
	}
	for _, w := range survivors {
		w.Weight = complex(spacing, 0)
	}
	p.Walkers = survivors

	if len(survivors) < p.MinAlive {
		p.Collapsed = true
		p.log.Warn().Int("alive", len(survivors)).Int("min", p.MinAlive).
			Msg("population collapsed")
	}
}
