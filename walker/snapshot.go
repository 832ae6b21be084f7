package walker

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"afqmc/zmat"
)

// Snapshot is the serializable population state used for checkpoints.
type Snapshot struct {
	Rows    int
	UpCols  int
	DnCols  int
	Depth   int
	Walkers []WalkerSnapshot
}

type WalkerSnapshot struct {
	Up      []float64
	Dn      []float64
	OldUp   []float64
	OldDn   []float64
	InitUp  []float64
	InitDn  []float64
	Weight  [2]float64
	Overlap [2]float64
	Phase   float64
	Alive   bool
	Path    []PathSnapshot
}

type PathSnapshot struct {
	Shifted   []float64
	Cos       float64
	WeightFac [2]float64
}

// Snapshot serializes the population with msgpack.
func (p *Population) Snapshot() ([]byte, error) {
	if len(p.Walkers) == 0 {
		return nil, errors.Errorf("empty population")
	}
	w0 := p.Walkers[0]
	snap := Snapshot{
		Rows:   w0.Up.Rows(),
		UpCols: w0.Up.Cols(),
		DnCols: w0.Dn.Cols(),
		Depth:  w0.Path.Depth(),
	}
	for _, w := range p.Walkers {
		ws := WalkerSnapshot{
			Up:      w.Up.Flatten(),
			Dn:      w.Dn.Flatten(),
			OldUp:   w.OldUp.Flatten(),
			OldDn:   w.OldDn.Flatten(),
			InitUp:  w.InitUp.Flatten(),
			InitDn:  w.InitDn.Flatten(),
			Weight:  [2]float64{real(w.Weight), imag(w.Weight)},
			Overlap: [2]float64{real(w.Overlap), imag(w.Overlap)},
			Phase:   w.Phase,
			Alive:   w.Alive,
		}
		for _, e := range w.Path.Entries() {
			ps := PathSnapshot{
				Shifted:   make([]float64, 0, 2*len(e.Shifted)),
				Cos:       e.Cos,
				WeightFac: [2]float64{real(e.WeightFac), imag(e.WeightFac)},
			}
			for _, x := range e.Shifted {
				ps.Shifted = append(ps.Shifted, real(x), imag(x))
			}
			ws.Path = append(ws.Path, ps)
		}
		snap.Walkers = append(snap.Walkers, ws)
	}
	b, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return b, nil
}

// RestoreSnapshot replaces the population with the serialized state.
func (p *Population) RestoreSnapshot(b []byte) error {
	var snap Snapshot
	if err := msgpack.Unmarshal(b, &snap); err != nil {
		return errors.Wrap(err, "")
	}
	if len(snap.Walkers) == 0 {
		return errors.Errorf("empty snapshot")
	}

	walkers := make([]*Walker, 0, len(snap.Walkers))
	for i, ws := range snap.Walkers {
		up, err := zmat.FromFlat(snap.Rows, snap.UpCols, ws.Up)
		if err != nil {
			return errors.Wrap(err, "up")
		}
		dn, err := zmat.FromFlat(snap.Rows, snap.DnCols, ws.Dn)
		if err != nil {
			return errors.Wrap(err, "down")
		}
		oldUp, err := zmat.FromFlat(snap.Rows, snap.UpCols, ws.OldUp)
		if err != nil {
			return errors.Wrap(err, "old up")
		}
		oldDn, err := zmat.FromFlat(snap.Rows, snap.DnCols, ws.OldDn)
		if err != nil {
			return errors.Wrap(err, "old down")
		}
		initUp, err := zmat.FromFlat(snap.Rows, snap.UpCols, ws.InitUp)
		if err != nil {
			return errors.Wrap(err, "init up")
		}
		initDn, err := zmat.FromFlat(snap.Rows, snap.DnCols, ws.InitDn)
		if err != nil {
			return errors.Wrap(err, "init down")
		}
		w := &Walker{
			Up:      up,
			Dn:      dn,
			Weight:  complex(ws.Weight[0], ws.Weight[1]),
			Overlap: complex(ws.Overlap[0], ws.Overlap[1]),
			Phase:   ws.Phase,
			Path:    NewFieldPath(snap.Depth),
			OldUp:   oldUp,
			OldDn:   oldDn,
			InitUp:  initUp,
			InitDn:  initDn,
			Alive:   ws.Alive,
		}
		for _, ps := range ws.Path {
			if len(ps.Shifted)%2 != 0 {
				return errors.Errorf("walker %d: %d", i, len(ps.Shifted))
			}
			e := PathEntry{
				Shifted:   make([]complex128, 0, len(ps.Shifted)/2),
				Cos:       ps.Cos,
				WeightFac: complex(ps.WeightFac[0], ps.WeightFac[1]),
			}
			for k := 0; k < len(ps.Shifted); k += 2 {
				e.Shifted = append(e.Shifted, complex(ps.Shifted[k], ps.Shifted[k+1]))
			}
			w.Path.Push(e)
		}
		walkers = append(walkers, w)
	}
	p.Walkers = walkers
	p.Target = len(walkers)
	p.Collapsed = false
	return nil
}
