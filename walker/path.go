package walker

// PathEntry records one propagation step for later replay: the shifted
// auxiliary-field sample together with the factors the constraint
// applied to the weight at that step.
type PathEntry struct {
	// Shifted is the force-bias-shifted field sample, one value per
	// auxiliary field. Immutable once pushed.
	Shifted []complex128
	// Cos is the phaseless cosine projection factor.
	Cos float64
	// WeightFac is the raw hybrid update factor before the constraint.
	WeightFac complex128
}

// FieldPath is a bounded ring buffer of propagation steps. Pushing past
// the depth evicts the oldest entry. A zero depth stores nothing.
type FieldPath struct {
	entries []PathEntry
	head    int
	n       int
}

func NewFieldPath(depth int) *FieldPath {
	return &FieldPath{entries: make([]PathEntry, depth)}
}

func (p *FieldPath) Depth() int { return len(p.entries) }

// Len returns the number of stored entries.
func (p *FieldPath) Len() int { return p.n }

func (p *FieldPath) Push(e PathEntry) {
	if len(p.entries) == 0 {
		return
	}
	p.entries[p.head] = e
	p.head = (p.head + 1) % len(p.entries)
	if p.n < len(p.entries) {
		p.n++
	}
}

// Entries returns the stored steps ordered oldest to newest.
func (p *FieldPath) Entries() []PathEntry {
	out := make([]PathEntry, 0, p.n)
	start := p.head - p.n
	if start < 0 {
		start += len(p.entries)
	}
	for i := 0; i < p.n; i++ {
		out = append(out, p.entries[(start+i)%len(p.entries)])
	}
	return out
}

func (p *FieldPath) Reset() {
	p.head, p.n = 0, 0
}

// Clone returns an independent buffer. Entry values are copied; the
// Shifted slices are shared since entries are never mutated after Push.
func (p *FieldPath) Clone() *FieldPath {
	c := &FieldPath{entries: make([]PathEntry, len(p.entries)), head: p.head, n: p.n}
	copy(c.entries, p.entries)
	return c
}
