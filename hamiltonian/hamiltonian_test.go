package hamiltonian

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestNewHubbard(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lattice Lattice
		hopping [][]float64
	}{
		{
			// A 2-site chain carries a single bond, no wraparound.
			lattice: Lattice{Nx: 2, Ny: 1, T: 1, U: 4, Nup: 1, Ndown: 1},
			hopping: [][]float64{
				{0, -1},
				{-1, 0},
			},
		},
		{
			// A 4-site ring closes.
			lattice: Lattice{Nx: 4, Ny: 1, T: 1, U: 4, Nup: 2, Ndown: 2},
			hopping: [][]float64{
				{0, -1, 0, -1},
				{-1, 0, -1, 0},
				{0, -1, 0, -1},
				{-1, 0, -1, 0},
			},
		},
		{
			lattice: Lattice{Nx: 2, Ny: 2, T: 1, U: 4, Nup: 2, Ndown: 2},
			hopping: [][]float64{
				{0, -1, -1, 0},
				{-1, 0, 0, -1},
				{-1, 0, 0, -1},
				{0, -1, -1, 0},
			},
		},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%dx%d", test.lattice.Nx, test.lattice.Ny), func(t *testing.T) {
			t.Parallel()
			sys, err := NewHubbard(test.lattice)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			for i := 0; i < sys.M; i++ {
				for j := 0; j < sys.M; j++ {
					if got := sys.T.At(i, j); got != test.hopping[i][j] {
						t.Fatalf("%d %d %f %f", i, j, got, test.hopping[i][j])
					}
				}
			}

			if got := sys.V.NNZ(); got != sys.M {
				t.Fatalf("%d %d", got, sys.M)
			}
			for i := 0; i < sys.M; i++ {
				p := sys.PairIndex(i, i)
				if got := sys.V.At(p, p); got != test.lattice.U {
					t.Fatalf("%d %f", i, got)
				}
			}
		})
	}
}

func TestOneBodyEff(t *testing.T) {
	t.Parallel()
	sys, err := NewHubbard(Lattice{Nx: 2, Ny: 1, T: 1, U: 4, Nup: 1, Ndown: 1})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// The on-site supermatrix self-contracts to U/2 on the diagonal.
	eff := sys.OneBodyEff()
	for i := 0; i < sys.M; i++ {
		for j := 0; j < sys.M; j++ {
			want := sys.T.At(i, j)
			if i == j {
				want -= 2
			}
			if got := eff.At(i, j); math.Abs(got-want) > 1e-14 {
				t.Fatalf("%d %d %f %f", i, j, got, want)
			}
		}
	}
}

func TestReadFCIDUMP(t *testing.T) {
	t.Parallel()
	content := `&FCI NORB=2,NELEC=2,MS2=0,
  ORBSYM=1,1,
  ISYM=1,
&END
 1.2000000000 1 1 1 1
 0.7000000000 1 1 2 2
 0.3500000000 1 2 1 2
-1.0000000000 1 2 0 0
-0.2500000000 1 1 0 0
 0.5000000000 0 0 0 0
`
	path := filepath.Join(t.TempDir(), "fcidump")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("%+v", err)
	}

	sys, err := ReadFCIDUMP(path)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if sys.M != 2 || sys.Nup != 1 || sys.Ndown != 1 {
		t.Fatalf("%d %d %d", sys.M, sys.Nup, sys.Ndown)
	}
	if sys.Econst != 0.5 {
		t.Fatalf("%f", sys.Econst)
	}

	if got := sys.T.At(0, 0); got != -0.25 {
		t.Fatalf("%f", got)
	}
	if got, want := sys.T.At(0, 1), sys.T.At(1, 0); got != want || got != -1 {
		t.Fatalf("%f %f", got, want)
	}

	// (11|11).
	p00 := sys.PairIndex(0, 0)
	if got := sys.V.At(p00, p00); got != 1.2 {
		t.Fatalf("%f", got)
	}
	// (11|22) and its transpose.
	p11 := sys.PairIndex(1, 1)
	if got := sys.V.At(p00, p11); got != 0.7 {
		t.Fatalf("%f", got)
	}
	if got := sys.V.At(p11, p00); got != 0.7 {
		t.Fatalf("%f", got)
	}
	// (12|12) spreads over the 8-fold symmetry.
	p01 := sys.PairIndex(0, 1)
	p10 := sys.PairIndex(1, 0)
	for _, rc := range [][2]int{{p01, p01}, {p01, p10}, {p10, p01}, {p10, p10}} {
		if got := sys.V.At(rc[0], rc[1]); got != 0.35 {
			t.Fatalf("%v %f", rc, got)
		}
	}
}

func TestReadFCIDUMPErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "no header",
			content: "1.0 1 1 0 0\n",
		},
		{
			name:    "bad index",
			content: "&FCI NORB=2,NELEC=2,MS2=0,\n&END\n1.0 3 1 0 0\n",
		},
		{
			name:    "bad line",
			content: "&FCI NORB=2,NELEC=2,MS2=0,\n&END\n1.0 1 1\n",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "fcidump")
			if err := os.WriteFile(path, []byte(test.content), 0644); err != nil {
				t.Fatalf("%+v", err)
			}
			if _, err := ReadFCIDUMP(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestMain(m *testing.M) {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	m.Run()
}
