package hamiltonian

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ReadFCIDUMP parses an FCIDUMP-style integral file into a System.
// Header keys NORB, NELEC and MS2 are honored; integral lines are
// "value i j k l" with 1-based chemists-notation indices, where
// "v i j 0 0" is a one-body integral and "v 0 0 0 0" the core energy.
func ReadFCIDUMP(path string) (*System, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	header := make(map[string]int)
	inHeader := true
	lineI := 0

	var sys *System
	for sc.Scan() {
		lineI++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if inHeader {
			upper := strings.ToUpper(line)
			parseHeaderLine(header, upper)
			if strings.Contains(upper, "&END") || upper == "/" {
				inHeader = false
				norb, ok := header["NORB"]
				if !ok || norb <= 0 {
					return nil, errors.Errorf("NORB %#v", header)
				}
				nelec := header["NELEC"]
				ms2 := header["MS2"]
				if (nelec+ms2)%2 != 0 {
					return nil, errors.Errorf("NELEC %d MS2 %d", nelec, ms2)
				}
				sys = &System{
					Model: Generic,
					M:     norb,
					Nup:   (nelec + ms2) / 2,
					Ndown: (nelec - ms2) / 2,
					T:     mat.NewDense(norb, norb, nil),
					V:     NewSuperMatrix(norb * norb),
				}
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, errors.Errorf("%d %#v", lineI, fields)
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d %#v", lineI, fields))
		}
		var idx [4]int
		for k, s := range fields[1:] {
			idx[k], err = strconv.Atoi(s)
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("%d %#v", lineI, fields))
			}
		}
		if err := sys.addIntegral(v, idx); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("%d", lineI))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if sys == nil {
		return nil, errors.Errorf("no header")
	}
	return sys, nil
}

func parseHeaderLine(header map[string]int, line string) {
	for _, key := range []string{"NORB", "NELEC", "MS2"} {
		at := strings.Index(line, key+"=")
		if at < 0 {
			continue
		}
		rest := line[at+len(key)+1:]
		end := strings.IndexFunc(rest, func(r rune) bool {
			return r != '-' && (r < '0' || r > '9')
		})
		if end < 0 {
			end = len(rest)
		}
		if n, err := strconv.Atoi(rest[:end]); err == nil {
			header[key] = n
		}
	}
}

func (s *System) addIntegral(v float64, idx [4]int) error {
	i, j, k, l := idx[0], idx[1], idx[2], idx[3]
	switch {
	case i == 0 && j == 0 && k == 0 && l == 0:
		s.Econst = v
		return nil
	case k == 0 && l == 0:
		if i < 1 || i > s.M || j < 1 || j > s.M {
			return errors.Errorf("%#v", idx)
		}
		s.T.Set(i-1, j-1, v)
		s.T.Set(j-1, i-1, v)
		return nil
	default:
		if i < 1 || i > s.M || j < 1 || j > s.M || k < 1 || k > s.M || l < 1 || l > s.M {
			return errors.Errorf("%#v", idx)
		}
		// Real-orbital 8-fold symmetry of (ij|kl).
		i, j, k, l = i-1, j-1, k-1, l-1
		perms := [8][4]int{
			{i, j, k, l}, {j, i, k, l}, {i, j, l, k}, {j, i, l, k},
			{k, l, i, j}, {l, k, i, j}, {k, l, j, i}, {l, k, j, i},
		}
		seen := make(map[[2]int]bool, 8)
		for _, p := range perms {
			row := s.PairIndex(p[0], p[1])
			col := s.PairIndex(p[2], p[3])
			rc := [2]int{row, col}
			if seen[rc] {
				continue
			}
			seen[rc] = true
			s.V.Set(row, col, v)
		}
		return nil
	}
}
