package estimator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	tableEstimates = "estimates"
	tableITCF      = "itcf"
)

// Store persists flushed snapshots to SQLite, keyed by run ID.
type Store struct {
	Path string
	db   *sql.DB
}

func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	return &Store{Path: dbPath, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT,
		step INTEGER,
		tau REAL,
		weight REAL,
		numer REAL,
		denom REAL,
		energy REAL,
		kinetic REAL,
		potential REAL,
		rejected INTEGER,
		invalid INTEGER,
		PRIMARY KEY (run_id, step)) STRICT`, tableEstimates)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	// spin: 0 up, 1 down. kind: 0 greater, 1 lesser.
	sqlStr = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT,
		step INTEGER,
		lag INTEGER,
		spin INTEGER,
		kind INTEGER,
		site INTEGER,
		tau REAL,
		value REAL,
		PRIMARY KEY (run_id, step, lag, spin, kind, site)) STRICT`, tableITCF)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Insert writes one snapshot for the run.
func (s *Store) Insert(runID string, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(run_id, step, tau, weight, numer, denom, energy, kinetic, potential, rejected, invalid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tableEstimates)
	args := []any{runID, snap.Step, snap.Tau, snap.Weight, snap.Numer, snap.Denom,
		snap.Energy, snap.Kinetic, snap.Potential, snap.Rejected, snap.Invalid}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args))
	}
	return nil
}

// InsertITCF writes one time-displaced block for the run, one row per
// lag, spin, kind and site.
func (s *Store) InsertITCF(runID string, b ITCFBlock) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer tx.Rollback()

	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(run_id, step, lag, spin, kind, site, tau, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, tableITCF)
	stmt, err := tx.PrepareContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer stmt.Close()

	insert := func(lag, spin, kind int, diag []float64) error {
		tau := float64(lag) * b.Dt
		for site, v := range diag {
			if _, err := stmt.ExecContext(ctx, runID, b.Step, lag, spin, kind, site, tau, v); err != nil {
				return errors.Wrap(err, fmt.Sprintf("%d %d %d %d", lag, spin, kind, site))
			}
		}
		return nil
	}
	for lag := range b.GreaterUp {
		if err := insert(lag, 0, 0, b.GreaterUp[lag]); err != nil {
			return err
		}
		if err := insert(lag, 1, 0, b.GreaterDn[lag]); err != nil {
			return err
		}
		if err := insert(lag, 0, 1, b.LesserUp[lag]); err != nil {
			return err
		}
		if err := insert(lag, 1, 1, b.LesserDn[lag]); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "")
}

// ITCFDiagonal reads back one element of the stored time-displaced
// Green's function across lags, ordered by step then lag.
func (s *Store) ITCFDiagonal(runID string, spin, kind, site int) (taus, values []float64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT tau, value FROM %s
		WHERE run_id=? AND spin=? AND kind=? AND site=? ORDER BY step, lag`, tableITCF)
	rows, err := s.db.QueryContext(ctx, sqlStr, runID, spin, kind, site)
	if err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	for rows.Next() {
		var tau, v float64
		if err := rows.Scan(&tau, &v); err != nil {
			return nil, nil, errors.Wrap(err, "")
		}
		taus = append(taus, tau)
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "")
	}
	return taus, values, nil
}

// Snapshots reads back the run's snapshots ordered by step.
func (s *Store) Snapshots(runID string) ([]Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT step, tau, weight, numer, denom, energy, kinetic, potential, rejected, invalid
		FROM %s WHERE run_id=? ORDER BY step`, tableEstimates)
	rows, err := s.db.QueryContext(ctx, sqlStr, runID)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.Step, &snap.Tau, &snap.Weight, &snap.Numer, &snap.Denom,
			&snap.Energy, &snap.Kinetic, &snap.Potential, &snap.Rejected, &snap.Invalid); err != nil {
			return nil, errors.Wrap(err, "")
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return snaps, nil
}
