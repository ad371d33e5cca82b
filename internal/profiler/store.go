package profiler

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arbalest-ml/arbalest/internal/logger"
)

// Store persists estimates across restarts so a fresh process does not start
// with a cold cost model. Persistence is best-effort: failures are logged
// and the pipeline carries on.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS estimates (
    device     TEXT    NOT NULL,
    block      INTEGER NOT NULL,
    latency_ns INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (device, block)
);`

// OpenStore opens (or creates) the estimate database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init profile store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadInto seeds est with every persisted estimate.
func (s *Store) LoadInto(est *Estimates) error {
	rows, err := s.db.Query(`SELECT device, block, latency_ns FROM estimates`)
	if err != nil {
		return err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var device string
		var block int
		var latencyNs int64
		if err := rows.Scan(&device, &block, &latencyNs); err != nil {
			return err
		}
		est.Seed(device, block, time.Duration(latencyNs), 0)
		n++
	}
	if n > 0 {
		logger.Log.Info("seeded profiler estimates", "count", n)
	}
	return rows.Err()
}

// Save upserts the current estimates.
func (s *Store) Save(est *Estimates) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO estimates (device, block, latency_ns, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (device, block) DO UPDATE SET latency_ns = excluded.latency_ns, updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for device, blocks := range est.Snapshot() {
		for block, latency := range blocks {
			if _, err := stmt.Exec(device, block, latency.Nanoseconds(), now); err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}
