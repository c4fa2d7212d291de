package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

var sqliteQueries = queries{
	snapshot: `INSERT INTO snapshots (id, generated_at, glucose, glucose_ts, slope, device, iob, cob, entry_count, status_count, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	window: `INSERT INTO window_stats (snapshot_id, window_sec, label, samples, expected, coverage_ratio, status, unit, mean, ea1c, gmi, cv, time_in_range)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	finding: `INSERT INTO findings (ts, snapshot_id, check_name, level, previous, value, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:nsmetrics.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLiteStore(db), nil
}

func newSQLiteStore(db *sql.DB) *sqliteStore {
	return &sqliteStore{baseStore{db: db, q: sqliteQueries}}
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			generated_at TEXT NOT NULL,
			glucose INTEGER,
			glucose_ts INTEGER,
			slope TEXT,
			device TEXT,
			iob REAL,
			cob REAL,
			entry_count INTEGER NOT NULL,
			status_count INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_generated ON snapshots(generated_at)`,
		`CREATE TABLE IF NOT EXISTS window_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			snapshot_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			label TEXT NOT NULL,
			samples INTEGER NOT NULL,
			expected INTEGER NOT NULL,
			coverage_ratio REAL NOT NULL,
			status TEXT NOT NULL,
			unit TEXT NOT NULL DEFAULT 'mg/dL',
			mean REAL,
			ea1c REAL,
			gmi REAL,
			cv REAL,
			time_in_range REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_window_stats_snapshot ON window_stats(snapshot_id)`,
		`CREATE TABLE IF NOT EXISTS findings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			check_name TEXT NOT NULL,
			level TEXT NOT NULL,
			previous TEXT,
			value REAL,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_ts ON findings(ts)`,
	})
}
