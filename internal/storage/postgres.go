package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

var postgresQueries = queries{
	snapshot: `INSERT INTO snapshots (id, generated_at, glucose, glucose_ts, slope, device, iob, cob, entry_count, status_count, snapshot_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	window: `INSERT INTO window_stats (snapshot_id, window_sec, label, samples, expected, coverage_ratio, status, unit, mean, ea1c, gmi, cv, time_in_range)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	finding: `INSERT INTO findings (ts, snapshot_id, check_name, level, previous, value, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/nsmetrics?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresStore(db), nil
}

func newPostgresStore(db *sql.DB) *postgresStore {
	return &postgresStore{baseStore{db: db, q: postgresQueries}}
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			generated_at TIMESTAMPTZ NOT NULL,
			glucose INTEGER,
			glucose_ts BIGINT,
			slope TEXT,
			device TEXT,
			iob DOUBLE PRECISION,
			cob DOUBLE PRECISION,
			entry_count INTEGER NOT NULL,
			status_count INTEGER NOT NULL,
			snapshot_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_generated ON snapshots(generated_at)`,
		`CREATE TABLE IF NOT EXISTS window_stats (
			id BIGSERIAL PRIMARY KEY,
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
			window_sec BIGINT NOT NULL,
			label TEXT NOT NULL,
			samples INTEGER NOT NULL,
			expected INTEGER NOT NULL,
			coverage_ratio DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			unit TEXT NOT NULL DEFAULT 'mg/dL',
			mean DOUBLE PRECISION,
			ea1c DOUBLE PRECISION,
			gmi DOUBLE PRECISION,
			cv DOUBLE PRECISION,
			time_in_range DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_window_stats_snapshot ON window_stats(snapshot_id)`,
		`CREATE TABLE IF NOT EXISTS findings (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			snapshot_id TEXT NOT NULL,
			check_name TEXT NOT NULL,
			level TEXT NOT NULL,
			previous TEXT,
			value DOUBLE PRECISION,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_ts ON findings(ts)`,
	})
}
