package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nsmetrics/internal/config"
	"nsmetrics/internal/diagnostics"
	"nsmetrics/internal/model"
)

// Store archives published snapshots and diagnostic transitions. It is
// append-only; nothing is read back into the engine.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	SaveFindings(ctx context.Context, findings []diagnostics.Finding) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type queries struct {
	snapshot string
	window   string
	finding  string
}

type baseStore struct {
	db *sql.DB
	q  queries
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if b.db == nil || snap == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var (
		glucose   sql.NullInt64
		glucoseTS sql.NullInt64
		slope     sql.NullString
		iob, cob  sql.NullFloat64
		device    sql.NullString
	)
	if g := snap.Glucose; g != nil {
		glucose = sql.NullInt64{Int64: int64(g.Value), Valid: true}
		glucoseTS = sql.NullInt64{Int64: g.Timestamp, Valid: true}
		slope = sql.NullString{String: string(g.Slope), Valid: true}
	}
	if d := snap.Device; d != nil {
		device = sql.NullString{String: d.Device, Valid: true}
		iob = nullFloat(d.InsulinOnBoard.Value)
		cob = nullFloat(d.CarbsOnBoard.Value)
	}
	if _, err := tx.ExecContext(ctx, b.q.snapshot,
		snap.ID,
		snap.GeneratedAt.UTC(),
		glucose,
		glucoseTS,
		slope,
		device,
		iob,
		cob,
		snap.EntryCount,
		snap.StatusCount,
		encodeJSON(snap),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if len(snap.Windows) > 0 {
		stmt, err := tx.PrepareContext(ctx, b.q.window)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		defer stmt.Close()
		for _, w := range snap.Windows {
			if _, err := stmt.ExecContext(ctx,
				snap.ID,
				w.WindowSec,
				w.Label,
				w.Samples,
				w.Expected,
				w.CoverageRatio,
				string(w.Status),
				w.Unit,
				nullFloat(w.Mean),
				nullFloat(w.EA1c),
				nullFloat(w.GMI),
				nullFloat(w.CV),
				nullFloat(w.TimeInRange),
			); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("insert window %s: %w", w.Label, err)
			}
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveFindings(ctx context.Context, findings []diagnostics.Finding) error {
	if b.db == nil || len(findings) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for _, f := range findings {
		if _, err := b.db.ExecContext(ctx, b.q.finding,
			f.Timestamp.UTC(),
			f.SnapshotID,
			f.Check,
			string(f.Level),
			string(f.Previous),
			nullFloat(f.Value),
			f.Message,
		); err != nil {
			errs = append(errs, fmt.Errorf("insert finding %s: %w", f.Check, err))
		}
	}
	return errors.Join(errs...)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
