package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nsmetrics/internal/config"
	"nsmetrics/internal/diagnostics"
	"nsmetrics/internal/logging"
	"nsmetrics/internal/metrics"
	"nsmetrics/internal/model"
	"nsmetrics/internal/normalize"
	"nsmetrics/internal/storage"
)

const sinkTimeout = 5 * time.Second

// Publisher receives every snapshot after it has been published.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, snap *model.Snapshot) error
}

// Engine owns the glucose, device-status and treatment working sets. All
// writes go through one mutex; readers only ever see a finished snapshot.
// Sinks are notified in publish order: notifyMu is taken before mu is
// released.
type Engine struct {
	logger     *zap.Logger
	history    *metrics.Store
	diag       *diagnostics.Store
	archive    storage.Store
	publishers []Publisher
	cfg        atomic.Value
	snap       atomic.Pointer[model.Snapshot]
	now        func() time.Time
	started    time.Time
	reconfig   chan struct{}

	mu         sync.Mutex
	notifyMu   sync.Mutex
	decoder    *normalize.Decoder
	resolver   *normalize.DeviceResolver
	entries    *WorkingSet[model.GlucoseEntry]
	statuses   *WorkingSet[model.DeviceStatusRecord]
	treatments *WorkingSet[model.Treatment]
}

func NewEngine(cfg *config.Config, logger *zap.Logger, history *metrics.Store, diag *diagnostics.Store, archive storage.Store, publishers ...Publisher) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:     logging.OrNop(logger),
		history:    history,
		diag:       diag,
		archive:    archive,
		publishers: publishers,
		now:        time.Now,
		started:    time.Now().UTC(),
		reconfig:   make(chan struct{}, 1),
		entries: NewWorkingSet(
			func(g model.GlucoseEntry) string { return g.ID },
			func(g model.GlucoseEntry) int64 { return g.Timestamp },
		),
		statuses: NewWorkingSet(
			func(d model.DeviceStatusRecord) string { return d.ID },
			func(d model.DeviceStatusRecord) int64 { return d.CreatedAt },
		),
		treatments: NewWorkingSet(
			func(t model.Treatment) string { return t.ID },
			func(t model.Treatment) int64 { return t.CreatedAt },
		),
	}
	e.applyConfig(cfg)
	now := e.now()
	e.snap.Store(e.buildSnapshot(now, cfg))
	return e
}

// SetClock replaces the time source. Intended for tests and replay.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	e.applyConfig(cfg)
	e.mu.Unlock()
	select {
	case e.reconfig <- struct{}{}:
	default:
	}
	e.logger.Info("engine configuration updated",
		zap.Int("windows", len(cfg.Aggregation.Windows)),
		zap.Duration("freshness_threshold", cfg.Device.FreshnessThreshold),
		zap.Duration("recompute_interval", cfg.Aggregation.RecomputeInterval),
	)
}

func (e *Engine) applyConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.decoder = normalize.NewDecoder(cfg.Ingest.Parser)
	e.resolver = normalize.NewDeviceResolver(cfg.Device.Chains, cfg.Device.FreshnessThreshold)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Started() time.Time {
	return e.started
}

// Snapshot returns the last published snapshot. It is never nil.
func (e *Engine) Snapshot() *model.Snapshot {
	return e.snap.Load()
}

// Start consumes batches sequentially and recomputes on a timer so ages and
// windows keep sliding when no data arrives. The timer follows
// RecomputeInterval across UpdateConfig calls.
func (e *Engine) Start(ctx context.Context, in <-chan model.Batch) {
	go func() {
		var (
			ticker   *time.Ticker
			tick     <-chan time.Time
			interval time.Duration
		)
		arm := func() {
			next := e.config().Aggregation.RecomputeInterval
			if ticker != nil && next == interval {
				return
			}
			if ticker != nil {
				ticker.Stop()
				ticker, tick = nil, nil
			}
			interval = next
			if interval > 0 {
				ticker = time.NewTicker(interval)
				tick = ticker.C
			}
		}
		arm()
		defer func() {
			if ticker != nil {
				ticker.Stop()
			}
		}()
		for {
			select {
			case batch := <-in:
				e.Ingest(batch)
			case <-tick:
				e.Compute(time.Time{})
			case <-e.reconfig:
				arm()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Ingest decodes, merges and republishes. Malformed documents are dropped
// one by one and never fail the batch.
func (e *Engine) Ingest(batch model.Batch) (*model.Snapshot, model.IngestResult) {
	cfg := e.config()
	res := model.IngestResult{Kind: batch.Kind, Received: len(batch.Docs)}

	e.mu.Lock()
	now := e.now().UTC()
	var stats MergeStats
	switch batch.Kind {
	case model.KindEntries:
		decoded := make([]model.GlucoseEntry, 0, len(batch.Docs))
		for _, doc := range batch.Docs {
			entry, err := e.decoder.DecodeEntry(doc)
			if err != nil {
				res.Dropped++
				e.logger.Debug("dropped entry", zap.String("source", batch.Source), zap.Error(err))
				continue
			}
			decoded = append(decoded, entry)
		}
		stats = e.entries.Merge(decoded)
	case model.KindDeviceStatus:
		decoded := make([]model.DeviceStatusRecord, 0, len(batch.Docs))
		for _, doc := range batch.Docs {
			rec, err := e.decoder.DecodeDeviceStatus(doc)
			if err != nil {
				res.Dropped++
				e.logger.Debug("dropped devicestatus", zap.String("source", batch.Source), zap.Error(err))
				continue
			}
			decoded = append(decoded, rec)
		}
		stats = e.statuses.Merge(decoded)
	case model.KindTreatments:
		decoded := make([]model.Treatment, 0, len(batch.Docs))
		for _, doc := range batch.Docs {
			t, err := e.decoder.DecodeTreatment(doc)
			if err != nil {
				res.Dropped++
				e.logger.Debug("dropped treatment", zap.String("source", batch.Source), zap.Error(err))
				continue
			}
			decoded = append(decoded, t)
		}
		stats = e.treatments.Merge(decoded)
	default:
		e.mu.Unlock()
		res.Dropped = len(batch.Docs)
		e.logger.Warn("unknown batch kind", zap.String("kind", string(batch.Kind)), zap.String("source", batch.Source))
		return e.Snapshot(), res
	}
	res.Inserted, res.Replaced, res.Discarded = stats.Inserted, stats.Replaced, stats.Discarded
	snap := e.publishLocked(now, cfg)
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()

	e.logger.Debug("batch merged",
		zap.String("kind", string(batch.Kind)),
		zap.String("source", batch.Source),
		zap.Int("received", res.Received),
		zap.Int("dropped", res.Dropped),
		zap.Int("inserted", res.Inserted),
		zap.Int("replaced", res.Replaced),
		zap.Int("discarded", res.Discarded),
	)
	e.notify(snap, cfg)
	return snap, res
}

// Compute republishes without new data. A zero now uses the engine clock.
func (e *Engine) Compute(now time.Time) *model.Snapshot {
	cfg := e.config()
	e.mu.Lock()
	if now.IsZero() {
		now = e.now()
	}
	snap := e.publishLocked(now.UTC(), cfg)
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()
	e.notify(snap, cfg)
	return snap
}

// Reset empties every working set and publishes an empty snapshot.
func (e *Engine) Reset() *model.Snapshot {
	cfg := e.config()
	e.mu.Lock()
	e.entries.Reset()
	e.statuses.Reset()
	e.treatments.Reset()
	snap := e.publishLocked(e.now().UTC(), cfg)
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()
	e.logger.Info("engine state reset")
	e.notify(snap, cfg)
	return snap
}

func (e *Engine) publishLocked(now time.Time, cfg *config.Config) *model.Snapshot {
	e.prune(now, cfg)
	snap := e.buildSnapshot(now, cfg)
	e.snap.Store(snap)
	return snap
}

func (e *Engine) prune(now time.Time, cfg *config.Config) {
	if retention := cfg.Aggregation.RetentionOrLongest(); retention > 0 {
		e.entries.Prune(now.Add(-retention).UnixMilli(), nil)
	}
	if cfg.Device.StatusRetention > 0 {
		newest := newestPerDevice(e.statuses.View())
		e.statuses.Prune(now.Add(-cfg.Device.StatusRetention).UnixMilli(), func(rec model.DeviceStatusRecord) bool {
			return newest[rec.Device].ID == rec.ID
		})
	}
	if cfg.Treatments.Retention > 0 {
		summary := normalize.SummarizeTreatments(e.treatments.View())
		e.treatments.Prune(now.Add(-cfg.Treatments.Retention).UnixMilli(), func(t model.Treatment) bool {
			return summary.Holds(t.ID)
		})
	}
}

func (e *Engine) buildSnapshot(now time.Time, cfg *config.Config) *model.Snapshot {
	entries := e.entries.View()
	snap := &model.Snapshot{
		ID:             uuid.NewString(),
		GeneratedAt:    now,
		GlucoseAge:     e.entries.Age(now),
		Windows:        ComputeWindows(entries, now, cfg.Aggregation),
		DeviceAge:      e.statuses.Age(now),
		EntryCount:     e.entries.Len(),
		StatusCount:    e.statuses.Len(),
		Treatments:     normalize.SummarizeTreatments(e.treatments.View()),
		TreatmentCount: e.treatments.Len(),
	}
	snap.Treatments.Age = e.treatments.Age(now)
	if latest, ok := e.entries.Latest(); ok {
		snap.Glucose = readingOf(latest, cfg.Aggregation.Unit)
	}
	if latest, ok := e.statuses.Latest(); ok {
		m := e.resolver.Resolve(latest, now)
		snap.Device = &m
		perDevice := newestPerDevice(e.statuses.View())
		snap.Devices = make(map[string]model.NormalizedDeviceMetrics, len(perDevice))
		for dev, rec := range perDevice {
			snap.Devices[dev] = e.resolver.Resolve(rec, now)
		}
	}
	return snap
}

func readingOf(g model.GlucoseEntry, unit string) *model.GlucoseReading {
	r := &model.GlucoseReading{
		ID:        g.ID,
		Value:     g.Glucose,
		Unit:      config.UnitMgdl,
		Display:   float64(g.Glucose),
		Slope:     g.Slope,
		Trend:     g.Trend,
		Timestamp: g.Timestamp,
		Device:    g.Device,
	}
	if g.Delta != nil {
		d := *g.Delta
		r.Delta = &d
	}
	if unit == config.UnitMmol {
		r.Unit = config.UnitMmol
		r.Display = toMmol(float64(g.Glucose))
	}
	return r
}

// newestPerDevice expects records in ascending order.
func newestPerDevice(recs []model.DeviceStatusRecord) map[string]model.DeviceStatusRecord {
	out := make(map[string]model.DeviceStatusRecord)
	for _, rec := range recs {
		out[rec.Device] = rec
	}
	return out
}

// notify runs outside the working-set lock with notifyMu held. Sink
// failures are logged and never touch the published snapshot.
func (e *Engine) notify(snap *model.Snapshot, cfg *config.Config) {
	if e.history != nil {
		e.history.Update(snap)
	}
	var changed []diagnostics.Finding
	if e.diag != nil {
		changed = e.diag.Record(diagnostics.Evaluate(snap, cfg.Diagnostics))
		for _, f := range changed {
			if f.Level.Severe() {
				e.logger.Warn("diagnostic level changed",
					zap.String("check", f.Check),
					zap.String("level", string(f.Level)),
					zap.String("previous", string(f.Previous)),
					zap.String("message", f.Message),
				)
			}
		}
	}
	if e.archive == nil && len(e.publishers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if e.archive != nil {
		if err := e.archive.SaveSnapshot(ctx, snap); err != nil {
			e.logger.Warn("archive snapshot failed", zap.String("snapshot_id", snap.ID), zap.Error(err))
		}
		if err := e.archive.SaveFindings(ctx, changed); err != nil {
			e.logger.Warn("archive findings failed", zap.String("snapshot_id", snap.ID), zap.Error(err))
		}
	}
	for _, p := range e.publishers {
		if err := p.Publish(ctx, snap); err != nil {
			e.logger.Warn("publish snapshot failed", zap.String("publisher", p.Name()), zap.String("snapshot_id", snap.ID), zap.Error(err))
		}
	}
}
