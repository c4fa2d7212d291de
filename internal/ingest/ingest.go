package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nsmetrics/internal/model"
)

// SendNonBlocking hands a batch to the engine. A full channel drops the batch
// rather than stalling the caller; push adapters report that as busy.
func SendNonBlocking(ctx context.Context, out chan<- model.Batch, b model.Batch, logger *zap.Logger) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("batch channel full, dropping batch",
				zap.String("kind", string(b.Kind)),
				zap.String("source", b.Source),
				zap.Int("documents", len(b.Docs)),
			)
		}
		return false
	}
}

// Send blocks until the engine takes the batch or ctx ends. Pull-based
// adapters use it so backpressure slows reading instead of losing data.
func Send(ctx context.Context, out chan<- model.Batch, b model.Batch) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
