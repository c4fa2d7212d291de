package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

// StartKafka runs one consumer-group reader per configured topic. Each
// message value is a JSON document or an array of them.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Batch, logger *zap.Logger) {
	current := cfg.Get().Ingest.Kafka
	if logger == nil {
		logger = zap.NewNop()
	}
	if !current.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	topics := map[model.BatchKind]string{
		model.KindEntries:      current.EntriesTopic,
		model.KindDeviceStatus: current.DeviceStatusTopic,
		model.KindTreatments:   current.TreatmentsTopic,
	}
	for kind, topic := range topics {
		if topic == "" {
			continue
		}
		logger.Info("kafka ingest enabled",
			zap.Strings("brokers", current.Brokers),
			zap.String("topic", topic),
			zap.String("kind", string(kind)),
			zap.String("group_id", current.GroupID),
		)
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  current.Brokers,
			Topic:    topic,
			GroupID:  current.GroupID,
			MinBytes: 1e3,
			MaxBytes: 10e6,
		})
		go consumeKafka(ctx, reader, kind, out, logger)
	}
}

// messageReader is the part of *kafka.Reader the consumer needs. Offsets are
// committed only once the engine holds the batch.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func consumeKafka(ctx context.Context, reader messageReader, kind model.BatchKind, out chan<- model.Batch, logger *zap.Logger) {
	defer reader.Close()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", zap.String("kind", string(kind)), zap.Error(err))
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		docs, err := DecodeDocuments(m.Value)
		if err != nil {
			logger.Warn("kafka message is not json",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		} else if !Send(ctx, out, model.Batch{Kind: kind, Source: "kafka:" + m.Topic, Docs: docs}) {
			return
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("kafka commit failed",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}
