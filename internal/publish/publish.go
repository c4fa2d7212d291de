// Package publish pushes every published snapshot to external consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

type Publisher interface {
	Name() string
	Publish(ctx context.Context, snap *model.Snapshot) error
	Close() error
}

// New builds the enabled publishers. A publisher that cannot be constructed
// fails the whole call so a misconfigured deployment is caught at startup.
func New(cfg config.PublishConfig, logger *zap.Logger) ([]Publisher, error) {
	var out []Publisher
	if cfg.Redis.Enabled {
		p := NewRedisPublisher(cfg.Redis)
		out = append(out, p)
		if logger != nil {
			logger.Info("redis publisher enabled", zap.String("addr", cfg.Redis.Addr), zap.String("key", cfg.Redis.Key))
		}
	}
	if cfg.MQTT.Enabled {
		p, err := NewMQTTPublisher(cfg.MQTT)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, p)
		if logger != nil {
			logger.Info("mqtt publisher enabled", zap.String("broker", cfg.MQTT.Broker), zap.String("topic", cfg.MQTT.Topic))
		}
	}
	return out, nil
}

func CloseAll(pubs []Publisher) error {
	return closeAll(pubs)
}

func closeAll(pubs []Publisher) error {
	var errs []error
	for _, p := range pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func encode(snap *model.Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, errors.New("nil snapshot")
	}
	return json.Marshal(snap)
}
