// Command nsmetrics ingests Nightscout entries and devicestatus documents,
// normalizes them and serves rolling glucose and device metrics.
//
// Usage:
//
//	nsmetrics -config nsmetrics.yaml
//	nsmetrics -version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"nsmetrics/internal/api"
	"nsmetrics/internal/config"
	"nsmetrics/internal/diagnostics"
	"nsmetrics/internal/engine"
	"nsmetrics/internal/ingest"
	"nsmetrics/internal/logging"
	"nsmetrics/internal/metrics"
	"nsmetrics/internal/model"
	"nsmetrics/internal/publish"
	"nsmetrics/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "nsmetrics.yaml", "path to YAML or JSON config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("nsmetrics " + version)
		return
	}

	cfgManager, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfgManager, logger); err != nil {
		logger.Error("nsmetrics stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// loadConfig falls back to built-in defaults only when the default path is
// absent. An explicitly named file must exist.
func loadConfig(path string) (*config.Manager, error) {
	resolved := config.ResolvePath(path)
	if _, err := os.Stat(resolved); err != nil {
		if errors.Is(err, os.ErrNotExist) && !flagWasSet("config") {
			return config.NewStaticManager(config.DefaultConfig()), nil
		}
		return nil, err
	}
	return config.NewManager(resolved)
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func run(cfgManager *config.Manager, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := cfgManager.Get()
	logger.Info("starting nsmetrics",
		zap.String("version", version),
		zap.String("config", cfgManager.Path()),
		zap.Int("windows", len(cfg.Aggregation.Windows)),
	)

	archive, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if archive != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := archive.Init(initCtx)
		cancel()
		if err != nil {
			_ = archive.Close()
			return fmt.Errorf("init storage: %w", err)
		}
		defer archive.Close()
		logger.Info("snapshot archive enabled", zap.String("driver", cfg.Storage.Driver))
	}

	pubs, err := publish.New(cfg.Publish, logger)
	if err != nil {
		return fmt.Errorf("publishers: %w", err)
	}
	defer func() {
		if err := publish.CloseAll(pubs); err != nil {
			logger.Warn("closing publishers", zap.Error(err))
		}
	}()
	sinks := make([]engine.Publisher, 0, len(pubs))
	for _, p := range pubs {
		sinks = append(sinks, p)
	}

	history := metrics.NewStore(cfg.History.StoreLimit)
	diag := diagnostics.NewStore(cfg.Diagnostics.StoreLimit)

	eng := engine.NewEngine(cfg, logger, history, diag, archive, sinks...)

	batches := make(chan model.Batch, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, batches)

	ingest.StartREST(ctx, cfgManager, batches, logger)
	ingest.StartKafka(ctx, cfgManager, batches, logger)
	ingest.StartFileTail(ctx, cfgManager, batches, logger)
	api.Start(ctx, cfgManager, history, diag, eng, logger, version)

	go cfgManager.Watch(3*time.Second, func(updated *config.Config) {
		logger.Info("config reloaded", zap.String("path", cfgManager.Path()))
		eng.UpdateConfig(updated)
	}, func(err error) {
		logger.Warn("config reload failed", zap.Error(err))
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
