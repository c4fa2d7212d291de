package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Batch, logger *zap.Logger) {
	current := cfg.Get().Ingest.FileTail
	if logger == nil {
		logger = zap.NewNop()
	}
	if !current.Enabled {
		logger.Info("file tail ingest disabled")
		return
	}
	for _, f := range current.Files {
		logger.Info("file tail ingest enabled",
			zap.String("path", f.Path),
			zap.String("kind", f.Kind),
			zap.Bool("start_at_end", current.StartAtEnd),
		)
		go tailFile(ctx, f.Path, current.StartAtEnd, NewParser(model.BatchKind(f.Kind)), out, logger)
	}
}

// tailFile follows path across truncation and late creation. Each line
// becomes its own batch.
func tailFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, out chan<- model.Batch, logger *zap.Logger) {
	var file *os.File
	var offset int64
	var pending string
	source := "file_tail:" + path
	for {
		select {
		case <-ctx.Done():
			if file != nil {
				_ = file.Close()
			}
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				logger.Warn("tail open failed", zap.String("path", path), zap.Error(err))
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			pending = ""
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					// keep a half-written line until its newline arrives
					pending += line
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						logger.Info("tail file truncated, reopening", zap.String("path", path))
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				logger.Warn("tail read error", zap.String("path", path), zap.Error(err))
				_ = file.Close()
				file = nil
				break
			}
			line = pending + line
			pending = ""
			offset += int64(len(line))
			docs, err := parser.ParseLine(line)
			if err != nil {
				logger.Debug("tail line skipped", zap.String("path", path), zap.Error(err))
				continue
			}
			if len(docs) == 0 {
				continue
			}
			if !Send(ctx, out, model.Batch{Kind: parser.Kind(), Source: source, Docs: docs}) {
				_ = file.Close()
				return
			}
		}
	}
}
