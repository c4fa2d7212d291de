package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
	"nsmetrics/internal/normalize"
)

const maxBodyBytes = 8 << 20

// RESTServer accepts Nightscout-style uploads. Documents the engine could
// not decode are counted and left out of the forwarded batch; the rest of
// the request still goes through.
type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.Batch
	logger *zap.Logger
}

func NewRESTServer(cfg *config.Manager, out chan<- model.Batch, logger *zap.Logger) *RESTServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTServer{cfg: cfg, out: out, logger: logger}
}

func (s *RESTServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/entries", s.handleDocuments(model.KindEntries)).Methods("POST")
	r.HandleFunc("/api/v1/devicestatus", s.handleDocuments(model.KindDeviceStatus)).Methods("POST")
	r.HandleFunc("/api/v1/treatments", s.handleDocuments(model.KindTreatments)).Methods("POST")
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Batch, logger *zap.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if logger == nil {
		logger = zap.NewNop()
	}
	if !current.Enabled {
		logger.Info("rest ingest disabled")
		return nil
	}
	logger.Info("rest ingest enabled", zap.String("addr", current.Addr))
	server := NewRESTServer(cfg, out, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rest ingest server error", zap.Error(err))
		}
	}()
	return httpServer
}

func (s *RESTServer) handleDocuments(kind model.BatchKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body unreadable"})
			return
		}
		docs, err := DecodeDocuments(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a json object or array: " + err.Error()})
			return
		}

		decoder := normalize.NewDecoder(s.cfg.Get().Ingest.Parser)
		valid := make([]map[string]any, 0, len(docs))
		dropped := 0
		for _, doc := range docs {
			var derr error
			switch kind {
			case model.KindEntries:
				_, derr = decoder.DecodeEntry(doc)
			case model.KindTreatments:
				_, derr = decoder.DecodeTreatment(doc)
			default:
				_, derr = decoder.DecodeDeviceStatus(doc)
			}
			if derr != nil {
				dropped++
				s.logger.Debug("rest document rejected", zap.String("kind", string(kind)), zap.Error(derr))
				continue
			}
			valid = append(valid, doc)
		}

		if len(valid) > 0 {
			batch := model.Batch{Kind: kind, Source: "rest", Docs: valid}
			if !SendNonBlocking(r.Context(), s.out, batch, s.logger) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine busy, retry later"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]int{"accepted": len(valid), "dropped": dropped})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
