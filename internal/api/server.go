package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"nsmetrics/internal/config"
	"nsmetrics/internal/diagnostics"
	"nsmetrics/internal/metrics"
	"nsmetrics/internal/model"
	"nsmetrics/internal/normalize"
)

type EngineControl interface {
	Snapshot() *model.Snapshot
	Reset() *model.Snapshot
	Started() time.Time
}

type Server struct {
	cfg     *config.Manager
	history *metrics.Store
	diag    *diagnostics.Store
	engine  EngineControl
	logger  *zap.Logger
	version string
}

type statusResponse struct {
	Status         string        `json:"status"`
	Time           string        `json:"time"`
	Version        string        `json:"version"`
	ConfigPath     string        `json:"config_path"`
	StartedAt      string        `json:"started_at"`
	UptimeSec      int64         `json:"uptime_sec"`
	SnapshotID     string        `json:"snapshot_id"`
	EntryCount     int           `json:"entry_count"`
	StatusCount    int           `json:"status_count"`
	TreatmentCount int           `json:"treatment_count"`
	GlucoseAge     model.DataAge `json:"glucose_age"`
	DeviceAge      model.DataAge `json:"device_age"`
	Unit           string        `json:"unit"`
	Ingest         ingestStatus  `json:"ingest"`
	Publish        publishStatus `json:"publish"`
	Windows        []string      `json:"windows"`
}

type ingestStatus struct {
	REST     bool `json:"rest"`
	FileTail bool `json:"file_tail"`
	Kafka    bool `json:"kafka"`
}

type publishStatus struct {
	Redis   bool `json:"redis"`
	MQTT    bool `json:"mqtt"`
	Archive bool `json:"archive"`
}

func NewServer(cfg *config.Manager, history *metrics.Store, diag *diagnostics.Store, engine EngineControl, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, history: history, diag: diag, engine: engine, logger: logger, version: version}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	// device labels such as openaps://phone contain slashes
	r.SkipClean(true)
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	r.HandleFunc("/glucose/latest", s.handleGlucose).Methods("GET")
	r.HandleFunc("/windows", s.handleWindows).Methods("GET")
	r.HandleFunc("/treatments", s.handleTreatments).Methods("GET")
	r.HandleFunc("/device", s.handleDevice).Methods("GET")
	r.HandleFunc("/device/{device:.+}", s.handleDeviceByName).Methods("GET")
	r.HandleFunc("/diagnostics", s.handleDiagnostics).Methods("GET")
	r.HandleFunc("/diagnostics/history", s.handleDiagnosticsHistory).Methods("GET")
	r.HandleFunc("/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/config/chains", s.handleChains).Methods("GET")
	r.HandleFunc("/admin/reset", s.handleReset).Methods("POST")
	r.HandleFunc("/admin/clear", s.handleClear).Methods("POST")
	return r
}

func Start(ctx context.Context, cfg *config.Manager, history *metrics.Store, diag *diagnostics.Store, engine EngineControl, logger *zap.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	current := cfg.Get().API
	if !current.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", zap.String("addr", current.Addr))
	server := NewServer(cfg, history, diag, engine, logger, version)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           handlers.LoggingHandler(os.Stdout, server.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", zap.Error(err))
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	snap := s.engine.Snapshot()
	windows := make([]string, 0, len(cfg.Aggregation.Windows))
	for _, d := range cfg.Aggregation.Windows {
		windows = append(windows, d.String())
	}
	started := s.engine.Started()
	resp := statusResponse{
		Status:         "ok",
		Time:           time.Now().UTC().Format(time.RFC3339Nano),
		Version:        s.version,
		ConfigPath:     s.cfg.Path(),
		StartedAt:      started.Format(time.RFC3339Nano),
		UptimeSec:      int64(time.Since(started) / time.Second),
		SnapshotID:     snap.ID,
		EntryCount:     snap.EntryCount,
		StatusCount:    snap.StatusCount,
		TreatmentCount: snap.TreatmentCount,
		GlucoseAge:     snap.GlucoseAge,
		DeviceAge:      snap.DeviceAge,
		Unit:           cfg.Aggregation.Unit,
		Ingest: ingestStatus{
			REST:     cfg.Ingest.REST.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
		},
		Publish: publishStatus{
			Redis:   cfg.Publish.Redis.Enabled,
			MQTT:    cfg.Publish.MQTT.Enabled,
			Archive: cfg.Storage.Enabled,
		},
		Windows: windows,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleGlucose(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	if snap.Glucose == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no glucose data", "age": snap.GlucoseAge})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"glucose":     snap.Glucose,
		"age":         snap.GlucoseAge,
		"snapshot_id": snap.ID,
	})
}

func (s *Server) handleTreatments(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	if snap.Treatments.Last == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no treatment data", "age": snap.Treatments.Age})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last":        snap.Treatments.Last,
		"last_bolus":  snap.Treatments.LastBolus,
		"last_carbs":  snap.Treatments.LastCarbs,
		"age":         snap.Treatments.Age,
		"count":       snap.TreatmentCount,
		"snapshot_id": snap.ID,
	})
}

func (s *Server) handleWindows(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": snap.GeneratedAt,
		"windows":      snap.Windows,
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Snapshot()
	if snap.Device == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no device status", "age": snap.DeviceAge})
		return
	}
	writeJSON(w, http.StatusOK, snap.Device)
}

func (s *Server) handleDeviceByName(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["device"]
	m, ok := s.engine.Snapshot().Devices[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown device " + name})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	current := s.diag.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"overall":  diagnostics.Worst(current),
		"findings": current,
	})
}

func (s *Server) handleDiagnosticsHistory(w http.ResponseWriter, r *http.Request) {
	limit, since, ok := listParams(w, r)
	if !ok {
		return
	}
	var list []diagnostics.Finding
	if !since.IsZero() {
		list = s.diag.Since(since)
	} else {
		list = s.diag.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": list,
		"count":    len(list),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, since, ok := listParams(w, r)
	if !ok {
		return
	}
	var list []*model.Snapshot
	if !since.IsZero() {
		list = s.history.Since(since)
	} else {
		list = s.history.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": list,
		"count":     len(list),
	})
}

func (s *Server) handleChains(w http.ResponseWriter, _ *http.Request) {
	chains := normalize.BuildChains(s.cfg.Get().Device.Chains)
	out := make(map[string][]string, len(chains))
	for metric, c := range chains {
		paths := make([]string, 0, len(c.Paths))
		for _, p := range c.Paths {
			paths = append(paths, p.String())
		}
		out[metric] = paths
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": out})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	snap := s.engine.Reset()
	if s.history != nil {
		s.history.Clear()
	}
	if s.diag != nil {
		s.diag.Clear()
	}
	s.logger.Info("engine reset via api")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "snapshot_id": snap.ID})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.history.Clear()
		s.diag.Clear()
	case "history":
		s.history.Clear()
	case "diagnostics":
		s.diag.Clear()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target must be all, history or diagnostics"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": target})
}

// listParams reads limit and since (RFC3339) and answers 400 itself on a bad
// since value.
func listParams(w http.ResponseWriter, r *http.Request) (int, time.Time, bool) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return 0, time.Time{}, false
		}
		since = ts
	}
	return limit, since, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
