package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Device      DeviceConfig      `json:"device" yaml:"device"`
	Treatments  TreatmentsConfig  `json:"treatments" yaml:"treatments"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
	History     HistoryConfig     `json:"history" yaml:"history"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Publish     PublishConfig     `json:"publish" yaml:"publish"`
}

type IngestConfig struct {
	ChannelBuffer int            `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig     `json:"rest" yaml:"rest"`
	FileTail      FileTailConfig `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig    `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig   `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	StartAtEnd bool       `json:"start_at_end" yaml:"start_at_end"`
	Files      []TailFile `json:"files" yaml:"files"`
}

// TailFile names a followed file and the kind of document each line holds
// ("entries" or "devicestatus").
type TailFile struct {
	Path string `json:"path" yaml:"path"`
	Kind string `json:"kind" yaml:"kind"`
}

type KafkaConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	Brokers           []string `json:"brokers" yaml:"brokers"`
	EntriesTopic      string   `json:"entries_topic" yaml:"entries_topic"`
	DeviceStatusTopic string   `json:"devicestatus_topic" yaml:"devicestatus_topic"`
	TreatmentsTopic   string   `json:"treatments_topic" yaml:"treatments_topic"`
	GroupID           string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone      string `json:"timezone" yaml:"timezone"`
	DefaultDevice string `json:"default_device" yaml:"default_device"`
}

// AggregationConfig targets are read in Unit; with mmol/L, values below 20
// are converted to mg/dL before use.
type AggregationConfig struct {
	Windows           []time.Duration `json:"windows" yaml:"windows"`
	Unit              string          `json:"unit" yaml:"unit"`
	ExpectedCadence   time.Duration   `json:"expected_cadence" yaml:"expected_cadence"`
	MinCoverage       float64         `json:"min_coverage" yaml:"min_coverage"`
	TargetLow         float64         `json:"target_low" yaml:"target_low"`
	TargetHigh        float64         `json:"target_high" yaml:"target_high"`
	Retention         time.Duration   `json:"retention" yaml:"retention"`
	RecomputeInterval time.Duration   `json:"recompute_interval" yaml:"recompute_interval"`
}

type DeviceConfig struct {
	FreshnessThreshold time.Duration       `json:"freshness_threshold" yaml:"freshness_threshold"`
	StatusRetention    time.Duration       `json:"status_retention" yaml:"status_retention"`
	Chains             map[string][]string `json:"chains" yaml:"chains"`
}

type TreatmentsConfig struct {
	Retention time.Duration `json:"retention" yaml:"retention"`
}

type DiagnosticsConfig struct {
	DataAgeWarning    time.Duration `json:"data_age_warning" yaml:"data_age_warning"`
	DataAgeCritical   time.Duration `json:"data_age_critical" yaml:"data_age_critical"`
	BatteryWarning    float64       `json:"battery_warning" yaml:"battery_warning"`
	BatteryCritical   float64       `json:"battery_critical" yaml:"battery_critical"`
	ReservoirWarning  float64       `json:"reservoir_warning" yaml:"reservoir_warning"`
	ReservoirCritical float64       `json:"reservoir_critical" yaml:"reservoir_critical"`
	StoreLimit        int           `json:"store_limit" yaml:"store_limit"`
}

type HistoryConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type PublishConfig struct {
	Redis RedisConfig `json:"redis" yaml:"redis"`
	MQTT  MQTTConfig  `json:"mqtt" yaml:"mqtt"`
}

type RedisConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Key      string        `json:"key" yaml:"key"`
	Channel  string        `json:"channel" yaml:"channel"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
	Retained bool   `json:"retained" yaml:"retained"`
}

const (
	UnitMgdl = "mg/dL"
	UnitMmol = "mmol/L"
)

var defaultWindows = []time.Duration{7 * 24 * time.Hour, 30 * 24 * time.Hour, 90 * 24 * time.Hour}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 256,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: false},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultDevice: "unknown"},
		},
		Aggregation: AggregationConfig{
			Windows:           append([]time.Duration(nil), defaultWindows...),
			Unit:              UnitMgdl,
			ExpectedCadence:   5 * time.Minute,
			MinCoverage:       0.7,
			TargetLow:         70,
			TargetHigh:        180,
			RecomputeInterval: time.Minute,
		},
		Device: DeviceConfig{
			FreshnessThreshold: 15 * time.Minute,
			StatusRetention:    24 * time.Hour,
		},
		Treatments: TreatmentsConfig{Retention: 48 * time.Hour},
		Diagnostics: DiagnosticsConfig{
			DataAgeWarning:    10 * time.Minute,
			DataAgeCritical:   25 * time.Minute,
			BatteryWarning:    30,
			BatteryCritical:   15,
			ReservoirWarning:  50,
			ReservoirCritical: 20,
			StoreLimit:        500,
		},
		History: HistoryConfig{StoreLimit: 120},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:nsmetrics.db?_pragma=busy_timeout(5000)"},
		Publish: PublishConfig{
			Redis: RedisConfig{Enabled: false, Addr: "localhost:6379", Key: "nightscout:snapshot", Channel: "nightscout:snapshots", TTL: 15 * time.Minute},
			MQTT:  MQTTConfig{Enabled: false, ClientID: "nsmetrics", Topic: "nightscout/snapshot", QoS: 1, Retained: true},
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON content on top of DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	// JSON is a YAML flow document, so one decoder reads both and duration
	// strings such as "20m" work in either.
	if err := yaml.Unmarshal([]byte(trimmed), cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		// go through the yaml form so durations stay strings
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return err
		}
		if data, err = json.MarshalIndent(tree, "", "  "); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func applyDefaults(cfg *Config) {
	if len(cfg.Aggregation.Windows) == 0 {
		cfg.Aggregation.Windows = append([]time.Duration(nil), defaultWindows...)
	}
	if cfg.Aggregation.Unit == "" {
		cfg.Aggregation.Unit = UnitMgdl
	}
	if cfg.Treatments.Retention <= 0 {
		cfg.Treatments.Retention = 48 * time.Hour
	}
	if cfg.Aggregation.ExpectedCadence <= 0 {
		cfg.Aggregation.ExpectedCadence = 5 * time.Minute
	}
	if cfg.Aggregation.TargetLow <= 0 {
		cfg.Aggregation.TargetLow = 70
	}
	if cfg.Aggregation.TargetHigh <= 0 {
		cfg.Aggregation.TargetHigh = 180
	}
	if cfg.Device.FreshnessThreshold <= 0 {
		cfg.Device.FreshnessThreshold = 15 * time.Minute
	}
	if cfg.Device.StatusRetention <= 0 {
		cfg.Device.StatusRetention = 24 * time.Hour
	}
	if cfg.Diagnostics.StoreLimit <= 0 {
		cfg.Diagnostics.StoreLimit = 500
	}
	if cfg.History.StoreLimit <= 0 {
		cfg.History.StoreLimit = 120
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 256
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultDevice == "" {
		cfg.Ingest.Parser.DefaultDevice = "unknown"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled {
		if len(cfg.Ingest.FileTail.Files) == 0 {
			return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
		}
		for _, f := range cfg.Ingest.FileTail.Files {
			if f.Path == "" {
				return errors.New("ingest.file_tail.files entry without path")
			}
			switch f.Kind {
			case "entries", "devicestatus", "treatments":
			default:
				return fmt.Errorf("ingest.file_tail.files %s: kind must be entries, devicestatus or treatments", f.Path)
			}
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		k := cfg.Ingest.Kafka
		if len(k.Brokers) == 0 || k.GroupID == "" || (k.EntriesTopic == "" && k.DeviceStatusTopic == "" && k.TreatmentsTopic == "") {
			return errors.New("ingest.kafka requires brokers, group_id and at least one topic")
		}
	}
	for _, win := range cfg.Aggregation.Windows {
		if win <= 0 {
			return fmt.Errorf("aggregation.windows contains non-positive duration: %s", win)
		}
	}
	if cfg.Aggregation.MinCoverage < 0 || cfg.Aggregation.MinCoverage > 1 {
		return errors.New("aggregation.min_coverage must be within [0, 1]")
	}
	if cfg.Aggregation.Unit != UnitMgdl && cfg.Aggregation.Unit != UnitMmol {
		return fmt.Errorf("aggregation.unit must be %s or %s", UnitMgdl, UnitMmol)
	}
	if low, high := cfg.Aggregation.TargetRangeMgdl(); low >= high {
		return errors.New("aggregation.target_low must be below target_high")
	}
	if cfg.Diagnostics.DataAgeWarning > cfg.Diagnostics.DataAgeCritical {
		return errors.New("diagnostics.data_age_warning must not exceed data_age_critical")
	}
	for metric, paths := range cfg.Device.Chains {
		if len(paths) == 0 {
			return fmt.Errorf("device.chains.%s is empty", metric)
		}
	}
	if cfg.Publish.Redis.Enabled && (cfg.Publish.Redis.Addr == "" || cfg.Publish.Redis.Key == "") {
		return errors.New("publish.redis requires addr and key")
	}
	if cfg.Publish.MQTT.Enabled && (cfg.Publish.MQTT.Broker == "" || cfg.Publish.MQTT.Topic == "") {
		return errors.New("publish.mqtt requires broker and topic")
	}
	if cfg.Publish.MQTT.QoS > 2 {
		return errors.New("publish.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// RetentionOrLongest is how far back glucose entries are kept: the configured
// retention, or the longest window when unset.
func (a AggregationConfig) RetentionOrLongest() time.Duration {
	longest := time.Duration(0)
	for _, w := range a.Windows {
		if w > longest {
			longest = w
		}
	}
	if a.Retention > longest {
		return a.Retention
	}
	return longest
}

// TargetRangeMgdl returns the target range in mg/dL.
func (a AggregationConfig) TargetRangeMgdl() (low, high float64) {
	low, high = a.TargetLow, a.TargetHigh
	if a.Unit == UnitMmol {
		if low < 20 {
			low = math.Round(low * 18)
		}
		if high < 20 {
			high = math.Round(high * 18)
		}
	}
	return low, high
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops
// without a path.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
