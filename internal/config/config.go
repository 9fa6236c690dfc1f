// Package config holds all configuration types and loading logic for the
// station process. Config structure never shrinks: fields are only added,
// never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/logging"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// Config is the root configuration for a station process.
type Config struct {
	Station     StationConfig     `yaml:"station"`
	CSMS        CSMSConfig        `yaml:"csms"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Storage     StorageConfig     `yaml:"storage"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// StationConfig holds identity settings.
type StationConfig struct {
	// ID is the charge point identity sent in the connection URL. "auto"
	// uses the persistent ULID from the data dir.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// CSMSConfig describes the backend connection.
type CSMSConfig struct {
	URL string `yaml:"url"`
	// Protocol is the WebSocket subprotocol: "ocpp1.6" or "ocpp2.0.1".
	Protocol           string `yaml:"protocol"`
	CallTimeoutMs      int    `yaml:"call_timeout_ms"`
	ReconnectMinMs     int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMs     int    `yaml:"reconnect_max_ms"`
	HandshakeTimeoutMs int    `yaml:"handshake_timeout_ms"`
}

// DeliveryConfig tunes the pending-message engine.
type DeliveryConfig struct {
	TickIntervalMs      int `yaml:"tick_interval_ms"`
	LiveQueueBound      int `yaml:"live_queue_bound"`
	OfflineCeilingKB    int `yaml:"offline_ceiling_kb"`
	BlockSize           int `yaml:"block_size"`
	BaseFlushPeriodMs   int `yaml:"base_flush_period_ms"`
	MinFlushIntervalMs  int `yaml:"min_flush_interval_ms"`
	MaxFlushIntervalMs  int `yaml:"max_flush_interval_ms"`
	StatsPeriodMs       int `yaml:"stats_period_ms"`
	GroupEdgeKeep       int `yaml:"group_edge_keep"`
	DefaultAttempts     int `yaml:"default_attempts"`
	DefaultRetrySeconds int `yaml:"default_retry_seconds"`
}

// StorageBackend selects the BlobStore implementation.
type StorageBackend string

const (
	StorageBolt StorageBackend = "bolt" // bbolt bucket, default
	StorageFile StorageBackend = "file" // single file, temp + rename
)

// StorageConfig controls where pending state is persisted.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	// BlobName names the persisted blob; one per protocol version.
	BlobName string `yaml:"blob_name"`
}

// HeartbeatConfig controls the Heartbeat and BootNotification calls.
type HeartbeatConfig struct {
	IntervalSeconds   int    `yaml:"interval_seconds"`
	BootRetrySeconds  int    `yaml:"boot_retry_seconds"`
	ChargePointModel  string `yaml:"charge_point_model"`
	ChargePointVendor string `yaml:"charge_point_vendor"`
	FirmwareVersion   string `yaml:"firmware_version"`
}

// DiagnosticsConfig controls the local diagnostics HTTP surface.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIKey  string `yaml:"api_key"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// RingSize is how many warning-and-above log records are kept for /api/logs.
	RingSize int `yaml:"ring_size"`
	// DroppedSize is how many dropped records are kept for /api/dropped.
	DroppedSize int `yaml:"dropped_size"`
	// RateLimit is requests per second across the surface; 0 disables.
	RateLimit int `yaml:"rate_limit"`
	Burst     int `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Station: StationConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		CSMS: CSMSConfig{
			URL:                "ws://127.0.0.1:8180/ocpp",
			Protocol:           types.V16.String(),
			CallTimeoutMs:      30_000,
			ReconnectMinMs:     1_000,
			ReconnectMaxMs:     60_000,
			HandshakeTimeoutMs: 10_000,
		},
		Delivery: DeliveryConfig{
			TickIntervalMs:      10,
			LiveQueueBound:      5,
			OfflineCeilingKB:    512,
			BlockSize:           4096,
			BaseFlushPeriodMs:   30_000,
			MinFlushIntervalMs:  2_000,
			MaxFlushIntervalMs:  600_000,
			StatsPeriodMs:       1_000,
			GroupEdgeKeep:       1,
			DefaultAttempts:     3,
			DefaultRetrySeconds: 30,
		},
		Storage: StorageConfig{
			Backend:  StorageBolt,
			BlobName: "pending",
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:   300,
			BootRetrySeconds:  60,
			ChargePointModel:  "OpenOCPP",
			ChargePointVendor: "ChargeLab",
			FirmwareVersion:   "0.0.0",
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:     true,
			Host:        "127.0.0.1",
			Port:        9180,
			APIKey:      "",
			LogLevel:    "info",
			RingSize:    256,
			DroppedSize: 256,
			RateLimit:   20,
			Burst:       40,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	OCPP_STATION_DATA_DIR  sets station.data_dir
//	OCPP_CSMS_URL          sets csms.url
//	OCPP_STATION_ID        sets station.id
//	OCPP_DIAG_PORT         sets diagnostics.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OCPP_STATION_DATA_DIR"); v != "" {
		cfg.Station.DataDir = v
	}
	if v := os.Getenv("OCPP_CSMS_URL"); v != "" {
		cfg.CSMS.URL = v
	}
	if v := os.Getenv("OCPP_STATION_ID"); v != "" {
		cfg.Station.ID = v
	}
	if v := os.Getenv("OCPP_DIAG_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Diagnostics.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Station.DataDir == "" {
		return errors.New("station.data_dir must not be empty")
	}
	if c.Station.ID == "" {
		return errors.New(`station.id must not be empty (use "auto")`)
	}
	u, err := url.Parse(c.CSMS.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.New("csms.url must be a ws:// or wss:// URL")
	}
	if _, err := c.Version(); err != nil {
		return err
	}
	if c.CSMS.CallTimeoutMs < 1 {
		return errors.New("csms.call_timeout_ms must be at least 1")
	}
	if c.CSMS.ReconnectMinMs < 1 || c.CSMS.ReconnectMaxMs < c.CSMS.ReconnectMinMs {
		return errors.New("csms.reconnect_min_ms must be >= 1 and not exceed csms.reconnect_max_ms")
	}
	if c.Delivery.TickIntervalMs < 1 {
		return errors.New("delivery.tick_interval_ms must be at least 1")
	}
	if c.Delivery.LiveQueueBound < 1 {
		return errors.New("delivery.live_queue_bound must be at least 1")
	}
	if c.Delivery.OfflineCeilingKB < 1 {
		return errors.New("delivery.offline_ceiling_kb must be at least 1")
	}
	if c.Delivery.BlockSize < 64 {
		return errors.New("delivery.block_size must be at least 64")
	}
	if c.Delivery.MinFlushIntervalMs < 1 || c.Delivery.MaxFlushIntervalMs < c.Delivery.MinFlushIntervalMs {
		return errors.New("delivery.min_flush_interval_ms must be >= 1 and not exceed delivery.max_flush_interval_ms")
	}
	if c.Delivery.GroupEdgeKeep < 1 {
		return errors.New("delivery.group_edge_keep must be at least 1")
	}
	if c.Delivery.DefaultAttempts < 1 {
		return errors.New("delivery.default_attempts must be at least 1")
	}
	switch c.Storage.Backend {
	case StorageBolt, StorageFile:
		// valid
	default:
		return errors.New(`storage.backend must be one of "bolt", "file"`)
	}
	if c.Storage.BlobName == "" {
		return errors.New("storage.blob_name must not be empty")
	}
	if c.Heartbeat.IntervalSeconds < 1 {
		return errors.New("heartbeat.interval_seconds must be at least 1")
	}
	if c.Diagnostics.Enabled && (c.Diagnostics.Port < 1 || c.Diagnostics.Port > 65535) {
		return errors.New("diagnostics.port must be between 1 and 65535")
	}
	if _, err := logging.ParseLevel(c.Diagnostics.LogLevel); err != nil {
		return errors.New(`diagnostics.log_level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}

// Version returns the configured protocol version.
func (c *Config) Version() (types.Version, error) {
	switch c.CSMS.Protocol {
	case types.V16.String():
		return types.V16, nil
	case types.V201.String():
		return types.V201, nil
	}
	return 0, fmt.Errorf(`csms.protocol must be %q or %q, got %q`, types.V16, types.V201, c.CSMS.Protocol)
}

// Millis converts a millisecond config value to a Duration.
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
