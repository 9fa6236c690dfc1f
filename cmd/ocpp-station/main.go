// Command ocpp-station runs a charge station's outbound delivery path: the
// CSMS connection, the durable pending-message engine, heartbeats, and the
// local diagnostics surface.
//
// Usage:
//
//	ocpp-station [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/clock"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/config"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/dlq"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/logging"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/metrics"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/node"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/ocpp"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/pending"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/station"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage/local"
	transphttp "github.com/ChargeLab/OpenOCPP-sub001/internal/transport/http"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/transport/websocket"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/upload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ocpp-station: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	version, _ := cfg.Version()

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level, _ := logging.ParseLevel(cfg.Diagnostics.LogLevel)
	ring := logging.NewWarnRing(cfg.Diagnostics.RingSize)
	logger := logging.New(level, slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}), ring)
	slog.SetDefault(logger)

	// ── 3. Initialise station identity ───────────────────────────────────────
	n, err := node.New(cfg.Station.DataDir, cfg.Station.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger.Info("station starting",
		"station_id", n.ID(),
		"generated_id", n.Generated(),
		"csms", cfg.CSMS.URL,
		"protocol", version.String(),
		"data_dir", n.DataDir(),
		"storage", cfg.Storage.Backend,
	)

	// ── 4. Open the pending-state store ──────────────────────────────────────
	store, err := openStore(cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close error", "err", err)
		}
	}()

	// ── 5. Build the delivery engine ─────────────────────────────────────────
	clk := clock.System{}
	metricsReg := &metrics.Registry{}
	journal := dlq.New(cfg.Diagnostics.DroppedSize, clk)

	engine := pending.New(engineConfig(cfg, version), clk, store,
		pending.WithLogger(logger),
		pending.WithMetrics(metricsReg),
		pending.WithDropObserver(journal),
	)
	if err := engine.Load(); err != nil {
		logger.Error("station: starting without persisted state", "err", err)
	}

	// ── 6. CSMS connection and runner ────────────────────────────────────────
	ws := websocket.New(websocket.Config{
		URL:              cfg.CSMS.URL,
		StationID:        n.ID().String(),
		Version:          version,
		CallTimeout:      config.Millis(cfg.CSMS.CallTimeoutMs),
		HandshakeTimeout: config.Millis(cfg.CSMS.HandshakeTimeoutMs),
		ReconnectMin:     config.Millis(cfg.CSMS.ReconnectMinMs),
		ReconnectMax:     config.Millis(cfg.CSMS.ReconnectMaxMs),
	}, websocket.WithLogger(logger))

	runner := station.New(station.Config{
		TickInterval:      config.Millis(cfg.Delivery.TickIntervalMs),
		StatsPeriod:       config.Millis(cfg.Delivery.StatsPeriodMs),
		CallTimeout:       config.Millis(cfg.CSMS.CallTimeoutMs),
		HeartbeatInterval: time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		BootRetry:         time.Duration(cfg.Heartbeat.BootRetrySeconds) * time.Second,
		Station: ocpp.Station{
			Model:           cfg.Heartbeat.ChargePointModel,
			Vendor:          cfg.Heartbeat.ChargePointVendor,
			FirmwareVersion: cfg.Heartbeat.FirmwareVersion,
		},
		DefaultAttempts:     cfg.Delivery.DefaultAttempts,
		DefaultRetrySeconds: cfg.Delivery.DefaultRetrySeconds,
	}, engine, ws, clk,
		station.WithLogger(logger),
		station.WithJournal(journal),
		station.WithUploader(upload.New(upload.WithLogger(logger))),
		station.WithLogRing(ring),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsDone := make(chan error, 1)
	go func() { wsDone <- ws.Run(ctx) }()

	runDone := make(chan error, 1)
	go func() { runDone <- runner.Run(ctx) }()

	// ── 7. Diagnostics surface ───────────────────────────────────────────────
	var srv *transphttp.Server
	serveErr := make(chan error, 1)
	if cfg.Diagnostics.Enabled {
		srv = transphttp.New(cfg.Diagnostics, transphttp.Deps{
			StationID: n.ID().String(),
			DataDir:   n.DataDir(),
			Station:   runner,
			Journal:   journal,
			Logs:      ring,
			Metrics:   metricsReg,
			Logger:    logger,
		})
		addr := fmt.Sprintf("%s:%d", cfg.Diagnostics.Host, cfg.Diagnostics.Port)
		go func() {
			logger.Info("diagnostics listening", "addr", addr)
			if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("diagnostics server failed", "err", err)
		stop()
	}

	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("diagnostics shutdown error", "err", err)
		}
		cancel()
	}
	// The runner flushes once more before returning.
	var runErr error
	if err := <-runDone; err != nil {
		runErr = fmt.Errorf("final flush: %w", err)
	}
	if err := <-wsDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("csms connection error", "err", err)
	}

	logger.Info("station stopped", "pending", engine.Len())
	return runErr
}

// closingStore is a BlobStore that owns resources.
type closingStore interface {
	storage.BlobStore
	Close() error
}

func openStore(cfg *config.Config, v types.Version) (closingStore, error) {
	name := cfg.Storage.BlobName + "." + v.String()
	switch cfg.Storage.Backend {
	case config.StorageFile:
		s, err := local.OpenFile(cfg.Station.DataDir, name)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	default:
		s, err := local.OpenBolt(filepath.Join(cfg.Station.DataDir, "pending.db"), name)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, nil
	}
}

func engineConfig(cfg *config.Config, v types.Version) pending.Config {
	d := cfg.Delivery
	return pending.Config{
		Version:             v,
		LiveQueueBound:      d.LiveQueueBound,
		OfflineCeilingBytes: d.OfflineCeilingKB << 10,
		BlockSize:           d.BlockSize,
		BaseFlushPeriod:     config.Millis(d.BaseFlushPeriodMs),
		MinFlushInterval:    config.Millis(d.MinFlushIntervalMs),
		MaxFlushInterval:    config.Millis(d.MaxFlushIntervalMs),
		StatsPeriod:         config.Millis(d.StatsPeriodMs),
		GroupEdgeKeep:       d.GroupEdgeKeep,
		CallTimeout:         config.Millis(cfg.CSMS.CallTimeoutMs),
	}
}
