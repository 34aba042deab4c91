package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/rigbridge/internal/automation"
	"github.com/shaunagostinho/rigbridge/internal/ble"
	"github.com/shaunagostinho/rigbridge/internal/can"
	"github.com/shaunagostinho/rigbridge/internal/logger"
	"github.com/shaunagostinho/rigbridge/internal/metrics"
	"github.com/shaunagostinho/rigbridge/internal/server"
	"github.com/shaunagostinho/rigbridge/web"
)

func main() {
	configPath := flag.String("config", "/etc/rigbridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated CAN and BLE hardware")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8000)")
	flag.Parse()

	boot := newLogger(server.LogConfig{Level: "info", Format: "console"})
	cfg := server.LoadConfig(*configPath, boot.Named("config"))
	if *demo {
		cfg.CAN.Driver = "demo"
		cfg.BLE.Driver = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := newLogger(cfg.Log)
	defer log.Sync()
	log.Info("rigbridge starting", zap.String("can_driver", cfg.CAN.Driver), zap.String("ble_driver", cfg.BLE.Driver))

	if err := run(cfg, log); err != nil {
		log.Error("exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *server.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// The bridge starts even without CAN hardware; Initialize then reports
	// the adapter unavailable.
	adapter, err := can.NewAdapter(cfg.Binding(), log.Named("can"))
	if err != nil {
		log.Warn("no CAN adapter", zap.Error(err))
		adapter = nil
	}
	opts, err := cfg.EngineOptions()
	if err != nil {
		return fmt.Errorf("can options: %w", err)
	}
	bus := can.NewEngine(adapter, opts, log.Named("bus"), m)

	central, err := ble.New(cfg.BLE.Driver)
	if err != nil {
		return err
	}

	execLog := logger.NewExecutionLog(cfg.ExecLog, log.Named("execlog"))
	defer execLog.Close()
	archive := logger.NewFrameArchive(cfg.Archive.Path, log.Named("archive"))

	hub := server.NewHub(log.Named("ws"), m)
	runs := automation.NewManager(central, execLog, hub, log.Named("automation"), m)

	srv := server.New(cfg, server.Deps{
		Bus:     bus,
		Runs:    runs,
		Scanner: central,
		Hub:     hub,
		Archive: archive,
		ExecLog: execLog,
		Metrics: m,
		WebFS:   web.FS,
	}, log.Named("server"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := runs.Shutdown(shutCtx); err != nil {
			log.Warn("run did not stop in time", zap.Error(err))
		}
		if bus.Initialized() {
			if err := bus.Release(); err != nil {
				log.Warn("bus release failed", zap.Error(err))
			}
		}
		return nil
	})
	return g.Wait()
}

// newLogger builds the root logger. Format "json" selects machine-readable
// output; anything else logs to the console.
func newLogger(cfg server.LogConfig) *zap.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	zc := zap.NewDevelopmentConfig()
	zc.Development = false
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = level
	zc.DisableStacktrace = true

	log, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return zap.NewExample()
	}
	return log
}
