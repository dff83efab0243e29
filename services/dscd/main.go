package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dscengine/core/events"
	nativecommon "dscengine/native/common"
	"dscengine/native/dsc"
	"dscengine/observability/logging"
	telemetry "dscengine/observability/otel"
	"dscengine/services/dsc/archive"
	"dscengine/services/dsc/middleware"
	"dscengine/services/dsc/server"
	"dscengine/services/dscd/config"
	"dscengine/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/dscd/config.yaml", "path to dscd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logOpts := logging.Options{Service: "dscd", Env: cfg.Environment, Level: cfg.Logging.Level}
	if cfg.Logging.File.Path != "" {
		file := logging.FileOptions(cfg.Logging.File)
		logOpts.File = &file
	}
	logger, logCloser := logging.Setup(logOpts)
	defer logCloser.Close()

	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "dscd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dscd stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("dscd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	engineCfg, err := dsc.LoadConfig(cfg.EngineConfig)
	if err != nil {
		return err
	}
	treasury, err := resolveTreasury(cfg.Treasury)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()

	st, err := buildStack(db, engineCfg, treasury)
	if err != nil {
		return err
	}
	seeded, err := seedGenesis(ctx, db, st, engineCfg.Allocations, logger)
	if err != nil {
		return err
	}
	if seeded > 0 {
		logger.Info("genesis allocations applied", "count", seeded)
	}

	pauses := nativecommon.NewPauses()
	hub := server.NewHub(0, logger)
	emitters := events.Fanout{publishCounter{}, hub}

	var history server.EventHistory
	if cfg.Archive.Enabled {
		gdb, err := archive.Open(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return err
		}
		arch, err := archive.New(gdb, cfg.Archive.Buffer, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
			defer cancel()
			if err := arch.Close(closeCtx); err != nil {
				logger.Warn("archive close", "error", err)
			}
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()
		emitters = append(emitters, arch)
		history = arch
	}

	st.engine.SetPauses(pauses)
	st.engine.SetEmitter(emitters)
	st.engine.SetLogger(logger)

	tokens := map[string]server.TokenLedger{dscSymbol: st.dsc}
	feeds := make(map[string]server.PriceUpdater, len(st.feeds))
	for id, ledger := range st.collateral {
		tokens[id] = ledger
	}
	for id, feed := range st.feeds {
		feeds[id] = feed
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: middleware.AuthConfig{
			Enabled:        cfg.Auth.Enabled,
			HMACSecret:     cfg.Auth.HMACSecret,
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			ScopeClaim:     cfg.Auth.ScopeClaim,
			OptionalPaths:  cfg.Auth.OptionalPaths,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
			ClockSkew:      cfg.Auth.ClockSkew,
		},
		RateLimits: limits,
		CORS:       middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Observability: middleware.ObservabilityConfig{
			ServiceName: "dscd",
			LogRequests: cfg.Telemetry.LogRequests,
			Enabled:     true,
		},
		ShutdownTimeout: cfg.Shutdown,
	}, server.Dependencies{
		Engine:  st.engine,
		Tokens:  tokens,
		Feeds:   feeds,
		Pauses:  pauses,
		Hub:     hub,
		History: history,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("engine ready",
		"engine", st.engine.Address().String(),
		"collateral", st.engine.CollateralTokens(),
		"archive", cfg.Archive.Enabled,
	)
	return srv.Run(ctx)
}
