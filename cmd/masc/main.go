// Package main is the MASC server entry point: one coordination room
// served over stdio and HTTP MCP transports with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/masc-dev/masc/internal/common/config"
	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/dispatch"
	"github.com/masc-dev/masc/internal/events"
	"github.com/masc-dev/masc/internal/features"
	"github.com/masc-dev/masc/internal/lock"
	"github.com/masc-dev/masc/internal/mcpserver"
	"github.com/masc-dev/masc/internal/planning"
	"github.com/masc-dev/masc/internal/room"
	"github.com/masc-dev/masc/internal/session"
	"github.com/masc-dev/masc/internal/storage"
	"github.com/masc-dev/masc/internal/task/service"
	"github.com/masc-dev/masc/internal/telemetry"
	"github.com/masc-dev/masc/internal/transport"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger. Stdout may carry framed protocol traffic, so
	// the default output is stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting MASC...",
		zap.String("base", cfg.Room.Base),
		zap.String("backend", cfg.Storage.Backend),
		zap.String("feature_mode", cfg.Features.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Storage backend
	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize storage backend", zap.Error(err))
	}
	defer backend.Close()

	// 4. Room store and core services
	store := room.NewStore(backend, cfg.Room.Base, log)
	registry := session.NewRegistry(session.RateLimits{
		General:   cfg.Limits.Rate.General,
		Broadcast: cfg.Limits.Rate.Broadcast,
		TaskOps:   cfg.Limits.Rate.TaskOps,
		FileLock:  cfg.Limits.Rate.FileLock,
		Burst:     cfg.Limits.Rate.Burst,
	})
	locks := lock.NewManager(backend)
	planStore := planning.NewStore(store)

	// 5. Event bus, audit, notification fan-out
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	auditor := events.NewAuditor(store, events.ParseAuditLevel(cfg.Audit.Level), log)
	notifier := events.NewNotifier(store, registry, auditor, eventBus, cfg.Cluster.Name, log)
	tasks := service.New(store, notifier, log)

	hub := events.NewHub(log)
	hubSub, err := hub.AttachBus(eventBus, cfg.Cluster.Name)
	if err != nil {
		log.Fatal("Failed to attach event hub to bus", zap.Error(err))
	}
	defer hubSub.Unsubscribe()

	// 6. Feature modes
	featureSet, err := features.Resolve(cfg.Features.Mode, cfg.Room.Base)
	if err != nil {
		log.Warn("Feature resolution degraded, using standard mode", zap.Error(err))
	}
	log.Info("Feature categories enabled", zap.Strings("categories", featureSet.Names()))

	// 7. Telemetry recorder (opt-in)
	var recorder *telemetry.Recorder
	if cfg.Telemetry.Enabled {
		dbPath := cfg.Telemetry.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(cfg.Room.Base, ".masc", "telemetry.db")
		}
		recorder, err = telemetry.NewRecorder(dbPath)
		if err != nil {
			log.Warn("Telemetry recorder disabled", zap.Error(err))
		} else {
			defer recorder.Close()
			log.Info("Telemetry recorder active", zap.String("db_path", dbPath))
		}
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			log.Warn("Trace exporter shutdown failed", zap.Error(err))
		}
	}()

	// 8. Dispatcher and protocol layer
	dispatcher := dispatch.New(store, tasks, registry, locks, planStore, notifier, featureSet,
		recorder, dispatch.Config{
			ZombieThreshold: cfg.Room.ZombieThreshold,
			GCDays:          cfg.Room.GCDays,
		}, log)
	handler := mcpserver.NewHandler(dispatcher, log)

	// 9. Transports plus the room-directory watcher
	g, gctx := errgroup.WithContext(ctx)

	watcher := events.NewWatcher(cfg.Room.Base, cfg.Cluster.Name, eventBus, log)
	g.Go(func() error {
		return watcher.Run(gctx)
	})

	if cfg.Server.Stdio {
		stdio := transport.NewStdio(handler, log)
		g.Go(func() error {
			return stdio.Run(gctx)
		})
	}
	if cfg.Server.HTTPAddr != "" {
		httpSrv := transport.NewHTTP(transport.HTTPConfig{
			Addr:         cfg.Server.HTTPAddr,
			MaxBodyBytes: cfg.Limits.MaxBodyBytes,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		}, handler, hub, transport.NewMetrics(), log)
		g.Go(func() error {
			return httpSrv.Run(gctx)
		})
	}
	if !cfg.Server.Stdio && cfg.Server.HTTPAddr == "" {
		log.Fatal("No transport enabled: set server.stdio or server.http_addr")
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Transport error", zap.Error(err))
	}
	log.Info("MASC stopped")
}

// buildBackend selects the storage backend from configuration, wrapping it
// with the zstd at-rest codec when compression is enabled.
func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	var codec storage.Codec = storage.IdentityCodec{}
	if cfg.Storage.Compress {
		zc, err := storage.NewZstdCodec()
		if err != nil {
			return nil, err
		}
		codec = zc
	}

	switch cfg.Storage.Backend {
	case "redis":
		return storage.NewRedisBackend(ctx, storage.RedisOptions{
			Addr:     cfg.Storage.Redis.Addr,
			DB:       cfg.Storage.Redis.DB,
			Password: cfg.Storage.Redis.Password,
			Codec:    codec,
		})
	case "postgres":
		return storage.NewPostgresBackend(ctx, storage.PostgresOptions{
			DSN:      cfg.Storage.Postgres.DSN,
			MaxConns: int32(cfg.Storage.Postgres.MaxConns),
			MinConns: int32(cfg.Storage.Postgres.MinConns),
			Codec:    codec,
		})
	default:
		return storage.NewFileBackend(cfg.Room.Base, storage.WithCodec(codec))
	}
}
