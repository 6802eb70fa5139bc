package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/minyoung/trigger.dev/internal/config"
	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/httpserver"
	"github.com/minyoung/trigger.dev/internal/idgen"
	"github.com/minyoung/trigger.dev/internal/logging"
	"github.com/minyoung/trigger.dev/internal/metrics"
	"github.com/minyoung/trigger.dev/internal/queue"
	"github.com/minyoung/trigger.dev/internal/store"
	"github.com/minyoung/trigger.dev/internal/supervisor"
	"github.com/minyoung/trigger.dev/internal/trace"
	"github.com/minyoung/trigger.dev/internal/tracewindow"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func main() {
	cfgPath := flag.String("config", consts.DefaultConfigPath, "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewZapLogger(&cfg.Logging)
	ctx := context.Background()
	if err := logger.Start(ctx); err != nil {
		log.Fatalf("start logger: %v", err)
	}
	logging.SetGlobal(logger)
	defer logger.Sync()

	logging.Info(ctx, "dispatcherd starting", zap.String("version", Version))

	pg := store.NewPostgresStore(store.Config{
		DSN:          cfg.Postgres.DSN,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	})
	if err := pg.Start(ctx); err != nil {
		log.Fatalf("start postgres store: %v", err)
	}

	rq := queue.NewRedisQueue(queue.Config{
		Addresses: cfg.Redis.Addresses,
		DB:        cfg.Redis.DB,
		Username:  cfg.Redis.Username,
		Password:  cfg.Redis.Password,
	})
	if err := rq.Start(ctx); err != nil {
		log.Fatalf("start redis queue: %v", err)
	}

	recorder := trace.NewOtelRecorder(trace.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Exporter:    cfg.Telemetry.Exporter,
		OTLPTarget:  cfg.Telemetry.OTLPTarget,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err := recorder.Start(ctx); err != nil {
		log.Fatalf("start otel recorder: %v", err)
	}

	m := metrics.New()
	ids := idgen.NewUUIDGenerator()

	windowCfg := tracewindow.Config{
		MaxItemsPerWindow:    cfg.TraceWindow.MaxItemsPerWindow,
		WindowTimeoutSeconds: cfg.TraceWindow.WindowTimeoutSeconds,
	}

	sup := supervisor.New(rq, pg, recorder, windowCfg, ids, m)
	if err := sup.Start(ctx); err != nil {
		log.Fatalf("start connection supervisor: %v", err)
	}

	admin := httpserver.New(httpserver.Config{
		Address:         cfg.Server.Address,
		GracefulTimeout: cfg.Server.GracefulTimeout,
	}, m, sup)
	if err := admin.Start(ctx); err != nil {
		log.Fatalf("start admin http server: %v", err)
	}

	// The websocket server itself (accepting connections, authenticating
	// them into an AuthenticatedEnvironment, and calling sup.OnConnect) is an
	// external collaborator outside this module's scope. Once a connection
	// exists, its inbound events are decoded and routed by
	// Connection.HandleInbound, which the socket layer is expected to call
	// with each event's name and raw payload.

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info(ctx, "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := admin.Stop(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "admin http shutdown failed", zap.Error(err))
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "connection supervisor shutdown failed", zap.Error(err))
	}
	if err := recorder.Stop(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "otel recorder shutdown failed", zap.Error(err))
	}
	if err := rq.Stop(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "redis queue shutdown failed", zap.Error(err))
	}
	if err := pg.Stop(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "postgres store shutdown failed", zap.Error(err))
	}
	logging.Info(shutdownCtx, "dispatcherd stopped")
}
