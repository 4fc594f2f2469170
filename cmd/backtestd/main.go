// Command backtestd is the backtest scheduler: it serves the HTTP API, accepts
// worker connections and dispatches queued backtests to them.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/seantiz/backtestd/internal/api"
	"github.com/seantiz/backtestd/internal/bus"
	"github.com/seantiz/backtestd/internal/config"
	"github.com/seantiz/backtestd/internal/engine"
	"github.com/seantiz/backtestd/internal/store"
	"github.com/seantiz/backtestd/internal/telemetry"
)

const serviceName = "backtestd"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $BACKTESTD_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Log.SlogLevel())

	logger.Info("backtestd: starting",
		"listen_addr", cfg.Server.ListenAddr,
		"store", cfg.Store.Driver,
		"bus", cfg.Bus.Driver,
	)

	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracing(ctx, serviceName, cfg.Telemetry.Tracing)
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	stopProfiling, err := telemetry.StartProfiling(serviceName, cfg.Telemetry.Profiling, logger)
	if err != nil {
		log.Fatalf("start profiling: %v", err)
	}
	defer stopProfiling()

	db, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	b, err := openBus(ctx, cfg.Bus, logger)
	if err != nil {
		log.Fatalf("failed to connect event bus: %v", err)
	}
	defer b.Close()

	eng := engine.NewEngine(db, b, cfg.Scheduler.EngineOptions(), logger)
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer eng.Shutdown()

	srv := api.NewServer(cfg.Server.ListenAddr, eng, logger)
	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == config.StorePostgres {
		return store.NewPostgresStore(cfg.Postgres)
	}
	return store.NewSQLiteStore(cfg.SQLitePath)
}

func openBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Driver {
	case config.BusRedis:
		return bus.NewRedisBus(ctx, cfg.Redis, logger.With("component", "bus"))
	case config.BusAMQP:
		return bus.NewAMQPBus(cfg.AMQP, logger.With("component", "bus"))
	default:
		return bus.NewMemoryBus(), nil
	}
}
