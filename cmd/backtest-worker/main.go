// Command backtest-worker connects to a backtestd scheduler and runs the
// backtests it is assigned through an external simulator command. The
// simulator reads the request on stdin and writes JSON lines on stdout.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/backtestd/internal/config"
	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/worker"
)

func main() {
	var (
		url        = flag.String("url", envOr("BACKTEST_WORKER_URL", "ws://localhost:8080/v1/workers/connect"), "scheduler worker endpoint")
		workerID   = flag.String("id", envOr("BACKTEST_WORKER_ID", ""), "worker id (default random)")
		slots      = flag.Int("slots", envInt("BACKTEST_WORKER_SLOTS", 1), "max parallel backtests")
		memoryMB   = flag.Int("memory-mb", envInt("BACKTEST_WORKER_MEMORY_MB", 0), "memory available to backtests")
		tags       = flag.String("tags", envOr("BACKTEST_WORKER_TAGS", ""), "comma separated capability tags")
		heartbeat  = flag.Duration("heartbeat", envDuration("BACKTEST_WORKER_HEARTBEAT", worker.DefaultHeartbeatInterval), "heartbeat interval")
		command    = flag.String("command", envOr("BACKTEST_WORKER_COMMAND", ""), "simulator command")
		workDir    = flag.String("dir", envOr("BACKTEST_WORKER_DIR", ""), "simulator working directory")
		runTimeout = flag.Duration("timeout", envDuration("BACKTEST_WORKER_TIMEOUT", 0), "per-backtest time limit (0 = none)")
		logLevel   = flag.String("log-level", envOr("BACKTEST_WORKER_LOG_LEVEL", "info"), "debug, info, warn or error")
	)
	flag.Parse()

	if *command == "" {
		log.Fatal("a simulator command is required (-command or BACKTEST_WORKER_COMMAND)")
	}
	fields := strings.Fields(*command)

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(*logLevel))

	capacity := model.WorkerCapacity{
		MaxParallelTasks: *slots,
		MemoryMB:         *memoryMB,
	}
	if *tags != "" {
		capacity.Tags = strings.Split(*tags, ",")
	}

	client := worker.NewClient(worker.Config{
		URL:               *url,
		WorkerID:          *workerID,
		Capacity:          capacity,
		HeartbeatInterval: *heartbeat,
	}, &worker.ExecRunner{
		Command: fields[0],
		Args:    fields[1:],
		Dir:     *workDir,
		Timeout: *runTimeout,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("backtest-worker: starting", "worker_id", client.ID(), "url", *url, "slots", *slots)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker stopped: %v", err)
	}
	logger.Info("backtest-worker: stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
