// The worker: decision pollers replaying history through the decider and
// activity pollers running node executors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/livestream"
	"github.com/linkflow/execplane/internal/metrics"
	"github.com/linkflow/execplane/internal/rpc"
	"github.com/linkflow/execplane/internal/worker"
	"github.com/linkflow/execplane/internal/worker/executor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpPort        = flag.Int("http-port", envInt("HTTP_PORT", 8083), "health and metrics port")
		historyAddr     = flag.String("history-addr", getEnv("HISTORY_ADDR", "http://localhost:7234"), "history service base URL")
		matchingAddr    = flag.String("matching-addr", getEnv("MATCHING_ADDR", "http://localhost:7235"), "matching service base URL")
		redisAddr       = flag.String("redis-addr", getEnv("REDIS_ADDR", ""), "redis address for live event publishing; empty disables")
		identity        = flag.String("identity", getEnv("WORKER_IDENTITY", ""), "worker identity reported to history")
		decisionPollers = flag.Int("decision-pollers", envInt("DECISION_POLLERS", 2), "concurrent decision pollers")
		activityPollers = flag.Int("activity-pollers", envInt("ACTIVITY_POLLERS", 4), "concurrent activity pollers")
		bulkheadSize    = flag.Int("bulkhead-size", envInt("BULKHEAD_SIZE", 32), "max concurrent connector calls")
		activityTimeout = flag.Duration("activity-timeout", time.Minute, "default start-to-close timeout")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	registry := metrics.NewRegistry()

	cfg := worker.Config{
		Identity:        *identity,
		DecisionPollers: *decisionPollers,
		ActivityPollers: *activityPollers,
		ActivityTimeout: *activityTimeout,
		BulkheadSize:    *bulkheadSize,
		Registry:        executor.NewDefaultRegistry(logger),
		Metrics:         registry,
		Logger:          logger,
	}
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		cfg.Publisher = livestream.NewPublisher(rdb)
	}

	svc := worker.NewService(
		rpc.NewHistoryClient(rpc.ClientConfig{BaseURL: *historyAddr}),
		rpc.NewMatchingClient(rpc.ClientConfig{BaseURL: *matchingAddr}),
		cfg,
	)
	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", registry.Handler())
	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *httpPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("worker started", "http_port", *httpPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("stop worker", "error", err)
	}
	logger.Info("worker stopped")
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
