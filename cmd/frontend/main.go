// The frontend: job stream ingress, callback bridge and public HTTP API.
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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/frontend"
	"github.com/linkflow/execplane/internal/frontend/callback"
	"github.com/linkflow/execplane/internal/metrics"
	"github.com/linkflow/execplane/internal/rpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port        = flag.Int("port", envInt("PORT", 8090), "public API port")
		httpPort    = flag.Int("http-port", envInt("HTTP_PORT", 8084), "health and metrics port")
		redisAddr   = flag.String("redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "redis address")
		historyAddr = flag.String("history-addr", getEnv("HISTORY_ADDR", "http://localhost:7234"), "history service base URL")
		partitions  = flag.Int("job-partitions", envInt("JOB_PARTITIONS", 16), "job stream partitions")
		group       = flag.String("consumer-group", getEnv("CONSUMER_GROUP", "execplane-ingress"), "stream consumer group")
		consumer    = flag.String("consumer-name", getEnv("CONSUMER_NAME", ""), "stream consumer name; defaults to a generated one")
		claimIdle   = flag.Duration("claim-idle", 30*time.Second, "idle window before reclaiming pending entries")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	registry := metrics.NewRegistry()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	defer rdb.Close()

	consumerName := *consumer
	if consumerName == "" {
		host, _ := os.Hostname()
		consumerName = fmt.Sprintf("frontend-%s-%s", host, uuid.NewString()[:8])
	}

	history := rpc.NewHistoryClient(rpc.ClientConfig{BaseURL: *historyAddr})
	svc := frontend.NewService(rdb, history, frontend.Config{
		Consumer: frontend.ConsumerConfig{
			Group:      *group,
			Consumer:   consumerName,
			Partitions: *partitions,
			ClaimIdle:  *claimIdle,
			Metrics:    registry,
		},
		Callback: callback.Config{Metrics: registry},
		Logger:   logger,
	})
	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("start frontend: %w", err)
	}

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
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

	go serve(apiServer, "api", logger)
	go serve(opsServer, "ops", logger)
	logger.Info("frontend started",
		"port", *port, "http_port", *httpPort, "consumer", consumerName, "partitions", *partitions)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = opsServer.Shutdown(shutdownCtx)
	svc.Stop()
	logger.Info("frontend stopped")
	return nil
}

func serve(server *http.Server, name string, logger *slog.Logger) {
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "server", name, "error", err)
		os.Exit(1)
	}
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
