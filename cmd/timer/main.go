// The timer service: durable timers fired back into history.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/execplane/internal/metrics"
	"github.com/linkflow/execplane/internal/rpc"
	"github.com/linkflow/execplane/internal/timer"
	"github.com/linkflow/execplane/internal/timer/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port        = flag.Int("port", envInt("PORT", 7236), "RPC server port")
		httpPort    = flag.Int("http-port", envInt("HTTP_PORT", 8082), "health and metrics port")
		shardCount  = flag.Int("shard-count", envInt("SHARD_COUNT", 16), "timer shards")
		dbURL       = flag.String("db-url", getEnv("DATABASE_URL", ""), "postgres URL; empty runs on the in-memory store")
		historyAddr = flag.String("history-addr", getEnv("HISTORY_ADDR", "http://localhost:7234"), "history service base URL")
		scanEvery   = flag.Duration("scan-interval", time.Second, "due-timer scan interval")
		processors  = flag.Int("processors", envInt("PROCESSORS", 4), "concurrent timer processors")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	registry := metrics.NewRegistry()

	var timerStore timer.Store
	if *dbURL != "" {
		pool, err := pgxpool.New(context.Background(), *dbURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		timerStore = store.NewPostgresStore(pool)
	} else {
		logger.Warn("no DATABASE_URL; timers are not durable")
		timerStore = store.NewMemoryStore()
	}

	svc := timer.NewService(timerStore,
		rpc.NewHistoryClient(rpc.ClientConfig{BaseURL: *historyAddr}),
		timer.Config{
			NumShards:      int32(*shardCount),
			ScanInterval:   *scanEvery,
			ProcessorCount: *processors,
			Logger:         logger,
		})

	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("start timer service: %w", err)
	}

	rpcServer := newHTTPServer(*port, rpc.NewTimerHandler(svc, logger))
	opsServer := newHTTPServer(*httpPort, opsMux(registry))

	go serve(rpcServer, "rpc", logger)
	go serve(opsServer, "ops", logger)
	logger.Info("timer service started", "port", *port, "http_port", *httpPort, "shards", *shardCount)

	awaitSignal(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = rpcServer.Shutdown(shutdownCtx)
	_ = opsServer.Shutdown(shutdownCtx)
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("stop timer service", "error", err)
	}
	logger.Info("timer service stopped")
	return nil
}

func opsMux(registry *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", registry.Handler())
	return mux
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func serve(server *http.Server, name string, logger *slog.Logger) {
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "server", name, "error", err)
		os.Exit(1)
	}
}

func awaitSignal(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
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
