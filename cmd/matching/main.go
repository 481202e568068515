// The matching service: partitioned task queues with leases, backpressure
// and a dead letter queue.
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

	"github.com/linkflow/execplane/internal/matching"
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
		port          = flag.Int("port", envInt("PORT", 7235), "RPC server port")
		httpPort      = flag.Int("http-port", envInt("HTTP_PORT", 8081), "health and metrics port")
		partitions    = flag.Int("queue-partitions", envInt("QUEUE_PARTITIONS", 4), "partitions per task queue")
		rateLimit     = flag.Float64("rate-limit", 1000, "polls per second per queue")
		softLimit     = flag.Int("soft-limit", envInt("QUEUE_SOFT_LIMIT", 10000), "queue depth that starts shedding")
		hardLimit     = flag.Int("hard-limit", envInt("QUEUE_HARD_LIMIT", 20000), "queue depth that rejects adds")
		leaseTimeout  = flag.Duration("lease-timeout", 30*time.Second, "task lease before redelivery")
		maxDeliveries = flag.Int("max-deliveries", envInt("MAX_DELIVERIES", 5), "deliveries before dead-lettering")
		longPoll      = flag.Duration("long-poll", 60*time.Second, "PollTask hold time")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	registry := metrics.NewRegistry()

	svc := matching.NewService(matching.Config{
		QueuePartitions: *partitions,
		RateLimit:       *rateLimit,
		SoftLimit:       *softLimit,
		HardLimit:       *hardLimit,
		LeaseTimeout:    *leaseTimeout,
		MaxDeliveries:   int32(*maxDeliveries),
		LongPollTimeout: *longPoll,
		Logger:          logger,
	})
	registry.RegisterQueueStats(svc)

	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("start matching service: %w", err)
	}

	rpcServer := newHTTPServer(*port, rpc.NewMatchingHandler(svc, logger))
	opsServer := newHTTPServer(*httpPort, opsMux(registry))

	go serve(rpcServer, "rpc", logger)
	go serve(opsServer, "ops", logger)
	logger.Info("matching service started", "port", *port, "http_port", *httpPort)

	awaitSignal(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = rpcServer.Shutdown(shutdownCtx)
	_ = opsServer.Shutdown(shutdownCtx)
	if err := svc.Stop(); err != nil {
		logger.Error("stop matching service", "error", err)
	}
	logger.Info("matching service stopped")
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

func envInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
