package frontend

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/frontend/callback"
	"github.com/linkflow/execplane/internal/frontend/ratelimit"
	"github.com/linkflow/execplane/internal/rpc"
)

// Config assembles the frontend service.
type Config struct {
	Consumer  ConsumerConfig
	Watcher   WatcherConfig
	Callback  callback.Config
	RateLimit ratelimit.Config
	Logger    *slog.Logger
}

// Service is the assembled ingress edge: the job consumer feeding history,
// the watcher bridging callbacks, and the public HTTP API.
type Service struct {
	consumer *Consumer
	watcher  *Watcher
	api      *API
	logger   *slog.Logger
}

func NewService(rdb redis.UniversalClient, history rpc.HistoryAPI, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Consumer.Logger == nil {
		cfg.Consumer.Logger = cfg.Logger
	}
	if cfg.Watcher.Logger == nil {
		cfg.Watcher.Logger = cfg.Logger
	}
	if cfg.Callback.Logger == nil {
		cfg.Callback.Logger = cfg.Logger
	}
	if cfg.RateLimit == (ratelimit.Config{}) {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}

	cb := callback.NewClient(rdb, cfg.Callback)
	watcher := NewWatcher(history, rdb, cb, cfg.Watcher)
	consumer := NewConsumer(rdb, history, watcher, cfg.Consumer)
	api := NewAPI(history, rdb, ratelimit.NewLimiter(cfg.RateLimit), cfg.Logger)

	return &Service{
		consumer: consumer,
		watcher:  watcher,
		api:      api,
		logger:   cfg.Logger,
	}
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("frontend started")
	return nil
}

// Stop drains the consumer first so no execution starts without a watcher,
// then waits for in-flight watches to finish or hit their timeout.
func (s *Service) Stop() {
	s.consumer.Stop()
	s.watcher.Stop()
	s.logger.Info("frontend stopped")
}

// Handler returns the public HTTP surface.
func (s *Service) Handler() http.Handler {
	return s.api.Handler()
}
