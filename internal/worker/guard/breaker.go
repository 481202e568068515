// Package guard protects activity execution from misbehaving dependencies:
// per-dependency circuit breakers and a bulkhead bounding concurrent
// connector calls.
package guard

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

var ErrOpen = errors.New("circuit open")

// BreakerConfig tunes the per-dependency breakers.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
	Logger       *slog.Logger
}

func (c *BreakerConfig) withDefaults() BreakerConfig {
	out := *c
	if out.MaxRequests == 0 {
		out.MaxRequests = 3
	}
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Second
	}
	if out.FailureRatio <= 0 {
		out.FailureRatio = 0.6
	}
	if out.MinRequests == 0 {
		out.MinRequests = 5
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// BreakerSet lazily creates one circuit breaker per dependency key. The
// worker keys by executor node type, so a flapping connector class does
// not open the circuit for everything else.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *BreakerSet) breaker(key string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	config := s.config
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state change",
				slog.String("dependency", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	s.breakers[key] = cb
	return cb
}

// Do runs fn behind the breaker for key. An open circuit returns ErrOpen
// without invoking fn.
func (s *BreakerSet) Do(key string, fn func() error) error {
	_, err := s.breaker(key).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the breaker state for a dependency, for operational
// introspection.
func (s *BreakerSet) State(key string) gobreaker.State {
	return s.breaker(key).State()
}
