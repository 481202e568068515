package engine

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrBackpressure is returned when a queue refuses new tasks because its
// backlog crossed the hard limit.
var ErrBackpressure = errors.New("backpressure: queue depth exceeds hard limit")

type BackpressureState int32

const (
	BackpressureNormal   BackpressureState = iota
	BackpressureWarning                    // backlog above soft limit
	BackpressureCritical                   // backlog above hard limit, rejecting
)

const (
	DefaultSoftLimit = 10000
	DefaultHardLimit = 50000
)

// Backpressure tracks backlog pressure for one queue and decides when new
// tasks must be rejected. State transitions are logged once per change.
type Backpressure struct {
	softLimit int
	hardLimit int
	state     atomic.Int32
	rejected  atomic.Int64
	logger    *slog.Logger
}

func NewBackpressure(softLimit, hardLimit int, logger *slog.Logger) *Backpressure {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	if hardLimit <= 0 {
		hardLimit = DefaultHardLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backpressure{
		softLimit: softLimit,
		hardLimit: hardLimit,
		logger:    logger,
	}
}

// Evaluate records the state for the given backlog depth.
func (bp *Backpressure) Evaluate(depth int) BackpressureState {
	var state BackpressureState
	switch {
	case depth >= bp.hardLimit:
		state = BackpressureCritical
	case depth >= bp.softLimit:
		state = BackpressureWarning
	default:
		state = BackpressureNormal
	}

	prev := BackpressureState(bp.state.Swap(int32(state)))
	if state != prev {
		bp.logger.Info("backpressure state changed",
			slog.Int("depth", depth),
			slog.Int("state", int(state)),
			slog.Int("soft_limit", bp.softLimit),
			slog.Int("hard_limit", bp.hardLimit),
		)
	}
	return state
}

// ShouldReject reports whether a task arriving at the given depth must be
// refused, and counts the rejection when it is.
func (bp *Backpressure) ShouldReject(depth int) bool {
	if bp.Evaluate(depth) == BackpressureCritical {
		bp.rejected.Add(1)
		return true
	}
	return false
}

func (bp *Backpressure) State() BackpressureState {
	return BackpressureState(bp.state.Load())
}

func (bp *Backpressure) RejectedCount() int64 {
	return bp.rejected.Load()
}
