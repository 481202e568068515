package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrEventOutOfOrder    = errors.New("event out of order")
	ErrExecutionClosed    = errors.New("execution already closed")
	ErrDuplicateTimer     = errors.New("duplicate timer")
	ErrTimerNotFound      = errors.New("timer not found")
	ErrTimerAlreadyFired  = errors.New("timer already fired")
	ErrNodeNotPending     = errors.New("node not pending")
	ErrDecisionInFlight   = errors.New("decision task already in flight")
	ErrNoDecisionInFlight = errors.New("no decision task in flight")
)

// Engine validates events against mutable state and builds new events with
// assigned IDs. It owns no storage; the history service drives it under the
// shard lock.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

func (e *Engine) ProcessEvent(state *MutableState, event *types.HistoryEvent) error {
	if err := e.ValidateEvent(state, event); err != nil {
		return err
	}
	return state.ApplyEvent(event)
}

func (e *Engine) ValidateEvent(state *MutableState, event *types.HistoryEvent) error {
	if event == nil {
		return ErrInvalidEvent
	}
	if event.EventID != state.NextEventID {
		return ErrEventOutOfOrder
	}

	switch event.EventType {
	case types.EventTypeExecutionStarted:
		if event.EventID != 1 {
			return ErrEventOutOfOrder
		}
		return nil
	case types.EventTypeWorkflowCompleted, types.EventTypeWorkflowFailed, types.EventTypeWorkflowCancelled:
		return e.requireRunning(state)
	case types.EventTypeTimerStarted:
		return e.validateTimerStarted(state, event)
	case types.EventTypeTimerFired, types.EventTypeTimerCancelled:
		return e.validateTimerClose(state, event)
	case types.EventTypeNodeStarted:
		return e.validateNodeStarted(state, event)
	case types.EventTypeNodeCompleted, types.EventTypeNodeFailed, types.EventTypeNodeTimedOut:
		return e.validateNodeClose(state, event)
	case types.EventTypeDecisionTaskScheduled:
		if err := e.requireRunning(state); err != nil {
			return err
		}
		if state.HasInFlightDecision() {
			return ErrDecisionInFlight
		}
		return nil
	case types.EventTypeDecisionTaskStarted, types.EventTypeDecisionTaskCompleted:
		if err := e.requireRunning(state); err != nil {
			return err
		}
		if !state.HasInFlightDecision() {
			return ErrNoDecisionInFlight
		}
		return nil
	}

	return e.requireRunning(state)
}

func (e *Engine) requireRunning(state *MutableState) error {
	if !state.IsRunning() {
		return ErrExecutionClosed
	}
	return nil
}

func (e *Engine) validateTimerStarted(state *MutableState, event *types.HistoryEvent) error {
	if err := e.requireRunning(state); err != nil {
		return err
	}
	attrs, ok := event.Attributes.(*types.TimerStartedAttributes)
	if !ok {
		return ErrInvalidEvent
	}
	if _, exists := state.PendingTimers[attrs.TimerID]; exists {
		return ErrDuplicateTimer
	}
	return nil
}

func (e *Engine) validateTimerClose(state *MutableState, event *types.HistoryEvent) error {
	if err := e.requireRunning(state); err != nil {
		return err
	}
	var timerID string
	switch attrs := event.Attributes.(type) {
	case *types.TimerFiredAttributes:
		timerID = attrs.TimerID
	case *types.TimerCancelledAttributes:
		timerID = attrs.TimerID
	default:
		return ErrInvalidEvent
	}
	if state.FiredTimers[timerID] {
		return ErrTimerAlreadyFired
	}
	if _, exists := state.PendingTimers[timerID]; !exists {
		return ErrTimerNotFound
	}
	return nil
}

func (e *Engine) validateNodeStarted(state *MutableState, event *types.HistoryEvent) error {
	if err := e.requireRunning(state); err != nil {
		return err
	}
	attrs, ok := event.Attributes.(*types.NodeStartedAttributes)
	if !ok {
		return ErrInvalidEvent
	}
	if _, exists := state.PendingNodes[attrs.ScheduledEventID]; !exists {
		return ErrNodeNotPending
	}
	return nil
}

func (e *Engine) validateNodeClose(state *MutableState, event *types.HistoryEvent) error {
	if err := e.requireRunning(state); err != nil {
		return err
	}
	var scheduledEventID int64
	switch attrs := event.Attributes.(type) {
	case *types.NodeCompletedAttributes:
		scheduledEventID = attrs.ScheduledEventID
	case *types.NodeFailedAttributes:
		scheduledEventID = attrs.ScheduledEventID
	case *types.NodeTimedOutAttributes:
		scheduledEventID = attrs.ScheduledEventID
	default:
		return ErrInvalidEvent
	}
	if _, exists := state.PendingNodes[scheduledEventID]; !exists {
		return ErrNodeNotPending
	}
	return nil
}

// NewEvent assigns the next event ID and stamps the event. The caller still
// runs it through ProcessEvent before persisting.
func (e *Engine) NewEvent(state *MutableState, eventType types.EventType, attrs any) *types.HistoryEvent {
	return &types.HistoryEvent{
		EventID:    state.GetNextEventID(),
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		Attributes: attrs,
	}
}
