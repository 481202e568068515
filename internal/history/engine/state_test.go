package engine

import (
	"testing"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

func newTestState() *MutableState {
	return NewMutableState(&types.ExecutionInfo{
		Key: types.ExecutionKey{
			Namespace:  "default",
			WorkflowID: "wf-1",
			RunID:      "run-1",
		},
		Status: types.ExecutionStatusPending,
	})
}

func startedEvent() *types.HistoryEvent {
	return &types.HistoryEvent{
		EventID:   1,
		EventType: types.EventTypeExecutionStarted,
		Timestamp: time.Now().UTC(),
		Attributes: &types.ExecutionStartedAttributes{
			Workflow: &types.Workflow{ID: "wf-1", Name: "test"},
		},
	}
}

func TestMutableState_ApplyExecutionStarted(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	if err := eng.ProcessEvent(ms, startedEvent()); err != nil {
		t.Fatalf("ProcessEvent error = %v", err)
	}

	if ms.ExecutionInfo.Status != types.ExecutionStatusRunning {
		t.Errorf("Status = %v, want Running", ms.ExecutionInfo.Status)
	}
	if ms.NextEventID != 2 {
		t.Errorf("NextEventID = %d, want 2", ms.NextEventID)
	}
}

func TestMutableState_EventOutOfOrder(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	event := startedEvent()
	event.EventID = 5

	if err := eng.ProcessEvent(ms, event); err != ErrEventOutOfOrder {
		t.Errorf("ProcessEvent error = %v, want %v", err, ErrEventOutOfOrder)
	}
}

func TestMutableState_NodeLifecycle(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	if err := eng.ProcessEvent(ms, startedEvent()); err != nil {
		t.Fatalf("ProcessEvent error = %v", err)
	}

	scheduled := eng.NewEvent(ms, types.EventTypeNodeScheduled, &types.NodeScheduledAttributes{
		NodeID:   "node-a",
		NodeType: "http",
	})
	if err := eng.ProcessEvent(ms, scheduled); err != nil {
		t.Fatalf("schedule error = %v", err)
	}

	if _, ok := ms.PendingNodes[scheduled.EventID]; !ok {
		t.Fatal("node not pending after NodeScheduled")
	}

	started := eng.NewEvent(ms, types.EventTypeNodeStarted, &types.NodeStartedAttributes{
		ScheduledEventID: scheduled.EventID,
		Attempt:          1,
	})
	if err := eng.ProcessEvent(ms, started); err != nil {
		t.Fatalf("start error = %v", err)
	}

	completed := eng.NewEvent(ms, types.EventTypeNodeCompleted, &types.NodeCompletedAttributes{
		ScheduledEventID: scheduled.EventID,
	})
	if err := eng.ProcessEvent(ms, completed); err != nil {
		t.Fatalf("complete error = %v", err)
	}

	if _, ok := ms.PendingNodes[scheduled.EventID]; ok {
		t.Error("node still pending after NodeCompleted")
	}
}

func TestMutableState_NodeCompleteWithoutSchedule(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	if err := eng.ProcessEvent(ms, startedEvent()); err != nil {
		t.Fatalf("ProcessEvent error = %v", err)
	}

	completed := eng.NewEvent(ms, types.EventTypeNodeCompleted, &types.NodeCompletedAttributes{
		ScheduledEventID: 99,
	})
	if err := eng.ProcessEvent(ms, completed); err != ErrNodeNotPending {
		t.Errorf("complete error = %v, want %v", err, ErrNodeNotPending)
	}
}

func TestMutableState_TimerFireIdempotent(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	if err := eng.ProcessEvent(ms, startedEvent()); err != nil {
		t.Fatalf("ProcessEvent error = %v", err)
	}

	timerStarted := eng.NewEvent(ms, types.EventTypeTimerStarted, &types.TimerStartedAttributes{
		TimerID:  "timer-1",
		FireTime: time.Now().Add(time.Minute),
	})
	if err := eng.ProcessEvent(ms, timerStarted); err != nil {
		t.Fatalf("timer start error = %v", err)
	}

	fired := eng.NewEvent(ms, types.EventTypeTimerFired, &types.TimerFiredAttributes{
		TimerID:          "timer-1",
		ScheduledEventID: timerStarted.EventID,
	})
	if err := eng.ProcessEvent(ms, fired); err != nil {
		t.Fatalf("timer fire error = %v", err)
	}

	// A duplicate fire from a redelivered timer must be rejected so the
	// service can drop it without appending.
	dup := eng.NewEvent(ms, types.EventTypeTimerFired, &types.TimerFiredAttributes{
		TimerID:          "timer-1",
		ScheduledEventID: timerStarted.EventID,
	})
	if err := eng.ProcessEvent(ms, dup); err != ErrTimerAlreadyFired {
		t.Errorf("duplicate fire error = %v, want %v", err, ErrTimerAlreadyFired)
	}
}

func TestMutableState_DecisionTracking(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	if err := eng.ProcessEvent(ms, startedEvent()); err != nil {
		t.Fatalf("ProcessEvent error = %v", err)
	}

	scheduled := eng.NewEvent(ms, types.EventTypeDecisionTaskScheduled, &types.DecisionTaskScheduledAttributes{Attempt: 1})
	if err := eng.ProcessEvent(ms, scheduled); err != nil {
		t.Fatalf("decision schedule error = %v", err)
	}

	if !ms.HasInFlightDecision() {
		t.Fatal("expected in-flight decision")
	}

	// A second scheduled decision while one is in flight violates the
	// single-decision invariant.
	second := eng.NewEvent(ms, types.EventTypeDecisionTaskScheduled, &types.DecisionTaskScheduledAttributes{Attempt: 1})
	if err := eng.ProcessEvent(ms, second); err != ErrDecisionInFlight {
		t.Fatalf("second decision error = %v, want %v", err, ErrDecisionInFlight)
	}

	started := eng.NewEvent(ms, types.EventTypeDecisionTaskStarted, &types.DecisionTaskStartedAttributes{
		ScheduledEventID: scheduled.EventID,
	})
	if err := eng.ProcessEvent(ms, started); err != nil {
		t.Fatalf("decision start error = %v", err)
	}

	completed := eng.NewEvent(ms, types.EventTypeDecisionTaskCompleted, &types.DecisionTaskCompletedAttributes{
		ScheduledEventID: scheduled.EventID,
		StartedEventID:   started.EventID,
	})
	if err := eng.ProcessEvent(ms, completed); err != nil {
		t.Fatalf("decision complete error = %v", err)
	}

	if ms.HasInFlightDecision() {
		t.Error("decision still in flight after completion")
	}
}

func TestMutableState_TerminalRefusesAppends(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	if err := eng.ProcessEvent(ms, startedEvent()); err != nil {
		t.Fatalf("ProcessEvent error = %v", err)
	}

	done := eng.NewEvent(ms, types.EventTypeWorkflowCompleted, &types.WorkflowCompletedAttributes{
		Result: types.CompletionResultCompleted,
	})
	if err := eng.ProcessEvent(ms, done); err != nil {
		t.Fatalf("complete error = %v", err)
	}

	late := eng.NewEvent(ms, types.EventTypeNodeScheduled, &types.NodeScheduledAttributes{NodeID: "late"})
	if err := eng.ProcessEvent(ms, late); err != ErrExecutionClosed {
		t.Errorf("late append error = %v, want %v", err, ErrExecutionClosed)
	}
}

func TestMutableState_Clone(t *testing.T) {
	ms := newTestState()
	eng := NewEngine(nil)

	if err := eng.ProcessEvent(ms, startedEvent()); err != nil {
		t.Fatalf("ProcessEvent error = %v", err)
	}
	scheduled := eng.NewEvent(ms, types.EventTypeNodeScheduled, &types.NodeScheduledAttributes{NodeID: "node-a", NodeType: "http"})
	if err := eng.ProcessEvent(ms, scheduled); err != nil {
		t.Fatalf("schedule error = %v", err)
	}

	clone := ms.Clone()
	clone.PendingNodes[scheduled.EventID].Attempt = 5

	if ms.PendingNodes[scheduled.EventID].Attempt == 5 {
		t.Error("Clone shares PendingNodes with original")
	}
}
