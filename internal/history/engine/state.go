package engine

import (
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

// MutableState is the replicated snapshot of one execution: enough to
// validate and route incoming events without replaying the full history.
// DBVersion is the optimistic-concurrency token for the state row.
type MutableState struct {
	ExecutionInfo *types.ExecutionInfo
	NextEventID   int64
	Decision      types.DecisionInfo
	PendingNodes  map[int64]*types.NodeExecutionInfo
	PendingTimers map[string]*types.TimerExecutionInfo
	FiredTimers   map[string]bool
	DBVersion     int64
}

func NewMutableState(info *types.ExecutionInfo) *MutableState {
	return &MutableState{
		ExecutionInfo: info,
		NextEventID:   1,
		PendingNodes:  make(map[int64]*types.NodeExecutionInfo),
		PendingTimers: make(map[string]*types.TimerExecutionInfo),
		FiredTimers:   make(map[string]bool),
		DBVersion:     0,
	}
}

func (ms *MutableState) Clone() *MutableState {
	clone := &MutableState{
		ExecutionInfo: ms.cloneExecutionInfo(),
		NextEventID:   ms.NextEventID,
		Decision:      ms.Decision,
		PendingNodes:  make(map[int64]*types.NodeExecutionInfo, len(ms.PendingNodes)),
		PendingTimers: make(map[string]*types.TimerExecutionInfo, len(ms.PendingTimers)),
		FiredTimers:   make(map[string]bool, len(ms.FiredTimers)),
		DBVersion:     ms.DBVersion,
	}
	for k, v := range ms.PendingNodes {
		info := *v
		clone.PendingNodes[k] = &info
	}
	for k, v := range ms.PendingTimers {
		info := *v
		clone.PendingTimers[k] = &info
	}
	for k, v := range ms.FiredTimers {
		clone.FiredTimers[k] = v
	}
	return clone
}

func (ms *MutableState) cloneExecutionInfo() *types.ExecutionInfo {
	if ms.ExecutionInfo == nil {
		return nil
	}
	info := *ms.ExecutionInfo
	if ms.ExecutionInfo.Input != nil {
		info.Input = make([]byte, len(ms.ExecutionInfo.Input))
		copy(info.Input, ms.ExecutionInfo.Input)
	}
	return &info
}

// ApplyEvent folds one validated event into the snapshot.
func (ms *MutableState) ApplyEvent(event *types.HistoryEvent) error {
	switch event.EventType {
	case types.EventTypeExecutionStarted:
		ms.applyExecutionStarted(event)
	case types.EventTypeNodeScheduled:
		ms.applyNodeScheduled(event)
	case types.EventTypeNodeStarted:
		ms.applyNodeStarted(event)
	case types.EventTypeNodeCompleted:
		ms.applyNodeClosed(event)
	case types.EventTypeNodeFailed:
		ms.applyNodeClosed(event)
	case types.EventTypeNodeTimedOut:
		ms.applyNodeClosed(event)
	case types.EventTypeTimerStarted:
		ms.applyTimerStarted(event)
	case types.EventTypeTimerFired:
		ms.applyTimerFired(event)
	case types.EventTypeTimerCancelled:
		ms.applyTimerCancelled(event)
	case types.EventTypeWorkflowCompleted:
		ms.applyWorkflowClosed(event, types.ExecutionStatusCompleted)
	case types.EventTypeWorkflowFailed:
		ms.applyWorkflowClosed(event, types.ExecutionStatusFailed)
	case types.EventTypeWorkflowCancelled:
		ms.applyWorkflowClosed(event, types.ExecutionStatusCancelled)
	case types.EventTypeDecisionTaskScheduled:
		ms.applyDecisionScheduled(event)
	case types.EventTypeDecisionTaskStarted:
		ms.applyDecisionStarted(event)
	case types.EventTypeDecisionTaskCompleted:
		ms.applyDecisionCompleted(event)
	}

	ms.NextEventID = event.EventID + 1
	return nil
}

func (ms *MutableState) applyExecutionStarted(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.ExecutionStartedAttributes)
	if !ok {
		return
	}
	ms.ExecutionInfo.Status = types.ExecutionStatusRunning
	ms.ExecutionInfo.StartTime = event.Timestamp
	ms.ExecutionInfo.Input = attrs.Input
	ms.ExecutionInfo.Deterministic = attrs.Deterministic
	ms.ExecutionInfo.RequestID = attrs.RequestID
	if attrs.Workflow != nil {
		ms.ExecutionInfo.WorkflowName = attrs.Workflow.Name
	}
}

func (ms *MutableState) applyNodeScheduled(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.NodeScheduledAttributes)
	if !ok {
		return
	}
	ms.PendingNodes[event.EventID] = &types.NodeExecutionInfo{
		ScheduledEventID: event.EventID,
		NodeID:           attrs.NodeID,
		NodeType:         attrs.NodeType,
		ScheduledTime:    event.Timestamp,
	}
}

func (ms *MutableState) applyNodeStarted(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.NodeStartedAttributes)
	if !ok {
		return
	}
	if info, exists := ms.PendingNodes[attrs.ScheduledEventID]; exists {
		info.StartedEventID = event.EventID
		info.StartedTime = event.Timestamp
		info.Attempt = attrs.Attempt
	}
}

func (ms *MutableState) applyNodeClosed(event *types.HistoryEvent) {
	switch attrs := event.Attributes.(type) {
	case *types.NodeCompletedAttributes:
		delete(ms.PendingNodes, attrs.ScheduledEventID)
	case *types.NodeFailedAttributes:
		delete(ms.PendingNodes, attrs.ScheduledEventID)
	case *types.NodeTimedOutAttributes:
		delete(ms.PendingNodes, attrs.ScheduledEventID)
	}
}

func (ms *MutableState) applyTimerStarted(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.TimerStartedAttributes)
	if !ok {
		return
	}
	ms.PendingTimers[attrs.TimerID] = &types.TimerExecutionInfo{
		TimerID:        attrs.TimerID,
		NodeID:         attrs.NodeID,
		StartedEventID: event.EventID,
		FireTime:       attrs.FireTime,
	}
}

func (ms *MutableState) applyTimerFired(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.TimerFiredAttributes)
	if !ok {
		return
	}
	delete(ms.PendingTimers, attrs.TimerID)
	ms.FiredTimers[attrs.TimerID] = true
}

func (ms *MutableState) applyTimerCancelled(event *types.HistoryEvent) {
	attrs, ok := event.Attributes.(*types.TimerCancelledAttributes)
	if !ok {
		return
	}
	delete(ms.PendingTimers, attrs.TimerID)
}

func (ms *MutableState) applyWorkflowClosed(event *types.HistoryEvent, status types.ExecutionStatus) {
	ms.ExecutionInfo.Status = status
	ms.ExecutionInfo.CloseTime = event.Timestamp
	ms.Decision = types.DecisionInfo{}
}

func (ms *MutableState) applyDecisionScheduled(event *types.HistoryEvent) {
	attrs, _ := event.Attributes.(*types.DecisionTaskScheduledAttributes)
	ms.Decision.ScheduledEventID = event.EventID
	ms.Decision.StartedEventID = 0
	ms.Decision.Pending = false
	if attrs != nil {
		ms.Decision.Attempt = attrs.Attempt
	}
}

func (ms *MutableState) applyDecisionStarted(event *types.HistoryEvent) {
	ms.Decision.StartedEventID = event.EventID
}

func (ms *MutableState) applyDecisionCompleted(event *types.HistoryEvent) {
	ms.Decision.ScheduledEventID = 0
	ms.Decision.StartedEventID = 0
	ms.Decision.Attempt = 0
}

func (ms *MutableState) GetNextEventID() int64 { return ms.NextEventID }

func (ms *MutableState) IncrementNextEventID() int64 {
	id := ms.NextEventID
	ms.NextEventID++
	return id
}

// HasInFlightDecision reports whether a decision task is scheduled or
// started and not yet completed.
func (ms *MutableState) HasInFlightDecision() bool {
	return ms.Decision.ScheduledEventID != 0
}

func (ms *MutableState) IsRunning() bool {
	if ms.ExecutionInfo == nil {
		return false
	}
	switch ms.ExecutionInfo.Status {
	case types.ExecutionStatusRunning, types.ExecutionStatusWaiting:
		return true
	}
	return false
}

func (ms *MutableState) GetStartTime() time.Time {
	if ms.ExecutionInfo == nil {
		return time.Time{}
	}
	return ms.ExecutionInfo.StartTime
}

func (ms *MutableState) GetCloseTime() time.Time {
	if ms.ExecutionInfo == nil {
		return time.Time{}
	}
	return ms.ExecutionInfo.CloseTime
}
