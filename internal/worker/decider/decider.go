// Package decider turns an execution's event history into the next batch
// of commands. Decide is pure: same history bytes, same commands, no wall
// clock and no randomness outside the seed carried in the deterministic
// context. History re-runs it after every completion, so all progress
// state is reconstructed from the log each round.
package decider

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/worker/executor"
)

var (
	ErrEmptyHistory   = errors.New("history is empty")
	ErrMissingStart   = errors.New("history does not begin with ExecutionStarted")
	ErrUnknownNode    = errors.New("event references unknown node")
	ErrInvalidHistory = errors.New("invalid history")
)

// Node statuses reconstructed by replay.
type nodeStatus int

const (
	statusUnscheduled nodeStatus = iota
	statusScheduled
	statusCompleted
	statusFailed
	statusSkipped
	// statusWaiting marks a delay node that completed with a timer request
	// and is parked until its timer fires.
	statusWaiting
)

// Metadata keys a delay executor uses to request a durable timer instead
// of blocking a worker.
const (
	MetadataTimerRequested = "timer_requested"
	MetadataResumeAt       = "resume_at"
)

func timerIDForNode(nodeID string) string { return "delay:" + nodeID }

type nodeState struct {
	node         *types.Node
	status       nodeStatus
	output       json.RawMessage
	metadata     map[string]string
	failure      *types.ExecutionFailure
	timerStarted bool
}

type replayState struct {
	workflow      *types.Workflow
	input         json.RawMessage
	deterministic *types.DeterministicContext
	defaultRetry  *types.RetryPolicy
	nodes         map[string]*nodeState
	scheduledNode map[int64]string // NodeScheduled event ID -> node ID
	timerNode     map[string]string
}

// Decide replays history and returns the commands for the next round.
func Decide(history []*types.HistoryEvent) ([]*types.Command, error) {
	st, err := replay(history)
	if err != nil {
		return nil, err
	}

	// A node failing with onError=stop ends the workflow before anything
	// else is considered.
	for i := range st.workflow.Nodes {
		ns := st.nodes[st.workflow.Nodes[i].ID]
		if ns.status == statusFailed && ns.node.ErrorPolicy() == types.OnErrorStop {
			return []*types.Command{failWorkflowCommand(ns)}, nil
		}
	}

	st.markSkipped()

	var commands []*types.Command

	// Bridge long delays onto durable timers.
	for i := range st.workflow.Nodes {
		ns := st.nodes[st.workflow.Nodes[i].ID]
		if ns.status != statusWaiting || ns.timerStarted {
			continue
		}
		fireTime, err := time.Parse(time.RFC3339, ns.metadata[MetadataResumeAt])
		if err != nil {
			return nil, fmt.Errorf("%w: node %s timer request has bad resume_at: %v",
				ErrInvalidHistory, ns.node.ID, err)
		}
		commands = append(commands, &types.Command{
			Type: types.CommandTypeStartTimer,
			StartTimer: &types.StartTimerCommandAttributes{
				TimerID:  timerIDForNode(ns.node.ID),
				NodeID:   ns.node.ID,
				FireTime: fireTime,
			},
		})
	}

	for i := range st.workflow.Nodes {
		node := &st.workflow.Nodes[i]
		ns := st.nodes[node.ID]
		if ns.status != statusUnscheduled || !st.isRunnable(node) {
			continue
		}

		input, err := st.envelopeInput(node)
		if err != nil {
			return nil, err
		}
		retry := node.Retry
		if retry == nil {
			retry = st.defaultRetry
		}
		commands = append(commands, &types.Command{
			Type: types.CommandTypeScheduleActivityTask,
			ScheduleActivity: &types.ScheduleActivityTaskAttributes{
				NodeID:   node.ID,
				NodeType: node.Type,
				Config:   node.Config,
				Input:    input,
				Retry:    retry,
				Timeout:  node.Timeout,
			},
		})
	}

	if len(commands) > 0 {
		return commands, nil
	}
	if !st.allSettled() {
		// Scheduled activities or pending timers will drive the next round.
		return nil, nil
	}
	return []*types.Command{st.completeWorkflowCommand()}, nil
}

func replay(history []*types.HistoryEvent) (*replayState, error) {
	if len(history) == 0 {
		return nil, ErrEmptyHistory
	}
	started, ok := history[0].Attributes.(*types.ExecutionStartedAttributes)
	if !ok || history[0].EventType != types.EventTypeExecutionStarted {
		return nil, ErrMissingStart
	}
	if started.Workflow == nil {
		return nil, fmt.Errorf("%w: ExecutionStarted carries no workflow", ErrInvalidHistory)
	}

	st := &replayState{
		workflow:      started.Workflow,
		input:         started.Input,
		deterministic: started.Deterministic,
		defaultRetry:  started.DefaultActivityRetry,
		nodes:         make(map[string]*nodeState, len(started.Workflow.Nodes)),
		scheduledNode: make(map[int64]string),
		timerNode:     make(map[string]string),
	}
	for i := range st.workflow.Nodes {
		node := &st.workflow.Nodes[i]
		st.nodes[node.ID] = &nodeState{node: node}
	}

	for _, event := range history[1:] {
		switch event.EventType {
		case types.EventTypeNodeScheduled:
			attrs, ok := event.Attributes.(*types.NodeScheduledAttributes)
			if !ok {
				return nil, fmt.Errorf("%w: NodeScheduled event %d", ErrInvalidHistory, event.EventID)
			}
			ns, exists := st.nodes[attrs.NodeID]
			if !exists {
				return nil, fmt.Errorf("%w: %s", ErrUnknownNode, attrs.NodeID)
			}
			ns.status = statusScheduled
			st.scheduledNode[event.EventID] = attrs.NodeID

		case types.EventTypeNodeCompleted:
			attrs, ok := event.Attributes.(*types.NodeCompletedAttributes)
			if !ok {
				return nil, fmt.Errorf("%w: NodeCompleted event %d", ErrInvalidHistory, event.EventID)
			}
			ns := st.nodeForScheduledEvent(attrs.ScheduledEventID)
			if ns == nil {
				continue
			}
			ns.output = attrs.Output
			ns.metadata = attrs.Metadata
			if attrs.Metadata[MetadataTimerRequested] == "true" {
				ns.status = statusWaiting
			} else {
				ns.status = statusCompleted
			}

		case types.EventTypeNodeFailed:
			attrs, ok := event.Attributes.(*types.NodeFailedAttributes)
			if !ok {
				return nil, fmt.Errorf("%w: NodeFailed event %d", ErrInvalidHistory, event.EventID)
			}
			if ns := st.nodeForScheduledEvent(attrs.ScheduledEventID); ns != nil {
				ns.status = statusFailed
				ns.failure = attrs.Failure
			}

		case types.EventTypeNodeTimedOut:
			attrs, ok := event.Attributes.(*types.NodeTimedOutAttributes)
			if !ok {
				return nil, fmt.Errorf("%w: NodeTimedOut event %d", ErrInvalidHistory, event.EventID)
			}
			if ns := st.nodeForScheduledEvent(attrs.ScheduledEventID); ns != nil {
				ns.status = statusFailed
				ns.failure = &types.ExecutionFailure{
					Type:    "TIMEOUT",
					Message: "node timed out",
				}
			}

		case types.EventTypeTimerStarted:
			attrs, ok := event.Attributes.(*types.TimerStartedAttributes)
			if !ok {
				return nil, fmt.Errorf("%w: TimerStarted event %d", ErrInvalidHistory, event.EventID)
			}
			st.timerNode[attrs.TimerID] = attrs.NodeID
			if ns, exists := st.nodes[attrs.NodeID]; exists {
				ns.timerStarted = true
			}

		case types.EventTypeTimerFired:
			attrs, ok := event.Attributes.(*types.TimerFiredAttributes)
			if !ok {
				return nil, fmt.Errorf("%w: TimerFired event %d", ErrInvalidHistory, event.EventID)
			}
			nodeID := st.timerNode[attrs.TimerID]
			if ns, exists := st.nodes[nodeID]; exists && ns.status == statusWaiting {
				ns.status = statusCompleted
			}

		case types.EventTypeNodeStarted,
			types.EventTypeTimerCancelled,
			types.EventTypeSignalReceived,
			types.EventTypeDecisionTaskScheduled,
			types.EventTypeDecisionTaskStarted,
			types.EventTypeDecisionTaskCompleted,
			types.EventTypeWorkflowCompleted,
			types.EventTypeWorkflowFailed,
			types.EventTypeWorkflowCancelled:
			// No node-state effect.

		default:
			return nil, fmt.Errorf("%w: unexpected event type %s", ErrInvalidHistory, event.EventType)
		}
	}
	return st, nil
}

func (st *replayState) nodeForScheduledEvent(scheduledEventID int64) *nodeState {
	nodeID, exists := st.scheduledNode[scheduledEventID]
	if !exists {
		return nil
	}
	return st.nodes[nodeID]
}

// Condition-type nodes steer branches through their output field. Alias
// resolution is shared with the executor registry so every type that runs
// as a condition also branches as one.
func isConditionNode(node *types.Node) bool {
	return executor.Canonical(node.Type) == "condition"
}

// conditionOutput reads the output branch name a completed condition node
// selected.
func conditionOutput(raw json.RawMessage) string {
	var out struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out.Output
}

// edgeDead reports whether the edge can never deliver input: its source
// failed with onError=continue, or it is a condition branch the source did
// not select.
func (st *replayState) edgeDead(edge *types.Edge) bool {
	source, exists := st.nodes[edge.Source]
	if !exists {
		return true
	}
	if source.status == statusFailed && source.node.ErrorPolicy() == types.OnErrorContinue {
		return true
	}
	if source.status == statusSkipped {
		return true
	}
	if source.status == statusCompleted && isConditionNode(source.node) && edge.SourceHandle != "" {
		return conditionOutput(source.output) != edge.SourceHandle
	}
	return false
}

// markSkipped seeds skips from dead edges and propagates them through the
// downstream closure.
func (st *replayState) markSkipped() {
	var queue []string
	for i := range st.workflow.Edges {
		edge := &st.workflow.Edges[i]
		if st.edgeDead(edge) {
			queue = append(queue, edge.Target)
		}
	}

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		ns, exists := st.nodes[nodeID]
		if !exists || ns.status != statusUnscheduled {
			continue
		}
		ns.status = statusSkipped

		for i := range st.workflow.Edges {
			if st.workflow.Edges[i].Source == nodeID {
				queue = append(queue, st.workflow.Edges[i].Target)
			}
		}
	}
}

// isRunnable assumes the node is unscheduled and not skipped. Roots
// (trigger nodes with no incoming edges) are always runnable; everything
// else waits for all its upstream sources to complete.
func (st *replayState) isRunnable(node *types.Node) bool {
	for i := range st.workflow.Edges {
		edge := &st.workflow.Edges[i]
		if edge.Target != node.ID {
			continue
		}
		if st.nodes[edge.Source].status != statusCompleted {
			return false
		}
	}
	return true
}

// envelopeInput builds the activity input: the workflow input for roots,
// the single upstream output for one live edge, or a map keyed by source
// node ID (marshalled with sorted keys) for fan-in.
func (st *replayState) envelopeInput(node *types.Node) (json.RawMessage, error) {
	var sources []string
	for i := range st.workflow.Edges {
		edge := &st.workflow.Edges[i]
		if edge.Target == node.ID && !st.edgeDead(edge) {
			sources = append(sources, edge.Source)
		}
	}

	switch len(sources) {
	case 0:
		return st.input, nil
	case 1:
		return st.nodes[sources[0]].output, nil
	default:
		fanIn := make(map[string]json.RawMessage, len(sources))
		for _, sourceID := range sources {
			output := st.nodes[sourceID].output
			if output == nil {
				output = json.RawMessage("null")
			}
			fanIn[sourceID] = output
		}
		merged, err := json.Marshal(fanIn)
		if err != nil {
			return nil, fmt.Errorf("merge inputs for node %s: %w", node.ID, err)
		}
		return merged, nil
	}
}

// allSettled reports whether every node reached a terminal state.
func (st *replayState) allSettled() bool {
	for _, ns := range st.nodes {
		switch ns.status {
		case statusScheduled, statusWaiting, statusUnscheduled:
			return false
		}
	}
	return true
}

func (st *replayState) completeWorkflowCommand() *types.Command {
	var failedNodes []string
	for i := range st.workflow.Nodes {
		if st.nodes[st.workflow.Nodes[i].ID].status == statusFailed {
			failedNodes = append(failedNodes, st.workflow.Nodes[i].ID)
		}
	}

	result := types.CompletionResultCompleted
	if len(failedNodes) > 0 {
		result = types.CompletionResultPartialFailure
	}

	// Output is the map of leaf outputs, keyed by node ID.
	leaves := make(map[string]json.RawMessage)
	for i := range st.workflow.Nodes {
		node := &st.workflow.Nodes[i]
		ns := st.nodes[node.ID]
		if ns.status != statusCompleted {
			continue
		}
		hasOutgoing := false
		for j := range st.workflow.Edges {
			if st.workflow.Edges[j].Source == node.ID {
				hasOutgoing = true
				break
			}
		}
		if !hasOutgoing {
			output := ns.output
			if output == nil {
				output = json.RawMessage("null")
			}
			leaves[node.ID] = output
		}
	}
	var output json.RawMessage
	if len(leaves) > 0 {
		output, _ = json.Marshal(leaves)
	}

	return &types.Command{
		Type: types.CommandTypeCompleteWorkflowExecution,
		CompleteWorkflow: &types.CompleteWorkflowCommandAttributes{
			Result:      result,
			Output:      output,
			FailedNodes: failedNodes,
		},
	}
}

func failWorkflowCommand(ns *nodeState) *types.Command {
	failure := &types.ExecutionFailure{
		Type:    "NODE_FAILURE",
		Message: fmt.Sprintf("node '%s' failed", ns.node.ID),
	}
	if ns.failure != nil {
		failure.Type = ns.failure.Type
		if ns.failure.Message != "" {
			failure.Message = fmt.Sprintf("node '%s' failed: %s", ns.node.ID, ns.failure.Message)
		}
		failure.Details = ns.failure.Details
	}
	return &types.Command{
		Type: types.CommandTypeFailWorkflowExecution,
		FailWorkflow: &types.FailWorkflowCommandAttributes{
			Failure:    failure,
			FailedNode: ns.node.ID,
		},
	}
}
