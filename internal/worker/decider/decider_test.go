package decider

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

// historyBuilder assembles event logs with dense IDs for replay tests.
type historyBuilder struct {
	events []*types.HistoryEvent
}

func (b *historyBuilder) add(eventType types.EventType, attrs any) int64 {
	id := int64(len(b.events) + 1)
	b.events = append(b.events, &types.HistoryEvent{
		EventID:    id,
		EventType:  eventType,
		Attributes: attrs,
	})
	return id
}

func (b *historyBuilder) started(wf *types.Workflow, input json.RawMessage) {
	b.add(types.EventTypeExecutionStarted, &types.ExecutionStartedAttributes{
		Workflow: wf,
		Input:    input,
	})
}

func (b *historyBuilder) scheduled(nodeID, nodeType string) int64 {
	return b.add(types.EventTypeNodeScheduled, &types.NodeScheduledAttributes{
		NodeID:   nodeID,
		NodeType: nodeType,
	})
}

func (b *historyBuilder) completed(scheduledEventID int64, output string) {
	b.add(types.EventTypeNodeCompleted, &types.NodeCompletedAttributes{
		ScheduledEventID: scheduledEventID,
		Output:           json.RawMessage(output),
	})
}

func (b *historyBuilder) completedWithTimer(scheduledEventID int64, output string, resumeAt time.Time) {
	b.add(types.EventTypeNodeCompleted, &types.NodeCompletedAttributes{
		ScheduledEventID: scheduledEventID,
		Output:           json.RawMessage(output),
		Metadata: map[string]string{
			MetadataTimerRequested: "true",
			MetadataResumeAt:       resumeAt.Format(time.RFC3339),
		},
	})
}

func (b *historyBuilder) failed(scheduledEventID int64, failureType, message string) {
	b.add(types.EventTypeNodeFailed, &types.NodeFailedAttributes{
		ScheduledEventID: scheduledEventID,
		Failure:          &types.ExecutionFailure{Type: failureType, Message: message},
	})
}

func (b *historyBuilder) timerStarted(timerID, nodeID string, fireTime time.Time) {
	b.add(types.EventTypeTimerStarted, &types.TimerStartedAttributes{
		TimerID:  timerID,
		NodeID:   nodeID,
		FireTime: fireTime,
	})
}

func (b *historyBuilder) timerFired(timerID string) {
	b.add(types.EventTypeTimerFired, &types.TimerFiredAttributes{TimerID: timerID})
}

func linearWorkflow() *types.Workflow {
	return &types.Workflow{
		ID: "wf-linear",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "H1", Type: "http"},
		},
		Edges: []types.Edge{{Source: "T", Target: "H1"}},
	}
}

func scheduledNodeIDs(t *testing.T, commands []*types.Command) []string {
	t.Helper()
	var ids []string
	for _, cmd := range commands {
		if cmd.Type != types.CommandTypeScheduleActivityTask {
			t.Fatalf("command type = %s, want ScheduleActivityTask", cmd.Type)
		}
		ids = append(ids, cmd.ScheduleActivity.NodeID)
	}
	return ids
}

func TestDecide_SchedulesTriggerFirst(t *testing.T) {
	b := &historyBuilder{}
	b.started(linearWorkflow(), json.RawMessage(`{"source":"manual"}`))

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if got := scheduledNodeIDs(t, commands); len(got) != 1 || got[0] != "T" {
		t.Fatalf("scheduled = %v, want [T]", got)
	}
	if string(commands[0].ScheduleActivity.Input) != `{"source":"manual"}` {
		t.Errorf("trigger input = %s, want workflow input", commands[0].ScheduleActivity.Input)
	}
}

func TestDecide_ChainsDownstreamAndCompletes(t *testing.T) {
	b := &historyBuilder{}
	b.started(linearWorkflow(), nil)
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{"ok":true}`)

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if got := scheduledNodeIDs(t, commands); len(got) != 1 || got[0] != "H1" {
		t.Fatalf("scheduled = %v, want [H1]", got)
	}
	if string(commands[0].ScheduleActivity.Input) != `{"ok":true}` {
		t.Errorf("H1 input = %s, want upstream output", commands[0].ScheduleActivity.Input)
	}

	hid := b.scheduled("H1", "http")
	b.completed(hid, `{"status":200}`)

	commands, err = Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 1 || commands[0].Type != types.CommandTypeCompleteWorkflowExecution {
		t.Fatalf("commands = %+v, want one CompleteWorkflowExecution", commands)
	}
	done := commands[0].CompleteWorkflow
	if done.Result != types.CompletionResultCompleted {
		t.Errorf("result = %s, want %s", done.Result, types.CompletionResultCompleted)
	}
	if len(done.FailedNodes) != 0 {
		t.Errorf("failed nodes = %v, want none", done.FailedNodes)
	}
}

func TestDecide_NoCommandsWhileActivityInFlight(t *testing.T) {
	b := &historyBuilder{}
	b.started(linearWorkflow(), nil)
	b.scheduled("T", "trigger")

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 0 {
		t.Fatalf("commands = %+v, want none while T runs", commands)
	}
}

func TestDecide_ConditionSkipsDeadBranch(t *testing.T) {
	wf := &types.Workflow{
		ID: "wf-branch",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "C", Type: "condition"},
			{ID: "A", Type: "http"},
			{ID: "B", Type: "http"},
			{ID: "B2", Type: "http"},
		},
		Edges: []types.Edge{
			{Source: "T", Target: "C"},
			{Source: "C", Target: "A", SourceHandle: "true"},
			{Source: "C", Target: "B", SourceHandle: "false"},
			{Source: "B", Target: "B2"},
		},
	}

	b := &historyBuilder{}
	b.started(wf, nil)
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{}`)
	cid := b.scheduled("C", "condition")
	b.completed(cid, `{"matched":true,"output":"true"}`)

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if got := scheduledNodeIDs(t, commands); len(got) != 1 || got[0] != "A" {
		t.Fatalf("scheduled = %v, want [A]", got)
	}

	// Finishing A completes the workflow: B and B2 are skipped, not pending.
	aid := b.scheduled("A", "http")
	b.completed(aid, `{"done":true}`)

	commands, err = Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 1 || commands[0].Type != types.CommandTypeCompleteWorkflowExecution {
		t.Fatalf("commands = %+v, want CompleteWorkflowExecution", commands)
	}
	if commands[0].CompleteWorkflow.Result != types.CompletionResultCompleted {
		t.Errorf("result = %s, want completed", commands[0].CompleteWorkflow.Result)
	}
}

// Node types aliased to the condition executor must prune branches the
// same way the canonical type does.
func TestDecide_ConditionAliasPrunesBranches(t *testing.T) {
	for _, nodeType := range []string{"if", "switch", "logic_condition"} {
		wf := &types.Workflow{
			ID: "wf-alias",
			Nodes: []types.Node{
				{ID: "C", Type: nodeType},
				{ID: "A", Type: "http"},
				{ID: "B", Type: "http"},
			},
			Edges: []types.Edge{
				{Source: "C", Target: "A", SourceHandle: "true"},
				{Source: "C", Target: "B", SourceHandle: "false"},
			},
		}

		b := &historyBuilder{}
		b.started(wf, nil)
		cid := b.scheduled("C", nodeType)
		b.completed(cid, `{"matched":true,"output":"true"}`)

		commands, err := Decide(b.events)
		if err != nil {
			t.Fatalf("%s: Decide error = %v", nodeType, err)
		}
		if got := scheduledNodeIDs(t, commands); len(got) != 1 || got[0] != "A" {
			t.Errorf("%s: scheduled = %v, want [A] (B pruned)", nodeType, got)
		}
	}
}

func TestDecide_FailureWithStopFailsWorkflow(t *testing.T) {
	b := &historyBuilder{}
	b.started(linearWorkflow(), nil)
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{}`)
	hid := b.scheduled("H1", "http")
	b.failed(hid, "RETRYABLE", "connection refused")

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 1 || commands[0].Type != types.CommandTypeFailWorkflowExecution {
		t.Fatalf("commands = %+v, want one FailWorkflowExecution", commands)
	}
	fail := commands[0].FailWorkflow
	if fail.FailedNode != "H1" {
		t.Errorf("failed node = %s, want H1", fail.FailedNode)
	}
	if !strings.HasPrefix(fail.Failure.Message, "node 'H1' failed") {
		t.Errorf("message = %q, want node 'H1' failed prefix", fail.Failure.Message)
	}
}

func TestDecide_FailureWithContinueIsPartialFailure(t *testing.T) {
	wf := &types.Workflow{
		ID: "wf-continue",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "H1", Type: "http", OnError: types.OnErrorContinue},
			{ID: "H2", Type: "http"},
		},
		Edges: []types.Edge{
			{Source: "T", Target: "H1"},
			{Source: "T", Target: "H2"},
		},
	}

	b := &historyBuilder{}
	b.started(wf, nil)
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{}`)
	h1 := b.scheduled("H1", "http")
	h2 := b.scheduled("H2", "http")
	b.failed(h1, "NON_RETRYABLE", "400 Bad Request")
	b.completed(h2, `{"status":200}`)

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 1 || commands[0].Type != types.CommandTypeCompleteWorkflowExecution {
		t.Fatalf("commands = %+v, want CompleteWorkflowExecution", commands)
	}
	done := commands[0].CompleteWorkflow
	if done.Result != types.CompletionResultPartialFailure {
		t.Errorf("result = %s, want %s", done.Result, types.CompletionResultPartialFailure)
	}
	if len(done.FailedNodes) != 1 || done.FailedNodes[0] != "H1" {
		t.Errorf("failed nodes = %v, want [H1]", done.FailedNodes)
	}
}

func TestDecide_FailureWithContinueSkipsDownstream(t *testing.T) {
	wf := &types.Workflow{
		ID: "wf-skip",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "H1", Type: "http", OnError: types.OnErrorContinue},
			{ID: "H2", Type: "http"},
		},
		Edges: []types.Edge{
			{Source: "T", Target: "H1"},
			{Source: "H1", Target: "H2"},
		},
	}

	b := &historyBuilder{}
	b.started(wf, nil)
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{}`)
	h1 := b.scheduled("H1", "http")
	b.failed(h1, "NON_RETRYABLE", "boom")

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	// H2 never runs; the workflow settles as a partial failure.
	if len(commands) != 1 || commands[0].Type != types.CommandTypeCompleteWorkflowExecution {
		t.Fatalf("commands = %+v, want CompleteWorkflowExecution", commands)
	}
	if commands[0].CompleteWorkflow.Result != types.CompletionResultPartialFailure {
		t.Errorf("result = %s, want partial_failure", commands[0].CompleteWorkflow.Result)
	}
}

func TestDecide_LongDelayBridgesToTimer(t *testing.T) {
	wf := &types.Workflow{
		ID: "wf-delay",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "D", Type: "delay"},
			{ID: "H1", Type: "http"},
		},
		Edges: []types.Edge{
			{Source: "T", Target: "D"},
			{Source: "D", Target: "H1"},
		},
	}
	resumeAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	b := &historyBuilder{}
	b.started(wf, nil)
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{}`)
	did := b.scheduled("D", "delay")
	b.completedWithTimer(did, `{"delayed":true}`, resumeAt)

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 1 || commands[0].Type != types.CommandTypeStartTimer {
		t.Fatalf("commands = %+v, want one StartTimer", commands)
	}
	st := commands[0].StartTimer
	if st.TimerID != "delay:D" || st.NodeID != "D" {
		t.Errorf("timer = %s/%s, want delay:D/D", st.TimerID, st.NodeID)
	}
	if !st.FireTime.Equal(resumeAt) {
		t.Errorf("fire time = %v, want %v", st.FireTime, resumeAt)
	}

	// The fire resumes the graph: D counts as completed, H1 runs with D's
	// output.
	b.timerStarted("delay:D", "D", resumeAt)
	b.timerFired("delay:D")

	commands, err = Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if got := scheduledNodeIDs(t, commands); len(got) != 1 || got[0] != "H1" {
		t.Fatalf("scheduled = %v, want [H1]", got)
	}
	if string(commands[0].ScheduleActivity.Input) != `{"delayed":true}` {
		t.Errorf("H1 input = %s, want delay output", commands[0].ScheduleActivity.Input)
	}
}

func TestDecide_TimerNotRestartedWhilePending(t *testing.T) {
	wf := &types.Workflow{
		ID: "wf-delay",
		Nodes: []types.Node{
			{ID: "D", Type: "delay"},
		},
	}
	b := &historyBuilder{}
	b.started(wf, nil)
	did := b.scheduled("D", "delay")
	b.completedWithTimer(did, `{}`, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b.timerStarted("delay:D", "D", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 0 {
		t.Fatalf("commands = %+v, want none while timer pending", commands)
	}
}

func TestDecide_FanInBuildsKeyedEnvelope(t *testing.T) {
	wf := &types.Workflow{
		ID: "wf-fanin",
		Nodes: []types.Node{
			{ID: "T", Type: "trigger"},
			{ID: "A", Type: "http"},
			{ID: "B", Type: "http"},
			{ID: "M", Type: "transform"},
		},
		Edges: []types.Edge{
			{Source: "T", Target: "A"},
			{Source: "T", Target: "B"},
			{Source: "A", Target: "M"},
			{Source: "B", Target: "M"},
		},
	}

	b := &historyBuilder{}
	b.started(wf, nil)
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{}`)
	aid := b.scheduled("A", "http")
	bid := b.scheduled("B", "http")
	b.completed(aid, `{"from":"a"}`)

	// Only A is done; M must wait for B.
	commands, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if len(commands) != 0 {
		t.Fatalf("commands = %+v, want none until B completes", commands)
	}

	b.completed(bid, `{"from":"b"}`)
	commands, err = Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	if got := scheduledNodeIDs(t, commands); len(got) != 1 || got[0] != "M" {
		t.Fatalf("scheduled = %v, want [M]", got)
	}

	var fanIn map[string]json.RawMessage
	if err := json.Unmarshal(commands[0].ScheduleActivity.Input, &fanIn); err != nil {
		t.Fatalf("fan-in input not a map: %v", err)
	}
	if string(fanIn["A"]) != `{"from":"a"}` || string(fanIn["B"]) != `{"from":"b"}` {
		t.Errorf("fan-in = %v", fanIn)
	}
}

func TestDecide_SameHistorySameCommands(t *testing.T) {
	b := &historyBuilder{}
	b.started(linearWorkflow(), json.RawMessage(`{"n":1}`))
	tid := b.scheduled("T", "trigger")
	b.completed(tid, `{"ok":true}`)

	first, err := Decide(b.events)
	if err != nil {
		t.Fatalf("Decide error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Decide(b.events)
		if err != nil {
			t.Fatalf("Decide error = %v", err)
		}
		a, _ := json.Marshal(first)
		bjson, _ := json.Marshal(again)
		if string(a) != string(bjson) {
			t.Fatalf("replay diverged:\n%s\n%s", a, bjson)
		}
	}
}

func TestDecide_RejectsBrokenHistory(t *testing.T) {
	if _, err := Decide(nil); err == nil {
		t.Error("empty history accepted")
	}

	b := &historyBuilder{}
	b.add(types.EventTypeNodeScheduled, &types.NodeScheduledAttributes{NodeID: "x"})
	if _, err := Decide(b.events); err == nil {
		t.Error("history without ExecutionStarted accepted")
	}
}
