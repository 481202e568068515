// Package frontend is the ingress edge of the execution plane. It consumes
// job envelopes from the control plane's Redis streams, starts workflow
// executions in history, streams progress back over pub/sub, and delivers
// signed callbacks when an execution reaches a terminal state.
package frontend

import (
	"encoding/json"
	"fmt"

	"github.com/linkflow/execplane/internal/history/types"
)

// JobEnvelope is the message the control plane enqueues on the job stream.
// JobID doubles as the idempotency key for StartWorkflow, so redelivered
// envelopes attach to the run the first delivery created.
type JobEnvelope struct {
	JobID         string                      `json:"job_id"`
	CallbackToken string                      `json:"callback_token"`
	ExecutionID   string                      `json:"execution_id,omitempty"`
	Namespace     string                      `json:"namespace,omitempty"`
	Workflow      *types.Workflow             `json:"workflow"`
	TriggerData   json.RawMessage             `json:"trigger_data,omitempty"`
	Variables     map[string]json.RawMessage  `json:"variables,omitempty"`
	Deterministic *types.DeterministicContext `json:"deterministic,omitempty"`
	DefaultRetry  *types.RetryPolicy          `json:"default_retry,omitempty"`
	CallbackURL   string                      `json:"callback_url,omitempty"`
	ProgressURL   string                      `json:"progress_url,omitempty"`
	Priority      int                         `json:"priority,omitempty"`
}

// Validate rejects envelopes that could never start a runnable execution.
// A validation error sends the envelope straight to the dead letter stream;
// retrying malformed input only burns redeliveries.
func (j *JobEnvelope) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("job envelope missing job_id")
	}
	if j.Workflow == nil {
		return fmt.Errorf("job %s has no workflow", j.JobID)
	}
	if j.Workflow.ID == "" {
		return fmt.Errorf("job %s workflow has no id", j.JobID)
	}
	if len(j.Workflow.Nodes) == 0 {
		return fmt.Errorf("job %s workflow %s has no nodes", j.JobID, j.Workflow.ID)
	}

	seen := make(map[string]bool, len(j.Workflow.Nodes))
	for i := range j.Workflow.Nodes {
		node := &j.Workflow.Nodes[i]
		if node.ID == "" {
			return fmt.Errorf("job %s workflow %s: node %d has no id", j.JobID, j.Workflow.ID, i)
		}
		if node.Type == "" {
			return fmt.Errorf("job %s workflow %s: node %s has no type", j.JobID, j.Workflow.ID, node.ID)
		}
		if seen[node.ID] {
			return fmt.Errorf("job %s workflow %s: duplicate node id %s", j.JobID, j.Workflow.ID, node.ID)
		}
		seen[node.ID] = true
	}
	for _, edge := range j.Workflow.Edges {
		if !seen[edge.Source] {
			return fmt.Errorf("job %s workflow %s: edge references unknown source %s", j.JobID, j.Workflow.ID, edge.Source)
		}
		if !seen[edge.Target] {
			return fmt.Errorf("job %s workflow %s: edge references unknown target %s", j.JobID, j.Workflow.ID, edge.Target)
		}
	}
	if cyclic(j.Workflow) {
		return fmt.Errorf("job %s workflow %s: graph has a cycle", j.JobID, j.Workflow.ID)
	}
	return nil
}

// ResolvedNamespace falls back to "default" when the control plane sends no
// namespace, matching what the engine uses everywhere else.
func (j *JobEnvelope) ResolvedNamespace() string {
	if j.Namespace != "" {
		return j.Namespace
	}
	return "default"
}

// input is the workflow input payload: trigger data merged with variables
// when the envelope carries both.
func (j *JobEnvelope) input() json.RawMessage {
	if len(j.Variables) == 0 {
		return j.TriggerData
	}
	merged := make(map[string]json.RawMessage, len(j.Variables)+1)
	for k, v := range j.Variables {
		merged[k] = v
	}
	if len(j.TriggerData) > 0 {
		merged["trigger"] = j.TriggerData
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return j.TriggerData
	}
	return out
}

// cyclic detects cycles with Kahn's algorithm: if peeling zero-indegree
// nodes cannot consume the whole graph, a cycle remains.
func cyclic(wf *types.Workflow) bool {
	indegree := make(map[string]int, len(wf.Nodes))
	adjacent := make(map[string][]string, len(wf.Nodes))
	for i := range wf.Nodes {
		indegree[wf.Nodes[i].ID] = 0
	}
	for _, edge := range wf.Edges {
		adjacent[edge.Source] = append(adjacent[edge.Source], edge.Target)
		indegree[edge.Target]++
	}

	queue := make([]string, 0, len(wf.Nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(wf.Nodes)
}
