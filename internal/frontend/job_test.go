package frontend

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/linkflow/execplane/internal/history/types"
)

func validEnvelope() *JobEnvelope {
	return &JobEnvelope{
		JobID:         "job-1",
		CallbackToken: "tok",
		Workflow: &types.Workflow{
			ID: "wf-1",
			Nodes: []types.Node{
				{ID: "a", Type: "trigger"},
				{ID: "b", Type: "http"},
			},
			Edges: []types.Edge{{Source: "a", Target: "b"}},
		},
	}
}

func TestJobEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*JobEnvelope)
		wantErr string
	}{
		{"valid", func(j *JobEnvelope) {}, ""},
		{"missing job id", func(j *JobEnvelope) { j.JobID = "" }, "missing job_id"},
		{"no workflow", func(j *JobEnvelope) { j.Workflow = nil }, "no workflow"},
		{"no nodes", func(j *JobEnvelope) { j.Workflow.Nodes = nil }, "no nodes"},
		{"untyped node", func(j *JobEnvelope) { j.Workflow.Nodes[1].Type = "" }, "no type"},
		{"duplicate node", func(j *JobEnvelope) {
			j.Workflow.Nodes = append(j.Workflow.Nodes, types.Node{ID: "a", Type: "http"})
		}, "duplicate node id"},
		{"dangling edge", func(j *JobEnvelope) {
			j.Workflow.Edges = append(j.Workflow.Edges, types.Edge{Source: "b", Target: "ghost"})
		}, "unknown target"},
		{"cycle", func(j *JobEnvelope) {
			j.Workflow.Edges = append(j.Workflow.Edges, types.Edge{Source: "b", Target: "a"})
		}, "cycle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validEnvelope()
			tt.mutate(job)
			err := job.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPartitionFor_Stable(t *testing.T) {
	first := PartitionFor("wf-abc", 16)
	for i := 0; i < 10; i++ {
		if got := PartitionFor("wf-abc", 16); got != first {
			t.Fatalf("partition changed between calls: %d vs %d", got, first)
		}
	}
	if first < 0 || first >= 16 {
		t.Fatalf("partition %d out of range", first)
	}
}

func TestJobEnvelope_InputMergesVariables(t *testing.T) {
	job := validEnvelope()
	job.TriggerData = json.RawMessage(`{"event":"push"}`)
	job.Variables = map[string]json.RawMessage{"env": json.RawMessage(`"prod"`)}

	var got map[string]json.RawMessage
	if err := json.Unmarshal(job.input(), &got); err != nil {
		t.Fatalf("input unparsable: %v", err)
	}
	if string(got["env"]) != `"prod"` {
		t.Errorf("env = %s", got["env"])
	}
	if string(got["trigger"]) != `{"event":"push"}` {
		t.Errorf("trigger = %s", got["trigger"])
	}

	// Without variables the trigger data passes through untouched.
	job.Variables = nil
	if string(job.input()) != `{"event":"push"}` {
		t.Errorf("input = %s", job.input())
	}
}
