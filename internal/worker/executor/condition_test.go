package executor

import (
	"context"
	"encoding/json"
	"testing"
)

func runCondition(t *testing.T, config, input string) *conditionResult {
	t.Helper()
	e := NewConditionExecutor()
	resp, err := e.Execute(context.Background(), &ExecuteRequest{
		NodeID:   "C",
		NodeType: "condition",
		Config:   json.RawMessage(config),
		Input:    json.RawMessage(input),
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("node error: %v", resp.Error)
	}
	var result conditionResult
	if err := json.Unmarshal(resp.Output, &result); err != nil {
		t.Fatalf("bad output: %v", err)
	}
	return &result
}

func TestConditionExecutor_IfMode(t *testing.T) {
	result := runCondition(t,
		`{"mode":"if","rules":[{"field":"order.total","operator":"gt","value":100}]}`,
		`{"order":{"total":250}}`)
	if !result.Matched || result.Output != "true" {
		t.Errorf("result = %+v, want matched/true", result)
	}

	result = runCondition(t,
		`{"mode":"if","rules":[{"field":"order.total","operator":"gt","value":100}]}`,
		`{"order":{"total":50}}`)
	if result.Matched || result.Output != "false" {
		t.Errorf("result = %+v, want unmatched/false", result)
	}
}

func TestConditionExecutor_IfModeOrCombinator(t *testing.T) {
	config := `{"mode":"if","combinator":"or","rules":[
		{"field":"tier","operator":"eq","value":"gold"},
		{"field":"total","operator":"gt","value":1000}]}`

	result := runCondition(t, config, `{"tier":"gold","total":10}`)
	if !result.Matched {
		t.Errorf("result = %+v, want matched", result)
	}
	result = runCondition(t, config, `{"tier":"bronze","total":10}`)
	if result.Matched {
		t.Errorf("result = %+v, want unmatched", result)
	}
}

func TestConditionExecutor_SwitchMode(t *testing.T) {
	config := `{"mode":"switch","default":"other","rules":[
		{"field":"country","operator":"eq","value":"DE","output":"eu"},
		{"field":"country","operator":"eq","value":"US","output":"us"}]}`

	if result := runCondition(t, config, `{"country":"US"}`); result.Output != "us" {
		t.Errorf("output = %s, want us", result.Output)
	}
	if result := runCondition(t, config, `{"country":"JP"}`); result.Output != "other" || result.Matched {
		t.Errorf("result = %+v, want default/other", result)
	}
}

func TestConditionExecutor_ExpressionMode(t *testing.T) {
	config := `{"mode":"expression","expression":"status == \"active\" && score >= 80"}`

	if result := runCondition(t, config, `{"status":"active","score":91}`); !result.Matched {
		t.Errorf("result = %+v, want matched", result)
	}
	if result := runCondition(t, config, `{"status":"active","score":12}`); result.Matched {
		t.Errorf("result = %+v, want unmatched", result)
	}
}

func TestConditionExecutor_Operators(t *testing.T) {
	cases := []struct {
		name   string
		rule   string
		input  string
		expect bool
	}{
		{"contains", `{"field":"msg","operator":"contains","value":"err"}`, `{"msg":"fatal error"}`, true},
		{"in", `{"field":"env","operator":"in","value":["dev","staging"]}`, `{"env":"staging"}`, true},
		{"in miss", `{"field":"env","operator":"in","value":["dev"]}`, `{"env":"prod"}`, false},
		{"exists", `{"field":"user.id","operator":"exists"}`, `{"user":{"id":7}}`, true},
		{"exists miss", `{"field":"user.id","operator":"exists"}`, `{"user":{}}`, false},
		{"matches", `{"field":"sku","operator":"matches","value":"^AB-\\d+$"}`, `{"sku":"AB-123"}`, true},
		{"empty", `{"field":"note","operator":"empty"}`, `{"note":""}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := runCondition(t, `{"mode":"if","rules":[`+tc.rule+`]}`, tc.input)
			if result.Matched != tc.expect {
				t.Errorf("matched = %v, want %v", result.Matched, tc.expect)
			}
		})
	}
}

func TestConditionExecutor_BadConfig(t *testing.T) {
	e := NewConditionExecutor()
	resp, err := e.Execute(context.Background(), &ExecuteRequest{
		NodeID: "C",
		Config: json.RawMessage(`{"mode":"teleport"}`),
		Input:  json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Execute error = %v", err)
	}
	if resp.Error == nil || resp.Error.Type != ErrorTypeNonRetryable {
		t.Errorf("error = %+v, want non-retryable", resp.Error)
	}
}
