package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConditionExecutor evaluates branching nodes. The node's output carries the
// selected branch name; downstream edges with a matching source handle stay
// live, the rest go dead.
type ConditionExecutor struct{}

func NewConditionExecutor() *ConditionExecutor { return &ConditionExecutor{} }

func (e *ConditionExecutor) NodeType() string { return "condition" }

type conditionRule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	Output   string `json:"output,omitempty"`
}

type conditionConfig struct {
	// Mode "if" evaluates Rules with Combinator and selects true/false.
	// Mode "switch" selects the first matching rule's output.
	// Mode "expression" evaluates Expression against the input.
	Mode       string          `json:"mode"`
	Rules      []conditionRule `json:"rules,omitempty"`
	Combinator string          `json:"combinator,omitempty"`
	Expression string          `json:"expression,omitempty"`
	Default    string          `json:"default,omitempty"`
}

type conditionResult struct {
	Matched     bool            `json:"matched"`
	Output      string          `json:"output"`
	MatchedRule int             `json:"matched_rule,omitempty"`
	Results     []bool          `json:"results,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

func (e *ConditionExecutor) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	start := time.Now()

	var config conditionConfig
	if err := json.Unmarshal(req.Config, &config); err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("invalid condition config: %v", err),
			Duration: time.Since(start),
		}, nil
	}
	if config.Mode == "" {
		config.Mode = "if"
	}

	var input map[string]any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return &ExecuteResponse{
				Error:    nonRetryableError("condition input is not an object: %v", err),
				Duration: time.Since(start),
			}, nil
		}
	}

	var result *conditionResult
	var err error
	switch config.Mode {
	case "if":
		result, err = evaluateIf(&config, input)
	case "switch":
		result, err = evaluateSwitch(&config, input)
	case "expression":
		result, err = evaluateExpression(config.Expression, input)
	default:
		err = fmt.Errorf("unknown condition mode %q", config.Mode)
	}
	if err != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("%v", err),
			Duration: time.Since(start),
		}, nil
	}

	result.Input = req.Input
	output, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return &ExecuteResponse{
			Error:    nonRetryableError("encode condition result: %v", marshalErr),
			Duration: time.Since(start),
		}, nil
	}
	return &ExecuteResponse{Output: output, Duration: time.Since(start)}, nil
}

func evaluateIf(config *conditionConfig, input map[string]any) (*conditionResult, error) {
	if len(config.Rules) == 0 {
		return nil, fmt.Errorf("if mode requires rules")
	}
	combinator := config.Combinator
	if combinator == "" {
		combinator = "and"
	}

	results := make([]bool, len(config.Rules))
	for i, rule := range config.Rules {
		matched, err := evaluateRule(&rule, input)
		if err != nil {
			return nil, err
		}
		results[i] = matched
	}

	matched := combinator == "and"
	for _, r := range results {
		if combinator == "and" {
			matched = matched && r
		} else {
			matched = matched || r
		}
	}

	output := "false"
	if matched {
		output = "true"
	}
	return &conditionResult{Matched: matched, Output: output, Results: results}, nil
}

func evaluateSwitch(config *conditionConfig, input map[string]any) (*conditionResult, error) {
	if len(config.Rules) == 0 {
		return nil, fmt.Errorf("switch mode requires rules")
	}
	for i, rule := range config.Rules {
		matched, err := evaluateRule(&rule, input)
		if err != nil {
			return nil, err
		}
		if matched {
			output := rule.Output
			if output == "" {
				output = strconv.Itoa(i)
			}
			return &conditionResult{Matched: true, Output: output, MatchedRule: i}, nil
		}
	}
	fallback := config.Default
	if fallback == "" {
		fallback = "default"
	}
	return &conditionResult{Matched: false, Output: fallback}, nil
}

// evaluateExpression supports comparisons joined by && or || with
// left-to-right evaluation, which covers the expressions workflows use.
func evaluateExpression(expr string, input map[string]any) (*conditionResult, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression mode requires expression")
	}

	evalClause := func(clause string) (bool, error) {
		for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
			if left, right, found := strings.Cut(clause, op); found {
				rule := conditionRule{
					Field:    strings.TrimSpace(left),
					Operator: operatorForSymbol(op),
					Value:    parseLiteral(strings.TrimSpace(right)),
				}
				return evaluateRule(&rule, input)
			}
		}
		// A bare field name tests truthiness.
		value, exists := fieldValue(input, strings.TrimSpace(clause))
		return exists && truthy(value), nil
	}

	matched := false
	for _, orPart := range strings.Split(expr, "||") {
		andMatched := true
		for _, clause := range strings.Split(orPart, "&&") {
			ok, err := evalClause(clause)
			if err != nil {
				return nil, err
			}
			andMatched = andMatched && ok
		}
		matched = matched || andMatched
	}

	output := "false"
	if matched {
		output = "true"
	}
	return &conditionResult{Matched: matched, Output: output}, nil
}

func operatorForSymbol(symbol string) string {
	switch symbol {
	case "==":
		return "eq"
	case "!=":
		return "ne"
	case ">":
		return "gt"
	case ">=":
		return "gte"
	case "<":
		return "lt"
	case "<=":
		return "lte"
	}
	return symbol
}

func parseLiteral(raw string) any {
	raw = strings.Trim(raw, `"'`)
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

func evaluateRule(rule *conditionRule, input map[string]any) (bool, error) {
	value, exists := fieldValue(input, rule.Field)

	switch rule.Operator {
	case "exists":
		return exists, nil
	case "not_exists":
		return !exists, nil
	case "empty":
		return !exists || !truthy(value), nil
	case "eq", "":
		return exists && compareValues(value, rule.Value) == 0, nil
	case "ne":
		return !exists || compareValues(value, rule.Value) != 0, nil
	case "gt":
		return exists && compareValues(value, rule.Value) > 0, nil
	case "gte":
		return exists && compareValues(value, rule.Value) >= 0, nil
	case "lt":
		return exists && compareValues(value, rule.Value) < 0, nil
	case "lte":
		return exists && compareValues(value, rule.Value) <= 0, nil
	case "contains":
		return exists && strings.Contains(stringify(value), stringify(rule.Value)), nil
	case "not_contains":
		return !exists || !strings.Contains(stringify(value), stringify(rule.Value)), nil
	case "in":
		list, ok := rule.Value.([]any)
		if !ok {
			return false, fmt.Errorf("in operator requires a list value")
		}
		for _, candidate := range list {
			if exists && compareValues(value, candidate) == 0 {
				return true, nil
			}
		}
		return false, nil
	case "matches":
		pattern, ok := rule.Value.(string)
		if !ok {
			return false, fmt.Errorf("matches operator requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %v", pattern, err)
		}
		return exists && re.MatchString(stringify(value)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", rule.Operator)
	}
}

// fieldValue resolves dot-notation paths like "user.address.city".
func fieldValue(input map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = input
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// compareValues returns -1/0/1, comparing numerically when both sides look
// numeric and as strings otherwise.
func compareValues(a, b any) int {
	an, aok := toFloat(a)
	bn, bok := toFloat(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case nil:
		return false
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
