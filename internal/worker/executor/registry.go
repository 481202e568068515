package executor

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Aliases map the node type names workflow builders use onto canonical
// executor types.
var typeAliases = map[string]string{
	"http_request":    "http",
	"webhook_call":    "http",
	"logic_condition": "condition",
	"if":              "condition",
	"switch":          "condition",
	"wait":            "delay",
	"sleep":           "delay",
	"data_transform":  "transform",
	"mapper":          "transform",
	"output_log":      "log",
	"notification":    "slack",
	"trigger_manual":  "trigger",
	"trigger_webhook": "trigger",
	"trigger_cron":    "trigger",
	"manual":          "trigger",
	"webhook":         "trigger",
	"schedule":        "trigger",
}

// Registry resolves node types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// NewDefaultRegistry wires the standard executor set.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewHTTPExecutor())
	r.Register(NewConditionExecutor())
	r.Register(NewDelayExecutor())
	r.Register(NewTransformExecutor())
	r.Register(NewTriggerExecutor("trigger"))
	r.Register(NewSlackExecutor(""))
	r.Register(NewEmailExecutor("", 0, ""))
	r.Register(NewLogExecutor(logger))
	return r
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.NodeType()] = e
}

// Canonical resolves a node type alias to its canonical executor type.
// The decider uses the same resolution so a node aliased to condition
// branches at decision time too.
func Canonical(nodeType string) string {
	if canonical, ok := typeAliases[nodeType]; ok {
		return canonical
	}
	return nodeType
}

// Get resolves a node type, following aliases.
func (r *Registry) Get(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.executors[nodeType]; ok {
		return e, nil
	}
	if e, ok := r.executors[Canonical(nodeType)]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no executor registered for node type %q", nodeType)
}

// Types lists registered canonical types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
