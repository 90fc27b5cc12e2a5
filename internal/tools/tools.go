// Package tools implements the tool executor: named capabilities the
// assistant engine can request mid-run. Tool failures are returned to the
// engine as structured JSON error payloads; a tool call never aborts a run.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/threadworks/scrivener/internal/observability"
)

// Tool is one named capability exposed to the assistant.
type Tool interface {
	// Name returns the tool's function name as declared in the assistant's
	// tool schema.
	Name() string

	// Description returns the human-readable description for the schema.
	Description() string

	// Parameters returns the JSON schema of the tool's arguments.
	Parameters() map[string]any

	// Execute runs the tool with the raw JSON argument payload and returns a
	// JSON string: either the provider result or an {"error": ...} payload.
	// It never panics and never returns invalid JSON.
	Execute(ctx context.Context, rawArgs string) string
}

// Registry holds registered tools and dispatches execution by name.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// All returns the registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		all = append(all, tool)
	}
	return all
}

// Execute runs the named tool with the raw argument payload. The result is
// always a JSON string; an unknown tool name yields an error payload so the
// engine's tool-output batch stays complete.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string) string {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", name)
		r.metrics.ToolExecutions.WithLabelValues(name, "error").Inc()
		return errorPayload("failed to call tool")
	}

	start := time.Now()
	result := tool.Execute(ctx, rawArgs)
	r.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	status := "success"
	if isErrorPayload(result) {
		status = "error"
	}
	r.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
	return result
}

func errorPayload(message string) string {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return string(payload)
}

func isErrorPayload(result string) bool {
	var probe struct {
		Error string `json:"error"`
	}
	return json.Unmarshal([]byte(result), &probe) == nil && probe.Error != ""
}
