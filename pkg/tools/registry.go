// Package tools implements the tool registry: the set of capabilities
// the agent loop can invoke by name, each described by a JSON-schema
// Parameters() map sent to the LM provider alongside the conversation.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// Tool is the capability every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry holds every tool available to the agent loop, plus an
// optional execution policy gating which of them may actually run.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	policy ToolExecutionPolicy
}

// NewToolRegistry returns an empty registry with no execution policy
// (every registered tool runs unrestricted until SetExecutionPolicy is
// called).
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own Name(). Re-registering an
// existing name keeps its position in List().
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// Get returns the tool registered under name, if any.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, in registration order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetExecutionPolicy installs (or replaces) the allow/deny policy Execute
// checks before running a tool.
func (r *ToolRegistry) SetExecutionPolicy(policy ToolExecutionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Execute runs a registered tool by name after checking the execution
// policy.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	policy := r.policy
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tool %s not found", name)
	}
	if err := policy.check(name); err != nil {
		return "", err
	}

	return tool.Execute(ctx, args)
}

// ExecuteWithContext runs a tool after stamping channel/chatID (and any
// trace ID carried on ctx) onto its arguments, so tools that need to know
// where they were invoked from (message, spawn, cron) can read it back via
// getExecutionContext without the caller threading it through every
// individual argument schema.
func (r *ToolRegistry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID string) (string, error) {
	traceID := TraceIDFromContext(ctx)
	return r.Execute(ctx, name, withExecutionContext(args, channel, chatID, traceID))
}

// GetProviderDefinitions renders every registered tool as the {type,
// function} shape the LM provider's Chat call expects, in registration
// order.
func (r *ToolRegistry) GetProviderDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
