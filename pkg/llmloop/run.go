package llmloop

import (
	"context"
	"time"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// Hooks are optional callbacks Run invokes at each stage of an iteration,
// letting a caller (the agent loop) observe progress, stream partial
// output, or log without Run itself knowing anything about channels or
// logging.
type Hooks struct {
	BeforeLLMCall      func(iteration int, messages []providers.Message, toolDefs []providers.ToolDefinition)
	MessagesBudgeted   func(iteration int, stats providers.MessageBudgetStats)
	LLMCallFailed      func(iteration int, err error)
	ToolCallsRequested func(iteration int, toolCalls []providers.ToolCall)
	DirectResponse     func(iteration int, content string)
	AssistantMessage   func(iteration int, msg providers.Message)
	ToolResultMessage  func(iteration int, msg providers.Message)
}

// RunOptions configures a single Run call.
type RunOptions struct {
	Provider      providers.LLMProvider
	Model         string
	MaxIterations int
	LLMTimeout    time.Duration
	ChatOptions   map[string]interface{}
	MessageBudget providers.MessageBudget
	Messages      []providers.Message

	BuildToolDefs func(iteration int, messages []providers.Message) []providers.ToolDefinition
	ExecuteTools  func(ctx context.Context, toolCalls []providers.ToolCall, iteration int) []providers.Message

	Hooks Hooks
}

// RunResult is what a completed (or exhausted) Run call produced.
type RunResult struct {
	Messages     []providers.Message
	FinalContent string
	Iterations   int
	Exhausted    bool
}

// Run drives the think/act loop shared by the agent loop and subagents:
// call the model, and if it asks for tools, execute them and feed the
// results back in, up to MaxIterations times. Exhausted is true only if
// the loop ran out of iterations while the model was still requesting
// tools; a direct text reply at any iteration ends the loop with
// Exhausted=false.
func Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	result := RunResult{
		Messages:  append([]providers.Message(nil), opts.Messages...),
		Exhausted: true,
	}

	for iteration := 1; iteration <= opts.MaxIterations; iteration++ {
		result.Iterations = iteration

		resp, err := callModel(ctx, opts, iteration, result.Messages)
		if err != nil {
			if opts.Hooks.LLMCallFailed != nil {
				opts.Hooks.LLMCallFailed(iteration, err)
			}
			return result, err
		}

		if len(resp.ToolCalls) == 0 {
			result.FinalContent = resp.Content
			result.Exhausted = false
			if opts.Hooks.DirectResponse != nil {
				opts.Hooks.DirectResponse(iteration, result.FinalContent)
			}
			return result, nil
		}

		if opts.Hooks.ToolCallsRequested != nil {
			opts.Hooks.ToolCallsRequested(iteration, resp.ToolCalls)
		}

		assistantMsg := providers.AssistantMessageFromResponse(resp)
		result.Messages = append(result.Messages, assistantMsg)
		if opts.Hooks.AssistantMessage != nil {
			opts.Hooks.AssistantMessage(iteration, assistantMsg)
		}

		result.Messages = append(result.Messages, runToolsForIteration(ctx, opts, iteration, resp.ToolCalls)...)
	}

	return result, nil
}

// callModel applies the message budget (if enabled) and issues the Chat
// call for this iteration.
func callModel(ctx context.Context, opts RunOptions, iteration int, history []providers.Message) (*providers.LLMResponse, error) {
	requestMessages := history
	if opts.MessageBudget.Enabled() {
		budgeted, stats := providers.ApplyMessageBudget(history, opts.MessageBudget)
		requestMessages = budgeted
		if opts.Hooks.MessagesBudgeted != nil && stats.Changed() {
			opts.Hooks.MessagesBudgeted(iteration, stats)
		}
	}

	var toolDefs []providers.ToolDefinition
	if opts.BuildToolDefs != nil {
		toolDefs = opts.BuildToolDefs(iteration, requestMessages)
	}

	if opts.Hooks.BeforeLLMCall != nil {
		opts.Hooks.BeforeLLMCall(iteration, requestMessages, toolDefs)
	}

	return providers.ChatWithTimeout(ctx, opts.LLMTimeout, opts.Provider, requestMessages, toolDefs, opts.Model, opts.ChatOptions)
}

// runToolsForIteration executes the model's requested tool calls (if a
// handler is configured) and fires ToolResultMessage for each result.
func runToolsForIteration(ctx context.Context, opts RunOptions, iteration int, toolCalls []providers.ToolCall) []providers.Message {
	if opts.ExecuteTools == nil {
		return nil
	}

	results := opts.ExecuteTools(ctx, toolCalls, iteration)
	if opts.Hooks.ToolResultMessage != nil {
		for _, tr := range results {
			opts.Hooks.ToolResultMessage(iteration, tr)
		}
	}
	return results
}
