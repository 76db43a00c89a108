package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// ExecuteToolCallsOptions tunes a single ExecuteToolCalls batch.
type ExecuteToolCallsOptions struct {
	Channel     string
	ChatID      string
	Timeout     time.Duration // per-call timeout; <=0 means no extra timeout
	MaxParallel int           // <=0 means sequential (one call at a time)

	LogComponent string // default: "tool"
	Iteration    int

	OnToolComplete func(completed, total, index int, call providers.ToolCall, result providers.Message)
}

// toolJob pairs a call with its position in the batch, so a fixed-size
// worker pool can report results back in the caller's original order.
type toolJob struct {
	index int
	call  providers.ToolCall
}

// ExecuteToolCalls runs a batch of tool calls across a bounded worker pool
// and returns their results in the same order the calls were given, even
// though completion order may differ. A panicking tool is recovered and
// reported as an error result rather than crashing the batch.
func (r *ToolRegistry) ExecuteToolCalls(
	ctx context.Context,
	toolCalls []providers.ToolCall,
	opts ExecuteToolCallsOptions,
) []providers.Message {
	total := len(toolCalls)
	if total == 0 {
		return nil
	}

	component := opts.LogComponent
	if component == "" {
		component = "tool"
	}

	workers := opts.MaxParallel
	if workers <= 0 {
		workers = 1
	}
	if workers > total {
		workers = total
	}

	jobs := make(chan toolJob, total)
	for i, tc := range toolCalls {
		jobs <- toolJob{index: i, call: tc}
	}
	close(jobs)

	results := make([]providers.Message, total)
	completedCount := 0
	var progressMu sync.Mutex

	reportProgress := func(idx int) {
		if opts.OnToolComplete == nil {
			return
		}
		progressMu.Lock()
		completedCount++
		n := completedCount
		progressMu.Unlock()
		opts.OnToolComplete(n, total, idx, toolCalls[idx], results[idx])
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results[job.index] = r.runOneToolCall(ctx, job.call, component, opts)
				reportProgress(job.index)
			}
		}()
	}
	wg.Wait()

	return results
}

// runOneToolCall executes a single call, applying opts.Timeout and
// recovering a panic into an error result.
func (r *ToolRegistry) runOneToolCall(ctx context.Context, tc providers.ToolCall, component string, opts ExecuteToolCallsOptions) (msg providers.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF(component, "Recovered panic in tool execution", map[string]interface{}{
				"tool":      tc.Name,
				"iteration": opts.Iteration,
				"panic":     fmt.Sprintf("%v", rec),
			})
			msg = providers.ToolResultMessage(tc.ID, fmt.Sprintf("Error: tool %s panicked: %v", tc.Name, rec))
		}
	}()

	if ctx.Err() != nil {
		return providers.ToolResultMessage(tc.ID, fmt.Sprintf("Error: %v", ctx.Err()))
	}

	argsJSON, _ := json.Marshal(tc.Arguments)
	logger.InfoCF(component, fmt.Sprintf("Tool call: %s(%s)", tc.Name, utils.Truncate(string(argsJSON), 200)),
		map[string]interface{}{
			"tool":      tc.Name,
			"iteration": opts.Iteration,
		})

	callCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	result, err := r.ExecuteWithContext(callCtx, tc.Name, tc.Arguments, opts.Channel, opts.ChatID)
	cancel()
	if err != nil {
		result = fmt.Sprintf("Error: %v", err)
	}

	return providers.ToolResultMessage(tc.ID, result)
}
