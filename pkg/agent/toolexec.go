package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// executeToolsConcurrently runs a batch of tool calls, collecting results
// in call order and reporting per-tool progress on the bus. Dispatch is
// sequential unless al.maxParallelTools > 1: the model returns tool calls
// in dependency order (write-then-read is common), so parallel dispatch is
// opt-in and only safe when the caller knows the calls are independent.
// A statusNotifier covers the case where every tool in the batch is still
// running past al.statusDelay.
func (al *AgentLoop) executeToolsConcurrently(
	ctx context.Context,
	toolCalls []providers.ToolCall,
	iteration int,
	opts processOptions,
) []providers.Message {
	n := len(toolCalls)
	results := make([]providers.Message, n)

	sendProgress := opts.Channel != "system"
	var notifier *statusNotifier
	if al.statusDelay > 0 && sendProgress {
		notifier = newStatusNotifier(al.bus, opts.Channel, opts.ChatID, al.statusDelay)
		notifier.start(fmt.Sprintf("%d tools", n))
		defer notifier.stop()
	}

	workers := al.maxParallelTools
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	type job struct {
		index int
		call  providers.ToolCall
	}
	jobs := make(chan job, n)
	for i, tc := range toolCalls {
		jobs <- job{index: i, call: tc}
	}
	close(jobs)

	var completed int
	var progressMu sync.Mutex
	reportDone := func(idx int) {
		if !sendProgress || n <= 1 {
			return
		}
		progressMu.Lock()
		completed++
		msg := fmt.Sprintf("%s done (%d/%d)", toolCalls[idx].Name, completed, n)
		progressMu.Unlock()
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: opts.Channel,
			ChatID:  opts.ChatID,
			Content: msg,
		})
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = al.runToolCall(ctx, j.call, iteration, opts)
				reportDone(j.index)
			}
		}()
	}
	wg.Wait()

	return results
}

func (al *AgentLoop) runToolCall(ctx context.Context, tc providers.ToolCall, iteration int, opts processOptions) providers.Message {
	argsJSON, _ := json.Marshal(tc.Arguments)
	logger.InfoCF("agent", fmt.Sprintf("Tool call: %s(%s)", tc.Name, utils.Truncate(string(argsJSON), 200)),
		map[string]interface{}{
			"tool":      tc.Name,
			"iteration": iteration,
		})

	result, err := al.tools.ExecuteWithContext(ctx, tc.Name, tc.Arguments, opts.Channel, opts.ChatID)
	if err != nil {
		result = fmt.Sprintf("Error: %v", err)
	}

	return providers.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: tc.ID,
	}
}
