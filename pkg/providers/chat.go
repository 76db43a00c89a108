package providers

import (
	"context"
	"fmt"
	"time"
)

// ChatWithTimeout calls provider.Chat under an optional per-call deadline.
// timeout <= 0 leaves ctx's existing deadline (if any) untouched. A timeout
// that actually fires is reported as a distinct error rather than the raw
// context.DeadlineExceeded, so callers upstream can tell a budget timeout
// apart from a cancelled request.
func ChatWithTimeout(
	ctx context.Context,
	timeout time.Duration,
	provider LLMProvider,
	messages []Message,
	tools []ToolDefinition,
	model string,
	options map[string]interface{},
) (*LLMResponse, error) {
	if timeout <= 0 {
		return provider.Chat(ctx, messages, tools, model, options)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := provider.Chat(callCtx, messages, tools, model, options)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, fmt.Errorf("chat call exceeded %s timeout: %w", timeout, err)
	}
	return resp, err
}
