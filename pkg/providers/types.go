package providers

import "context"

// Message is a single LM-formatted conversation turn.
//
// ToolCalls is populated on assistant turns that request tool execution.
// ToolCallID/Name are populated on "tool" role turns carrying a result.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// FunctionCall is the wire-protocol shape of a tool call's function payload:
// Arguments is always a JSON-encoded string here, matching what LM providers
// expect inside an assistant-with-tool-calls turn.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is the internal, already-decoded representation used by the agent
// loop and tool registry: Arguments is a parsed map, while Function carries
// the raw JSON-string form required when re-serializing the assistant turn.
type ToolCall struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Function  *FunctionCall          `json:"function,omitempty"`
}

// ToolFunctionDefinition is the JSON-schema-style descriptor for a single tool,
// as sent to the LM provider.
type ToolFunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolDefinition wraps a ToolFunctionDefinition in the {type, function} shape
// most chat-completions-style providers expect.
type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

// UsageInfo reports token accounting for a single LM call, when the provider
// supplies it.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the normalized result of a single provider.Chat call.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *UsageInfo
}

// HasToolCalls reports whether the response requests tool execution.
func (r *LLMResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// LLMProvider is the interface the agent loop and subagent manager depend on.
// Implementations may be a thin HTTP client over an OpenAI-compatible
// chat-completions endpoint (HTTPProvider) or a native SDK client
// (ClaudeProvider).
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// EmbeddingProvider is implemented by providers that can turn text into
// vectors for the memory consolidator and context builder's recall queries.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// StreamCallback receives incremental content chunks during a streaming chat
// call.
type StreamCallback func(chunk string)

// StreamingProvider is an optional capability a provider may implement;
// callers should type-assert LLMProvider to this interface.
type StreamingProvider interface {
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error)
}

// ToolResultMessage builds a "tool" role turn carrying a tool's output.
func ToolResultMessage(toolCallID, content string) Message {
	return Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: toolCallID,
	}
}

// AssistantMessageFromResponse builds the assistant-with-tool-calls turn to
// append to history after a provider response requests tool execution.
func AssistantMessageFromResponse(resp *LLMResponse) Message {
	return Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}
}
