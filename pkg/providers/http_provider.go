package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sipeed/picoclaw/pkg/auth"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

const (
	defaultMaxRetries    = 5
	defaultRetryBaseWait = 1 * time.Second
	defaultRetryMaxWait  = 60 * time.Second
	defaultRetryJitter   = 0.2
	defaultHTTPTimeout   = 2 * time.Minute
)

// HTTPProvider speaks the OpenAI-compatible chat/completions dialect over
// plain HTTP, with exponential-backoff retry for transient upstream errors.
// Most of the provider table (OpenRouter, Zhipu, Groq, Modal, VLLM, and the
// non-OAuth path of OpenAI/Anthropic) is just this type pointed at a
// different apiBase.
type HTTPProvider struct {
	apiKey        string
	apiBase       string
	httpClient    *http.Client
	maxRetries    int
	retryBaseWait time.Duration
	retryMaxWait  time.Duration
	retryJitter   float64
	randFloat     func() float64
	routing       map[string]interface{}
}

func NewHTTPProvider(apiKey, apiBase string) *HTTPProvider {
	return &HTTPProvider{
		apiKey:        apiKey,
		apiBase:       apiBase,
		maxRetries:    defaultMaxRetries,
		retryBaseWait: defaultRetryBaseWait,
		retryMaxWait:  defaultRetryMaxWait,
		retryJitter:   defaultRetryJitter,
		randFloat:     rand.Float64,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SetRouting sets the provider routing preferences (OpenRouter-specific).
// The map is passed as the "provider" object in the request body.
func (p *HTTPProvider) SetRouting(routing map[string]interface{}) {
	p.routing = routing
}

// SetAPIKey replaces the bearer token used on every subsequent request.
// Used by token-source-backed wrappers (e.g. CodexProvider) to refresh an
// OAuth token in place without rebuilding the retry/backoff state.
func (p *HTTPProvider) SetAPIKey(apiKey string) {
	p.apiKey = apiKey
}

// SetHTTPClient replaces the underlying http.Client, e.g. to install a
// RoundTripper that injects provider-specific headers beyond the bearer
// token this type already sets.
func (p *HTTPProvider) SetHTTPClient(client *http.Client) {
	if client != nil {
		p.httpClient = client
	}
}

// retryState tracks what the next wait should be based on the previous
// attempt's outcome: either a server-given Retry-After hint, or nothing
// (in which case computeRetryWait falls back to plain exponential backoff).
type retryState struct {
	lastErr   error
	afterHint time.Duration
	hasHint   bool
}

func (p *HTTPProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if p.apiBase == "" {
		return nil, fmt.Errorf("API base not configured")
	}

	jsonData, err := json.Marshal(buildChatRequestBody(messages, tools, model, options, p.routing))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var st retryState
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := p.waitBeforeRetry(ctx, attempt, &st); err != nil {
				return nil, err
			}
		}

		resp, retryable, err := p.attempt(ctx, jsonData)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}

		st.afterHint, st.hasHint = 0, false
		if rerr, ok := err.(*retryableHTTPErr); ok {
			st.lastErr = rerr.err
			st.afterHint, st.hasHint = rerr.retryAfter, rerr.hasRetryAfter
		} else {
			st.lastErr = err
		}
	}

	return nil, fmt.Errorf("LLM request failed after %d attempts: %w", p.maxRetries+1, st.lastErr)
}

// waitBeforeRetry logs and sleeps out the backoff before attempt, returning
// an error only if ctx is cancelled during the wait.
func (p *HTTPProvider) waitBeforeRetry(ctx context.Context, attempt int, st *retryState) error {
	retryAfterLog := ""
	if st.hasHint {
		retryAfterLog = st.afterHint.String()
	}
	wait := p.computeRetryWait(attempt, st.afterHint, st.hasHint)
	st.hasHint = false

	logger.WarnCF("provider", fmt.Sprintf("Retrying LLM request (attempt %d/%d)", attempt+1, p.maxRetries+1),
		map[string]interface{}{
			"wait":        wait.String(),
			"retry_after": retryAfterLog,
			"last_error":  fmt.Sprintf("%v", st.lastErr),
		})

	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled during retry wait: %w", ctx.Err())
	case <-time.After(wait):
		return nil
	}
}

// attempt runs one request/response cycle. The bool return reports whether
// a non-nil error is worth retrying; callers should stop on false.
func (p *HTTPProvider) attempt(ctx context.Context, jsonData []byte) (*LLMResponse, bool, error) {
	resp, err := p.doRequest(ctx, jsonData)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("failed to send request: %w", err)
		}
		return nil, true, err
	}

	retryAfter, hasRetryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	statusCode, body, err := p.readResponse(resp)
	if err != nil {
		return nil, true, err
	}

	if statusCode != http.StatusOK {
		apiErr := fmt.Errorf("API error (HTTP %d): %s", statusCode, utils.Truncate(string(body), 500))
		if isRetryableHTTPError(statusCode, body) {
			return nil, true, &retryableHTTPErr{err: apiErr, retryAfter: retryAfter, hasRetryAfter: hasRetryAfter}
		}
		return nil, false, apiErr
	}

	logger.DebugCF("provider", "Raw LLM response", map[string]interface{}{
		"status":     statusCode,
		"body_bytes": len(body),
		"body":       utils.Truncate(string(body), 2000),
	})

	llmResp, err := p.parseResponse(body)
	if err != nil {
		return nil, true, err
	}

	if p.shouldRetry(llmResp) {
		return nil, true, fmt.Errorf("empty or error response from LLM (finish_reason=%s)", llmResp.FinishReason)
	}

	return llmResp, false, nil
}

// retryableHTTPErr carries a Retry-After hint alongside the error so the
// caller's retry state can pick it up without a side channel.
type retryableHTTPErr struct {
	err           error
	retryAfter    time.Duration
	hasRetryAfter bool
}

func (e *retryableHTTPErr) Error() string { return e.err.Error() }
func (e *retryableHTTPErr) Unwrap() error { return e.err }

func buildChatRequestBody(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, routing map[string]interface{}) map[string]interface{} {
	body := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}

	if len(tools) > 0 {
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}

	if maxTokens, ok := options["max_tokens"].(int); ok {
		lowerModel := strings.ToLower(model)
		if strings.Contains(lowerModel, "glm") || strings.Contains(lowerModel, "o1") {
			body["max_completion_tokens"] = maxTokens
		} else {
			body["max_tokens"] = maxTokens
		}
	}

	if temperature, ok := options["temperature"].(float64); ok {
		body["temperature"] = temperature
	}

	if len(routing) > 0 {
		body["provider"] = routing
	}

	return body
}

func (p *HTTPProvider) computeRetryWait(attempt int, retryAfterHint time.Duration, hasRetryAfterHint bool) time.Duration {
	wait := p.retryBaseWait * time.Duration(1<<(attempt-1))
	if wait > p.retryMaxWait {
		wait = p.retryMaxWait
	}

	if !hasRetryAfterHint && p.retryJitter > 0 {
		wait = p.jitter(wait)
	}

	if hasRetryAfterHint {
		retryAfter := clampDuration(retryAfterHint, 0, p.retryMaxWait)
		if retryAfter > wait {
			wait = retryAfter
		}
	}

	return wait
}

func (p *HTTPProvider) jitter(wait time.Duration) time.Duration {
	rf := p.randFloat
	if rf == nil {
		rf = rand.Float64
	}
	factor := 1 + (rf()*2-1)*p.retryJitter
	if factor < 0 {
		factor = 0
	}
	wait = time.Duration(float64(wait) * factor)
	if wait <= 0 {
		wait = time.Millisecond
	}
	if wait > p.retryMaxWait {
		wait = p.retryMaxWait
	}
	return wait
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func isRetryableHTTPError(statusCode int, body []byte) bool {
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return true
	}

	// OpenRouter sometimes transiently returns HTTP 401 with
	// "User not found." even for valid credentials. Treat it as retryable.
	if statusCode == http.StatusUnauthorized {
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			if strings.Contains(strings.ToLower(payload.Error.Message), "user not found") {
				return true
			}
		}
		if strings.Contains(strings.ToLower(string(body)), "user not found") {
			return true
		}
	}

	return false
}

func parseRetryAfterHeader(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}

	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}

	return 0, false
}

// doRequest sends the HTTP request and returns the raw response.
func (p *HTTPProvider) doRequest(ctx context.Context, jsonData []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.httpClient.Do(req)
}

// readResponse reads the body and closes it, returning status code and body
// bytes. Leading/trailing whitespace is trimmed because some upstream
// providers (e.g. Friendli via OpenRouter) pad responses with newlines.
func (p *HTTPProvider) readResponse(resp *http.Response) (int, []byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	body = bytes.TrimFunc(body, unicode.IsSpace)
	return resp.StatusCode, body, nil
}

// shouldRetry reports whether resp is empty or broken in a way worth
// retrying rather than returning to the caller.
func (p *HTTPProvider) shouldRetry(resp *LLMResponse) bool {
	if strings.EqualFold(resp.FinishReason, "error") {
		return true
	}
	return resp.Content == "" && len(resp.ToolCalls) == 0
}

type rawAPIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

func (p *HTTPProvider) parseResponse(body []byte) (*LLMResponse, error) {
	var apiResponse rawAPIResponse
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		logger.WarnCF("provider", "LLM returned 0 choices", map[string]interface{}{
			"body_preview": utils.Truncate(string(body), 500),
		})
		return &LLMResponse{Content: "", FinishReason: "stop"}, nil
	}

	choice := apiResponse.Choices[0]
	if choice.Message.Content == "" && len(choice.Message.ToolCalls) == 0 {
		logger.WarnCF("provider", "LLM returned empty content with no tool calls", map[string]interface{}{
			"finish_reason": choice.FinishReason,
			"body_preview":  utils.Truncate(string(body), 500),
		})
	}

	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, decodeToolCall(tc.ID, tc.Type, tc.Function))
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage:        apiResponse.Usage,
	}, nil
}

func decodeToolCall(id, _ string, fn *struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}) ToolCall {
	arguments := make(map[string]interface{})
	name := ""
	rawArgs := ""

	// Both the OpenAI "type":"function" shape and the legacy shape without
	// a type field carry the same nested function object.
	if fn != nil {
		name = fn.Name
		rawArgs = fn.Arguments
		if fn.Arguments != "" {
			if err := json.Unmarshal([]byte(fn.Arguments), &arguments); err != nil {
				arguments["raw"] = fn.Arguments
			}
		}
	}

	return ToolCall{
		ID:        id,
		Type:      "function",
		Function:  &FunctionCall{Name: name, Arguments: rawArgs},
		Name:      name,
		Arguments: arguments,
	}
}

func (p *HTTPProvider) GetDefaultModel() string {
	return ""
}

func createClaudeAuthProvider() (LLMProvider, error) {
	cred, err := auth.GetCredential("anthropic")
	if err != nil {
		return nil, fmt.Errorf("loading auth credentials: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("no credentials for anthropic. Run: picoclaw auth login --provider anthropic")
	}
	return NewClaudeProviderWithTokenSource(cred.AccessToken, createClaudeTokenSource()), nil
}

func createCodexAuthProvider() (LLMProvider, error) {
	cred, err := auth.GetCredential("openai")
	if err != nil {
		return nil, fmt.Errorf("loading auth credentials: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("no credentials for openai. Run: picoclaw auth login --provider openai")
	}
	return NewCodexProviderWithTokenSource(cred.AccessToken, cred.AccountID, createCodexTokenSource()), nil
}

// providerEndpoint is one entry in the model-name routing table CreateProvider
// consults in order; the first entry whose matches predicate passes is used,
// even when its resolve returns an empty apiKey or apiBase.
type providerEndpoint struct {
	name    string
	matches func(model, lowerModel string, cfg *config.Config) bool
	resolve func(cfg *config.Config) (apiKey, apiBase string, routing map[string]interface{}, authProvider func() (LLMProvider, error))
}

var providerEndpoints = []providerEndpoint{
	{
		name: "openrouter-prefix",
		matches: func(model, _ string, _ *config.Config) bool {
			for _, prefix := range []string{"openrouter/", "anthropic/", "openai/", "meta-llama/", "deepseek/", "google/"} {
				if strings.HasPrefix(model, prefix) {
					return true
				}
			}
			return false
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			return cfg.Providers.OpenRouter.APIKey, openRouterBase(cfg), cfg.Providers.OpenRouter.Routing, nil
		},
	},
	{
		name: "anthropic",
		matches: func(model, lowerModel string, cfg *config.Config) bool {
			return (strings.Contains(lowerModel, "claude") || strings.HasPrefix(model, "anthropic/")) &&
				(cfg.Providers.Anthropic.APIKey != "" || cfg.Providers.Anthropic.AuthMethod != "")
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			if cfg.Providers.Anthropic.AuthMethod == "oauth" || cfg.Providers.Anthropic.AuthMethod == "token" {
				return "", "", nil, createClaudeAuthProvider
			}
			apiBase := cfg.Providers.Anthropic.APIBase
			if apiBase == "" {
				apiBase = "https://api.anthropic.com/v1"
			}
			return cfg.Providers.Anthropic.APIKey, apiBase, nil, nil
		},
	},
	{
		name: "openai",
		matches: func(model, lowerModel string, cfg *config.Config) bool {
			return (strings.Contains(lowerModel, "gpt") || strings.HasPrefix(model, "openai/")) &&
				(cfg.Providers.OpenAI.APIKey != "" || cfg.Providers.OpenAI.AuthMethod != "")
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			if cfg.Providers.OpenAI.AuthMethod == "oauth" || cfg.Providers.OpenAI.AuthMethod == "token" {
				return "", "", nil, createCodexAuthProvider
			}
			apiBase := cfg.Providers.OpenAI.APIBase
			if apiBase == "" {
				apiBase = "https://api.openai.com/v1"
			}
			return cfg.Providers.OpenAI.APIKey, apiBase, nil, nil
		},
	},
	{
		name: "gemini",
		matches: func(model, lowerModel string, cfg *config.Config) bool {
			return (strings.Contains(lowerModel, "gemini") || strings.HasPrefix(model, "google/")) && cfg.Providers.Gemini.APIKey != ""
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			apiBase := cfg.Providers.Gemini.APIBase
			if apiBase == "" {
				apiBase = "https://generativelanguage.googleapis.com/v1beta"
			}
			return cfg.Providers.Gemini.APIKey, apiBase, nil, nil
		},
	},
	{
		name: "zhipu",
		matches: func(_ string, lowerModel string, cfg *config.Config) bool {
			return (strings.Contains(lowerModel, "glm") || strings.Contains(lowerModel, "zhipu") || strings.Contains(lowerModel, "zai")) && cfg.Providers.Zhipu.APIKey != ""
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			apiBase := cfg.Providers.Zhipu.APIBase
			if apiBase == "" {
				apiBase = "https://open.bigmodel.cn/api/paas/v4"
			}
			return cfg.Providers.Zhipu.APIKey, apiBase, nil, nil
		},
	},
	{
		name: "groq",
		matches: func(model, lowerModel string, cfg *config.Config) bool {
			return (strings.Contains(lowerModel, "groq") || strings.HasPrefix(model, "groq/")) && cfg.Providers.Groq.APIKey != ""
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			apiBase := cfg.Providers.Groq.APIBase
			if apiBase == "" {
				apiBase = "https://api.groq.com/openai/v1"
			}
			return cfg.Providers.Groq.APIKey, apiBase, nil, nil
		},
	},
	{
		name: "modal",
		matches: func(_ string, lowerModel string, cfg *config.Config) bool {
			return (strings.Contains(lowerModel, "glm-5") || strings.HasPrefix(lowerModel, "zai-org/")) && cfg.Providers.Modal.APIKey != ""
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			apiBase := cfg.Providers.Modal.APIBase
			if apiBase == "" {
				apiBase = "https://api.us-west-2.modal.direct/v1"
			}
			return cfg.Providers.Modal.APIKey, apiBase, nil, nil
		},
	},
	{
		name: "vllm",
		matches: func(_, _ string, cfg *config.Config) bool {
			return cfg.Providers.VLLM.APIBase != ""
		},
		resolve: func(cfg *config.Config) (string, string, map[string]interface{}, func() (LLMProvider, error)) {
			return cfg.Providers.VLLM.APIKey, cfg.Providers.VLLM.APIBase, nil, nil
		},
	},
}

func openRouterBase(cfg *config.Config) string {
	if cfg.Providers.OpenRouter.APIBase != "" {
		return cfg.Providers.OpenRouter.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

// CreateProvider picks an LLMProvider for cfg.Agents.Defaults.Model by
// walking providerEndpoints in order and using the first one whose matches
// predicate passes. An OpenRouter-backed fallback covers any model name that
// none of the specific endpoints recognize.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	model := cfg.Agents.Defaults.Model
	lowerModel := strings.ToLower(model)

	var apiKey, apiBase string
	var routing map[string]interface{}

	matched := false
	for _, ep := range providerEndpoints {
		if !ep.matches(model, lowerModel, cfg) {
			continue
		}
		matched = true
		var authProvider func() (LLMProvider, error)
		apiKey, apiBase, routing, authProvider = ep.resolve(cfg)
		if authProvider != nil {
			return authProvider()
		}
		break
	}

	if !matched {
		if cfg.Providers.OpenRouter.APIKey == "" {
			return nil, fmt.Errorf("no API key configured for model: %s", model)
		}
		apiKey = cfg.Providers.OpenRouter.APIKey
		apiBase = openRouterBase(cfg)
		routing = cfg.Providers.OpenRouter.Routing
	}

	if apiKey == "" && !strings.HasPrefix(model, "bedrock/") {
		return nil, fmt.Errorf("no API key configured for provider (model: %s)", model)
	}
	if apiBase == "" {
		return nil, fmt.Errorf("no API base configured for provider (model: %s)", model)
	}

	p := NewHTTPProvider(apiKey, apiBase)
	if len(routing) > 0 {
		p.SetRouting(routing)
	}
	return p, nil
}
