package providers

// ChatOptions collects the request tuning knobs shared across providers
// (sampling temperature, nucleus cutoff, output length cap) so callers don't
// each hand-build the generic options map Chat expects.
type ChatOptions struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// DefaultChatOptions returns a ChatOptions with a moderate temperature and
// no explicit token cap, suitable when a caller has no tuning opinion.
func DefaultChatOptions() ChatOptions {
	return ChatOptions{Temperature: 0.7}
}

// ToMap renders o as the generic options map providers.Chat accepts.
// Zero-value fields that providers would otherwise interpret as explicit
// overrides (MaxTokens, TopP) are left out rather than sent as 0.
func (o ChatOptions) ToMap() map[string]interface{} {
	opts := map[string]interface{}{
		"temperature": o.Temperature,
	}
	if o.MaxTokens > 0 {
		opts["max_tokens"] = o.MaxTokens
	}
	if o.TopP > 0 {
		opts["top_p"] = o.TopP
	}
	return opts
}
