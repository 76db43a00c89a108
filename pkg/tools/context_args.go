package tools

// Execution context (channel, chat ID, trace ID) rides along inside a
// tool's argument map under these reserved keys, since the Tool interface's
// Execute method only accepts a plain args map. Keys are prefixed with a
// double underscore so they never collide with a real tool parameter name.
const (
	execContextChannelKey = "__context_channel"
	execContextChatIDKey  = "__context_chat_id"
	execContextTraceIDKey = "__context_trace_id"
)

// withExecutionContext returns args with channel/chatID/traceID merged in
// under the reserved keys, cloning the map so the caller's original args
// are left untouched. Returns args unmodified if there's nothing to add.
func withExecutionContext(args map[string]interface{}, channel, chatID, traceID string) map[string]interface{} {
	if channel == "" && chatID == "" && traceID == "" {
		return args
	}

	merged := make(map[string]interface{}, len(args)+3)
	for k, v := range args {
		merged[k] = v
	}
	for key, value := range map[string]string{
		execContextChannelKey: channel,
		execContextChatIDKey:  chatID,
		execContextTraceIDKey: traceID,
	} {
		if value != "" {
			merged[key] = value
		}
	}
	return merged
}

// getExecutionContext reads back the channel/chatID pair stashed by
// withExecutionContext, defaulting to empty strings if absent.
func getExecutionContext(args map[string]interface{}) (channel, chatID string) {
	channel, _ = args[execContextChannelKey].(string)
	chatID, _ = args[execContextChatIDKey].(string)
	return channel, chatID
}

// getExecutionTraceID reads back the trace ID stashed by
// withExecutionContext, defaulting to the empty string if absent.
func getExecutionTraceID(args map[string]interface{}) string {
	traceID, _ := args[execContextTraceIDKey].(string)
	return traceID
}
