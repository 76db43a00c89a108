package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/bus"
)

// subagentReportEvents are the event kinds a subagent may tag a report
// with; an unrecognized or empty value falls back to "progress".
var subagentReportEvents = map[string]bool{
	"progress": true,
	"note":     true,
	"warning":  true,
	"error":    true,
	"complete": true,
}

// SubagentReportTool is how a running subagent talks to its parent agent
// without talking to the end user: Execute publishes a "system" inbound
// message back onto the bus, addressed to the task's origin chat, rather
// than delivering anything to a channel adapter directly.
type SubagentReportTool struct {
	bus           *bus.MessageBus
	taskID        string
	label         string
	originChannel string
	originChatID  string
}

func NewSubagentReportTool(b *bus.MessageBus, taskID, label, originChannel, originChatID string) *SubagentReportTool {
	return &SubagentReportTool{
		bus:           b,
		taskID:        taskID,
		label:         label,
		originChannel: originChannel,
		originChatID:  originChatID,
	}
}

func (t *SubagentReportTool) Name() string { return "subagent_report" }

func (t *SubagentReportTool) Description() string {
	return "Report progress or intermediate results back to the main agent (internal only). This does NOT message the user."
}

func (t *SubagentReportTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The update to send to the main agent",
			},
			"event": map[string]interface{}{
				"type":        "string",
				"description": "Event type: progress, note, warning, error, complete",
				"enum":        []string{"progress", "note", "warning", "error", "complete"},
			},
			"artifacts": map[string]interface{}{
				"type":        "array",
				"description": "Optional file paths produced by the subagent (images, outputs, etc.)",
				"items": map[string]interface{}{
					"type": "string",
				},
			},
		},
		"required": []string{"content"},
	}
}

func (t *SubagentReportTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	content, ok := args["content"].(string)
	if !ok || content == "" {
		return "", fmt.Errorf("content is required")
	}

	event := normalizeReportEvent(args["event"])
	body := appendArtifacts(content, extractArtifacts(args["artifacts"]))

	if t.bus != nil {
		t.publish(event, body)
	}

	return "Reported to main agent", nil
}

func normalizeReportEvent(raw interface{}) string {
	event, _ := raw.(string)
	if !subagentReportEvents[event] {
		return "progress"
	}
	return event
}

func extractArtifacts(raw interface{}) []string {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range arr {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func appendArtifacts(content string, artifacts []string) string {
	if len(artifacts) == 0 {
		return content
	}
	var sb strings.Builder
	sb.WriteString(content)
	sb.WriteString("\n\nArtifacts:\n")
	for _, p := range artifacts {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return strings.TrimSpace(sb.String())
}

func (t *SubagentReportTool) publish(event, content string) {
	metadata := map[string]string{
		"subagent_event":   event,
		"subagent_task_id": t.taskID,
	}
	if t.label != "" {
		metadata["subagent_label"] = t.label
	}

	t.bus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: fmt.Sprintf("subagent:%s", t.taskID),
		ChatID:   fmt.Sprintf("%s:%s", t.originChannel, t.originChatID),
		Content:  content,
		Metadata: metadata,
	})
}
