package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/cron"
)

// CronExecutor is the agent-loop capability CronTool needs to run a job's
// message through the agent when the job isn't a direct-delivery job.
type CronExecutor interface {
	ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error)
}

// CronTool exposes schedule management (add/list/enable/disable/remove) as
// an agent tool, and doubles as the JobExecutor the cron.CronService calls
// back into when a job comes due.
type CronTool struct {
	service  *cron.CronService
	executor CronExecutor
	bus      *bus.MessageBus
}

func NewCronTool(service *cron.CronService, executor CronExecutor, messageBus *bus.MessageBus) *CronTool {
	return &CronTool{service: service, executor: executor, bus: messageBus}
}

func (t *CronTool) Name() string {
	return "cron"
}

func (t *CronTool) Description() string {
	return "Schedule, list, enable/disable, or remove reminders and recurring tasks. " +
		"Use action='add' with exactly one of at_seconds, every_seconds, or cron_expr."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "list", "enable", "disable", "remove"},
				"description": "Operation to perform",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The prompt or reminder text to run when the job fires (required for action=add)",
			},
			"at_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Fire once, this many seconds from now",
			},
			"every_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Fire repeatedly, every this many seconds",
			},
			"cron_expr": map[string]interface{}{
				"type":        "string",
				"description": "Fire on a crontab expression (5-field, minute hour day month weekday)",
			},
			"deliver": map[string]interface{}{
				"type":        "boolean",
				"description": "If true, send the message text directly to the channel/chat instead of running it through the agent",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Target channel; defaults to the channel this tool call was invoked from",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Target chat id; defaults to the chat this tool call was invoked from",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (required for action=enable/disable/remove)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	action, _ := args["action"].(string)

	switch strings.ToLower(action) {
	case "add":
		return t.add(args), nil
	case "list":
		return t.list(), nil
	case "enable":
		return t.setEnabled(args, true), nil
	case "disable":
		return t.setEnabled(args, false), nil
	case "remove":
		return t.remove(args), nil
	default:
		return "", fmt.Errorf("unknown cron action: %s", action)
	}
}

func (t *CronTool) add(args map[string]interface{}) string {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return "Error: message is required"
	}

	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	ctxChannel, ctxChatID := getExecutionContext(args)
	if channel == "" {
		channel = ctxChannel
	}
	if chatID == "" {
		chatID = ctxChatID
	}
	if channel == "" || chatID == "" {
		return "Error: no session context; cannot schedule a job without a channel and chat id"
	}

	schedule := cron.CronSchedule{}
	switch {
	case hasNumber(args, "at_seconds"):
		seconds := numberArg(args, "at_seconds")
		at := nowPlusSeconds(seconds)
		schedule.Kind = "at"
		schedule.AtMS = &at
	case hasString(args, "cron_expr"):
		schedule.Kind = "cron"
		schedule.Expr, _ = args["cron_expr"].(string)
	case hasNumber(args, "every_seconds"):
		every := int64(numberArg(args, "every_seconds") * 1000)
		schedule.Kind = "every"
		schedule.EveryMS = &every
	default:
		return "Error: one of at_seconds, every_seconds, or cron_expr is required"
	}

	deliver, _ := args["deliver"].(bool)

	job, err := t.service.AddJob(jobName(message), schedule, message, deliver, channel, chatID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}

	return fmt.Sprintf("Created job %s (id: %s)", job.Name, job.ID)
}

func (t *CronTool) list() string {
	jobs := t.service.ListJobs(true)
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}

	lines := make([]string, 0, len(jobs)+1)
	lines = append(lines, "Scheduled jobs:")
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		lines = append(lines, fmt.Sprintf("- %s (id: %s, %s): %s", j.Name, j.ID, status, j.Payload.Message))
	}
	return strings.Join(lines, "\n")
}

func (t *CronTool) setEnabled(args map[string]interface{}, enabled bool) string {
	jobID, _ := args["job_id"].(string)
	if strings.TrimSpace(jobID) == "" {
		return "Error: job_id is required"
	}

	job := t.service.EnableJob(jobID, enabled)
	if job == nil {
		return fmt.Sprintf("Error: job %s not found", jobID)
	}

	if enabled {
		return fmt.Sprintf("Job %s enabled", job.Name)
	}
	return fmt.Sprintf("Job %s disabled", job.Name)
}

func (t *CronTool) remove(args map[string]interface{}) string {
	jobID, _ := args["job_id"].(string)
	if strings.TrimSpace(jobID) == "" {
		return "Error: job_id is required"
	}

	if !t.service.RemoveJob(jobID) {
		return fmt.Sprintf("Error: job %s not found", jobID)
	}
	return fmt.Sprintf("Removed job %s", jobID)
}

// ExecuteJob is the cron.JobExecutor callback: direct-delivery jobs publish
// straight onto the bus, everything else runs through the agent under a
// per-job session key so follow-up turns stay isolated from the user's live
// conversation.
func (t *CronTool) ExecuteJob(ctx context.Context, job *cron.CronJob) string {
	if job.Payload.Deliver {
		t.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: job.Payload.Message,
		})
		return "ok"
	}

	if t.executor == nil {
		return "Error: no agent executor configured"
	}

	sessionKey := "cron-" + job.ID
	result, err := t.executor.ProcessDirectWithChannel(ctx, job.Payload.Message, sessionKey, job.Payload.Channel, job.Payload.To)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}

func jobName(message string) string {
	name := strings.TrimSpace(message)
	if len(name) > 40 {
		name = name[:40] + "..."
	}
	if name == "" {
		name = "reminder"
	}
	return name
}

func nowPlusSeconds(seconds float64) int64 {
	return timeNowMS() + int64(seconds*1000)
}

func hasNumber(args map[string]interface{}, key string) bool {
	_, ok := args[key].(float64)
	return ok
}

func hasString(args map[string]interface{}, key string) bool {
	v, ok := args[key].(string)
	return ok && strings.TrimSpace(v) != ""
}

func numberArg(args map[string]interface{}, key string) float64 {
	v, _ := args[key].(float64)
	return v
}
