package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/utils"
)

type SpawnTool struct {
	manager *SubagentManager

	mu             sync.RWMutex
	defaultChannel string
	defaultChatID  string
}

func NewSpawnTool(manager *SubagentManager) *SpawnTool {
	return &SpawnTool{
		manager: manager,
	}
}

// SetContext records a default origin channel/chatID for spawned subagents
// when neither the tool call's arguments nor its injected execution context
// name one.
func (t *SpawnTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultChannel = channel
	t.defaultChatID = chatID
}

func (t *SpawnTool) Name() string {
	return "spawn"
}

func (t *SpawnTool) Description() string {
	return "Manage background subagent tasks. Use action='spawn' for long multi-step or skill-based work (e.g. image generation, complex builds, research). Use action='spawn_batch' to run several tasks concurrently and wait for all of them. Use action='status' to check one task, action='list' to view tasks, action='cancel' to stop a running task, and action='capacity' to see free subagent slots."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"spawn", "spawn_batch", "status", "list", "cancel", "capacity"},
				"description": "Operation to perform. Defaults to 'spawn' if omitted.",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Task for subagent to complete (required for action='spawn')",
			},
			"tasks": map[string]interface{}{
				"type":        "array",
				"description": "For action='spawn_batch': list of tasks, each either a string or an object {task, label}",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"task":  map[string]interface{}{"type": "string"},
						"label": map[string]interface{}{"type": "string"},
					},
				},
			},
			"timeout_s": map[string]interface{}{
				"type":        "number",
				"description": "For action='spawn_batch': seconds to wait for all tasks before giving up (default 300)",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Optional short label for the task (for display)",
			},
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task ID (required for action='status' and action='cancel')",
			},
			"registry_task_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional external task-registry ID to associate with this subagent",
			},
			"include_completed": map[string]interface{}{
				"type":        "boolean",
				"description": "For action='list': include completed/failed/cancelled tasks (default false)",
			},
		},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	action, _ := args["action"].(string)
	if action == "" {
		action = "spawn"
	}

	switch strings.ToLower(action) {
	case "spawn":
		task, ok := args["task"].(string)
		if !ok || strings.TrimSpace(task) == "" {
			return "", fmt.Errorf("task is required for action=spawn")
		}

		label, _ := args["label"].(string)
		registryTaskID, _ := args["registry_task_id"].(string)
		originChannel, originChatID := getExecutionContext(args)
		t.mu.RLock()
		if originChannel == "" {
			originChannel = t.defaultChannel
		}
		if originChatID == "" {
			originChatID = t.defaultChatID
		}
		t.mu.RUnlock()
		if originChannel == "" {
			originChannel = "cli"
		}
		if originChatID == "" {
			originChatID = "direct"
		}

		mgr := t.manager
		if mgr == nil {
			return "Error: Subagent manager not configured", nil
		}

		capacity := mgr.GetCapacity()
		taskID, err := mgr.Spawn(ctx, task, label, originChannel, originChatID, registryTaskID)
		if err != nil {
			return "", fmt.Errorf("failed to spawn subagent: %w", err)
		}
		status := fmt.Sprintf("Spawned subagent (id: %s) for task: %s", taskID, task)
		if label != "" {
			status = fmt.Sprintf("Spawned subagent '%s' (id: %s) for task: %s", label, taskID, task)
		}
		if capacity.Available <= 0 {
			status += fmt.Sprintf("\nAll %d subagent slots are busy; the task is queued and will start when one frees up.", capacity.Max)
		}
		return status, nil

	case "spawn_batch":
		mgr := t.manager
		if mgr == nil {
			return "Error: Subagent manager not configured", nil
		}

		rawTasks, _ := args["tasks"].([]interface{})
		specs := make([]BatchTaskSpec, 0, len(rawTasks))
		for _, raw := range rawTasks {
			switch v := raw.(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					specs = append(specs, BatchTaskSpec{Task: v})
				}
			case map[string]interface{}:
				taskText, _ := v["task"].(string)
				if strings.TrimSpace(taskText) == "" {
					continue
				}
				batchLabel, _ := v["label"].(string)
				specs = append(specs, BatchTaskSpec{Task: taskText, Label: batchLabel})
			}
		}
		if len(specs) == 0 {
			return "", fmt.Errorf("tasks is required for action=spawn_batch")
		}

		timeout := 300 * time.Second
		if raw, ok := args["timeout_s"].(float64); ok && raw > 0 {
			timeout = time.Duration(raw * float64(time.Second))
		}

		originChannel, originChatID := getExecutionContext(args)
		t.mu.RLock()
		if originChannel == "" {
			originChannel = t.defaultChannel
		}
		if originChatID == "" {
			originChatID = t.defaultChatID
		}
		t.mu.RUnlock()

		result, err := mgr.SpawnBatch(ctx, specs, originChannel, originChatID, timeout)
		if err != nil {
			return fmt.Sprintf("Error: batch failed: %v", err), nil
		}
		return result, nil

	case "capacity":
		mgr := t.manager
		if mgr == nil {
			return "Error: Subagent manager not configured", nil
		}
		c := mgr.GetCapacity()
		return fmt.Sprintf("Subagent capacity: %d running, %d max, %d available", c.Running, c.Max, c.Available), nil

	case "status":
		mgr := t.manager
		if mgr == nil {
			return "Error: Subagent manager not configured", nil
		}

		taskID, _ := args["task_id"].(string)
		if strings.TrimSpace(taskID) == "" {
			return "", fmt.Errorf("task_id is required for action=status")
		}
		task, ok := mgr.GetTask(taskID)
		if !ok {
			return fmt.Sprintf("Task %s not found", taskID), nil
		}
		return formatSubagentTask(*task), nil

	case "cancel":
		mgr := t.manager
		if mgr == nil {
			return "Error: Subagent manager not configured", nil
		}

		taskID, _ := args["task_id"].(string)
		if strings.TrimSpace(taskID) == "" {
			return "", fmt.Errorf("task_id is required for action=cancel")
		}
		err := mgr.Cancel(taskID)
		if err != nil {
			if errors.Is(err, ErrSubagentTaskNotFound) {
				return fmt.Sprintf("Task %s not found", taskID), nil
			}
			if errors.Is(err, ErrSubagentNotRunning) {
				task, ok := mgr.GetTask(taskID)
				if ok {
					return fmt.Sprintf("Task %s is not running (status: %s)", taskID, task.Status), nil
				}
				return fmt.Sprintf("Task %s is not running", taskID), nil
			}
			return "", err
		}
		return fmt.Sprintf("Cancellation requested for task %s", taskID), nil

	case "list":
		mgr := t.manager
		if mgr == nil {
			return "Error: Subagent manager not configured", nil
		}

		includeCompleted := false
		if raw, ok := args["include_completed"].(bool); ok {
			includeCompleted = raw
		}

		tasks := mgr.ListTasks()
		if len(tasks) == 0 {
			return "No subagent tasks.", nil
		}

		lines := make([]string, 0, len(tasks))
		for _, task := range tasks {
			if !includeCompleted {
				switch task.Status {
				case "completed", "failed", "cancelled":
					continue
				}
			}
			lines = append(lines, formatSubagentTask(*task))
		}

		if len(lines) == 0 {
			if includeCompleted {
				return "No subagent tasks.", nil
			}
			return "No running subagent tasks.", nil
		}

		return strings.Join(lines, "\n\n"), nil

	default:
		return "", fmt.Errorf("unknown action: %s", action)
	}
}

func formatSubagentTask(task SubagentTask) string {
	label := task.Label
	if label == "" {
		label = task.ID
	}
	result := task.Result
	if strings.TrimSpace(result) == "" {
		result = "(no result yet)"
	}
	result = utils.Truncate(result, 200)

	return fmt.Sprintf("Task %s\nID: %s\nStatus: %s\nResult: %s", label, task.ID, task.Status, result)
}
