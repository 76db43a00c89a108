package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/llmloop"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// ErrSubagentTaskNotFound is returned by Cancel when no task with the given
// ID has ever been spawned (or it has already been evicted by retention).
var ErrSubagentTaskNotFound = errors.New("subagent task not found")

// ErrSubagentNotRunning is returned by Cancel when the task exists but has
// already reached a terminal state.
var ErrSubagentNotRunning = errors.New("subagent task is not running")

const (
	defaultMaxConcurrentSubagents = 5
	defaultSubagentMaxIterations  = 15
	defaultRetentionMaxTasks      = 200
	defaultRetentionTTL           = 24 * time.Hour
)

// SubagentTask is the manager's record of a single spawned background task.
type SubagentTask struct {
	ID            string
	Task          string
	Label         string
	OriginChannel string
	OriginChatID  string
	RegistryID    string
	Silent        bool
	Status        string // running, cancelling, cancelled, completed, failed
	Result        string
	Created       int64
	Finished      int64
}

// SubagentManager spawns bounded,
// independently-looping background agents that share the parent's LM
// provider but get their own restricted tool registry, reporting progress
// and completion back through the message bus as inbound "system" messages.
type SubagentManager struct {
	mu     sync.RWMutex
	tasks  map[string]*SubagentTask
	cancel map[string]context.CancelFunc

	provider  providers.LLMProvider
	model     string
	bus       *bus.MessageBus
	workspace string

	sem chan struct{}

	retentionMaxTasks int
	retentionTTL      time.Duration
}

func NewSubagentManager(provider providers.LLMProvider, model string, workspace string, msgBus *bus.MessageBus) *SubagentManager {
	return NewSubagentManagerWithConcurrency(provider, model, workspace, msgBus, defaultMaxConcurrentSubagents)
}

// NewSubagentManagerWithConcurrency lets the caller configure max_concurrent
// (the number of subagent loops allowed to hold the provider at once)
// explicitly instead of accepting the default.
func NewSubagentManagerWithConcurrency(provider providers.LLMProvider, model string, workspace string, msgBus *bus.MessageBus, maxConcurrent int) *SubagentManager {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentSubagents
	}
	return &SubagentManager{
		tasks:             make(map[string]*SubagentTask),
		cancel:            make(map[string]context.CancelFunc),
		provider:          provider,
		model:             model,
		bus:               msgBus,
		workspace:         workspace,
		sem:               make(chan struct{}, maxConcurrent),
		retentionMaxTasks: defaultRetentionMaxTasks,
		retentionTTL:      defaultRetentionTTL,
	}
}

// ConfigureRetention bounds how many terminal (non-running) tasks the
// manager keeps in memory, by count and by age. Both are enforced whenever
// a task finishes.
func (sm *SubagentManager) ConfigureRetention(maxTasks int, ttl time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if maxTasks > 0 {
		sm.retentionMaxTasks = maxTasks
	}
	if ttl > 0 {
		sm.retentionTTL = ttl
	}
}

// Capacity reports the subagent manager's current concurrency usage, as
// returned by the spawn tool's capacity action.
type Capacity struct {
	Running   int
	Max       int
	Available int
}

// GetCapacity returns the current running/max/available subagent slot
// counts.
func (sm *SubagentManager) GetCapacity() Capacity {
	max := cap(sm.sem)
	running := len(sm.sem)
	return Capacity{Running: running, Max: max, Available: max - running}
}

// Spawn starts a background subagent task and returns immediately with its
// task ID. registryTaskID optionally links this subagent back to an
// external task-registry entry (e.g. a todo/backlog item); it is carried
// on the task record but otherwise opaque to the manager.
func (sm *SubagentManager) Spawn(ctx context.Context, task, label, originChannel, originChatID, registryTaskID string) (string, error) {
	return sm.spawn(ctx, task, label, originChannel, originChatID, registryTaskID, false)
}

func (sm *SubagentManager) spawn(ctx context.Context, task, label, originChannel, originChatID, registryTaskID string, silent bool) (string, error) {
	sm.mu.Lock()
	taskID := uuid.NewString()[:8]

	taskCtx, cancel := context.WithCancel(context.Background())

	subagentTask := &SubagentTask{
		ID:            taskID,
		Task:          task,
		Label:         normalizeLabel(label, task),
		OriginChannel: originChannel,
		OriginChatID:  originChatID,
		RegistryID:    registryTaskID,
		Silent:        silent,
		Status:        "running",
		Created:       time.Now().UnixMilli(),
	}
	sm.tasks[taskID] = subagentTask
	sm.cancel[taskID] = cancel
	sm.mu.Unlock()

	go sm.runTask(taskCtx, subagentTask)

	return taskID, nil
}

// normalizeLabel caps a label at 30 runes, deriving one from the task text
// when none was given.
func normalizeLabel(label, task string) string {
	if strings.TrimSpace(label) == "" {
		label = task
	}
	r := []rune(label)
	if len(r) > 30 {
		return string(r[:30])
	}
	return label
}

// BatchTaskSpec is a single unit of work for SpawnBatch.
type BatchTaskSpec struct {
	Task  string
	Label string
}

// SpawnBatch spawns every task in specs and blocks until all of them reach
// a terminal state or timeout elapses, then returns a single combined
// summary message ("Batch complete: K/N succeeded...").
func (sm *SubagentManager) SpawnBatch(ctx context.Context, specs []BatchTaskSpec, originChannel, originChatID string, timeout time.Duration) (string, error) {
	if len(specs) == 0 {
		return "", fmt.Errorf("no tasks provided")
	}

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		id, err := sm.spawn(ctx, spec.Task, spec.Label, originChannel, originChatID, "", true)
		if err != nil {
			return "", err
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(timeout)
	for {
		allDone := true
		for _, id := range ids {
			task, ok := sm.GetTask(id)
			if !ok {
				continue
			}
			switch task.Status {
			case "running", "cancelling":
				allDone = false
			}
		}
		if allDone || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			allDone = true
		case <-time.After(200 * time.Millisecond):
		}
		if allDone {
			break
		}
	}

	succeeded := 0
	var lines []string
	for _, id := range ids {
		task, ok := sm.GetTask(id)
		if !ok {
			continue
		}
		label := task.Label
		if label == "" {
			label = task.ID
		}
		status := task.Status
		if status == "completed" {
			succeeded++
		}
		if status == "running" || status == "cancelling" {
			status = "timed out (" + status + ")"
		}
		line := fmt.Sprintf("- %s: %s", label, status)
		if strings.TrimSpace(task.Result) != "" {
			line += "\n  " + utils.Truncate(task.Result, 200)
		}
		lines = append(lines, line)
	}

	summary := fmt.Sprintf("Batch complete: %d/%d succeeded, %d failed\n%s", succeeded, len(ids), len(ids)-succeeded, strings.Join(lines, "\n"))
	return summary, nil
}

func (sm *SubagentManager) setStatus(taskID, status string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if t, ok := sm.tasks[taskID]; ok {
		t.Status = status
	}
}

func (sm *SubagentManager) finish(taskID, status, result string) {
	sm.mu.Lock()
	if t, ok := sm.tasks[taskID]; ok {
		t.Status = status
		t.Result = result
		t.Finished = time.Now().UnixMilli()
	}
	delete(sm.cancel, taskID)
	sm.cleanupLocked(time.Now())
	sm.mu.Unlock()
}

func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask) {
	sm.sem <- struct{}{}
	defer func() { <-sm.sem }()

	registry := NewToolRegistry()
	registry.Register(&ReadFileTool{})
	registry.Register(&WriteFileTool{})
	registry.Register(&ListDirTool{})
	registry.Register(NewExecTool(sm.workspace))
	registry.Register(NewEditFileTool(sm.workspace))
	registry.Register(NewSubagentReportTool(sm.bus, task.ID, task.Label, task.OriginChannel, task.OriginChatID))

	systemPrompt := sm.buildSubagentSystemPrompt()
	messages := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task.Task},
	}

	model := sm.model
	if model == "" {
		model = sm.provider.GetDefaultModel()
	}
	toolDefs := registry.GetProviderDefinitions()

	result, err := llmloop.Run(ctx, llmloop.RunOptions{
		Provider:      sm.provider,
		Model:         model,
		MaxIterations: defaultSubagentMaxIterations,
		Messages:      messages,
		ChatOptions: map[string]interface{}{
			"max_tokens":  4096,
			"temperature": 0.3,
		},
		BuildToolDefs: func(iteration int, msgs []providers.Message) []providers.ToolDefinition {
			return toolDefs
		},
		ExecuteTools: func(ctx context.Context, toolCalls []providers.ToolCall, iteration int) []providers.Message {
			results := make([]providers.Message, 0, len(toolCalls))
			for _, tc := range toolCalls {
				out, err := registry.Execute(ctx, tc.Name, tc.Arguments)
				if err != nil {
					out = fmt.Sprintf("Error: %v", err)
				}
				results = append(results, providers.ToolResultMessage(tc.ID, out))
			}
			return results
		},
		Hooks: llmloop.Hooks{
			BeforeLLMCall: func(iteration int, msgs []providers.Message, defs []providers.ToolDefinition) {
				logger.InfoCF("subagent", "Calling LLM", map[string]interface{}{
					"task_id":        task.ID,
					"iteration":      iteration,
					"model":          model,
					"messages_count": len(msgs),
				})
			},
		},
	})

	cancelled := ctx.Err() != nil
	switch {
	case cancelled:
		sm.finish(task.ID, "cancelled", "Cancelled")
	case err != nil:
		sm.finish(task.ID, "failed", fmt.Sprintf("Error: %v", err))
	case result.Exhausted:
		sm.finish(task.ID, "completed", "Subagent exhausted its iteration budget without a final answer.")
	default:
		sm.finish(task.ID, "completed", result.FinalContent)
	}

	sm.announce(task)
}

func (sm *SubagentManager) announce(task *SubagentTask) {
	if sm.bus == nil || task.Silent {
		return
	}
	sm.mu.RLock()
	status := task.Status
	result := task.Result
	sm.mu.RUnlock()

	label := task.Label
	if label == "" {
		label = task.ID
	}

	statusText := "completed successfully"
	switch status {
	case "failed":
		statusText = "failed"
	case "cancelled":
		statusText = "was cancelled"
	}
	if strings.TrimSpace(result) == "" {
		result = "(no result)"
	}

	content := fmt.Sprintf(`[Subagent '%s' %s]

Task: %s

Result:
%s

Summarize this naturally for the user. Keep it brief (1-2 sentences). Do not mention technical details like "subagent" or task IDs.`,
		label, statusText, task.Task, result)

	sm.bus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent",
		ChatID:   fmt.Sprintf("%s:%s", task.OriginChannel, task.OriginChatID),
		Content:  content,
		Metadata: map[string]string{
			"subagent_event":   "complete",
			"subagent_task_id": task.ID,
		},
	})
}

func (sm *SubagentManager) buildSubagentSystemPrompt() string {
	return strings.Join([]string{
		"# picoclaw subagent",
		"You are a background subagent working for the main picoclaw agent.",
		"\nRules:",
		"1. Use tools when you need to perform an action.",
		"2. Do NOT message the end user directly. Use `subagent_report` to communicate with the main agent.",
		"3. When finished, provide a clear result and include any artifact file paths.",
	}, "\n")
}

// Cancel requests cancellation of a running task. The task transitions to
// "cancelling" immediately and to "cancelled" once its in-flight provider
// call observes the cancelled context. Returns ErrSubagentTaskNotFound if
// the ID is unknown, or ErrSubagentNotRunning if the task has already
// reached a terminal state.
func (sm *SubagentManager) Cancel(taskID string) error {
	sm.mu.Lock()
	task, ok := sm.tasks[taskID]
	if !ok {
		sm.mu.Unlock()
		return ErrSubagentTaskNotFound
	}
	if task.Status != "running" {
		sm.mu.Unlock()
		return ErrSubagentNotRunning
	}
	cancel, ok := sm.cancel[taskID]
	task.Status = "cancelling"
	sm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
	return nil
}

func (sm *SubagentManager) GetTask(taskID string) (*SubagentTask, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	task, ok := sm.tasks[taskID]
	return task, ok
}

func (sm *SubagentManager) ListTasks() []*SubagentTask {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	tasks := make([]*SubagentTask, 0, len(sm.tasks))
	for _, task := range sm.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// cleanupLocked evicts terminal tasks past the retention TTL, then trims
// down to retentionMaxTasks (oldest terminal tasks first) if still over.
// Callers must already hold sm.mu.
func (sm *SubagentManager) cleanupLocked(now time.Time) {
	ttlCutoff := now.Add(-sm.retentionTTL).UnixMilli()
	for id, t := range sm.tasks {
		if isTerminal(t.Status) && t.Finished > 0 && t.Finished < ttlCutoff {
			delete(sm.tasks, id)
		}
	}

	if sm.retentionMaxTasks <= 0 || len(sm.tasks) <= sm.retentionMaxTasks {
		return
	}

	type entry struct {
		id      string
		created int64
	}
	terminal := make([]entry, 0, len(sm.tasks))
	for id, t := range sm.tasks {
		if isTerminal(t.Status) {
			terminal = append(terminal, entry{id, t.Created})
		}
	}
	for len(sm.tasks) > sm.retentionMaxTasks && len(terminal) > 0 {
		oldestIdx := 0
		for i := 1; i < len(terminal); i++ {
			if terminal[i].created < terminal[oldestIdx].created {
				oldestIdx = i
			}
		}
		delete(sm.tasks, terminal[oldestIdx].id)
		terminal = append(terminal[:oldestIdx], terminal[oldestIdx+1:]...)
	}
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
