package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// recallNamespaces are always consulted alongside a turn's own session
// namespace when building the recall block.
var recallNamespaces = []string{"user", "learnings", "tools"}

// RecallStore is the subset of the vector store (memory.VectorStore, the
// Memory Consolidator's backing store) the Context Builder needs: a top-k
// nearest-neighbor query scoped to one namespace.
type RecallStore interface {
	Query(ctx context.Context, namespace, text string, k int) ([]memory.VectorMatch, error)
}

// ContextBuilder implements C10: it assembles the fixed system prompt (agent
// identity, tool summary, optional memory recall) and folds session history
// plus the current turn into an LM-ready message sequence.
type ContextBuilder struct {
	workspace string
	tools     *tools.ToolRegistry
	recall    RecallStore
	entities  *memory.EntityStore
}

// NewContextBuilder returns a builder with no recall store or entity store
// attached; both are optional enrichments wired in by the agent loop once
// their prerequisites (an embedding-capable provider, a working SQLite
// entities DB) are available.
func NewContextBuilder(workspace string) *ContextBuilder {
	return &ContextBuilder{workspace: workspace}
}

// SetToolsRegistry sets the tools registry used to render the tool summary
// section of the system prompt.
func (cb *ContextBuilder) SetToolsRegistry(registry *tools.ToolRegistry) {
	cb.tools = registry
}

// SetRecallStore attaches the vector store the recall block queries. A nil
// store (memory disabled, or the provider has no embedding support) simply
// omits the recall block.
func (cb *ContextBuilder) SetRecallStore(store RecallStore) {
	cb.recall = store
}

// SetEntityStore attaches the optional knowledge-graph side store so the
// recall block can append known relations for entities named in the current
// turn.
func (cb *ContextBuilder) SetEntityStore(store *memory.EntityStore) {
	cb.entities = store
}

func (cb *ContextBuilder) getIdentity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# PicoClaw Core

You are the orchestration engine behind a personal AI assistant: you turn inbound
messages into language-model calls and tool executions, compact conversation
history as it grows, and extract long-term memories worth keeping.

## Current Time
%s

## Runtime
%s

## Workspace
%s

%s

## Rules

1. **ALWAYS use tools** — when an action is called for, call the matching
   tool. Do not claim to have done something you haven't actually invoked a
   tool for.
2. **Use memory proactively** — when the user references something from a
   previous conversation, or mentions a preference, project, or person worth
   remembering, search memory before assuming you don't know, and store new
   facts as you learn them.
3. **Be concise** — responses go to a chat interface; avoid padding.`,
		now, rt, workspacePath, cb.buildToolsSection())
}

func (cb *ContextBuilder) buildToolsSection() string {
	if cb.tools == nil {
		return ""
	}

	names := cb.tools.List()
	if len(names) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	for _, name := range names {
		t, ok := cb.tools.Get(name)
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("- **%s**: %s\n", name, t.Description()))
	}
	return sb.String()
}

// buildRecallBlock queries the recall store under the turn's own session
// namespace plus the always-on {user, learnings, tools} namespaces, merges
// the results by descending similarity, and renders the top few as a
// "Relevant memories" section. It also appends any entity relations whose
// subject or object name appears verbatim in the current message, a cheap
// substitute for full entity-linking.
func (cb *ContextBuilder) buildRecallBlock(currentMessage, namespace string) string {
	var sb strings.Builder

	if cb.recall != nil && strings.TrimSpace(currentMessage) != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		namespaces := append([]string{namespace}, recallNamespaces...)
		seen := make(map[string]bool, len(namespaces))
		var matches []memory.VectorMatch
		for _, ns := range namespaces {
			if ns == "" || seen[ns] {
				continue
			}
			seen[ns] = true
			results, err := cb.recall.Query(ctx, ns, currentMessage, 5)
			if err != nil {
				logger.DebugCF("agent", "recall query failed", map[string]interface{}{"namespace": ns, "error": err.Error()})
				continue
			}
			matches = append(matches, results...)
		}

		sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
		if len(matches) > 5 {
			matches = matches[:5]
		}

		if len(matches) > 0 {
			sb.WriteString("## Relevant Memories\n\n")
			for _, m := range matches {
				sb.WriteString(fmt.Sprintf("- %s\n", m.Content))
			}
		}
	}

	if cb.entities != nil {
		if entityBlock := cb.buildEntityBlock(currentMessage); entityBlock != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(entityBlock)
		}
	}

	return sb.String()
}

// buildEntityBlock looks up known entities whose name is substring-matched
// in the current message and renders their relations.
func (cb *ContextBuilder) buildEntityBlock(currentMessage string) string {
	candidates, err := cb.entities.FindMentioned(currentMessage, 3)
	if err != nil || len(candidates) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Known Entities\n\n")
	for _, e := range candidates {
		sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", e.Name, e.Kind, e.Notes))
		relations, err := cb.entities.RelationsFor(e.Name, 5)
		if err == nil {
			sb.WriteString(memory.FormatRelations(relations))
		}
	}
	return sb.String()
}

// BuildMessages assembles the LM-ready sequence: a system message (identity
// + tools + recall + summary), a "[Current Session]" system turn when both
// channel and chatID are set, an optional channel-context system turn,
// history (minus any leading orphaned tool turns), then the current user
// turn. channelContext is out-of-band
// adapter data (e.g. a group chat's recent activity) passed through
// verbatim, labeled so the LM knows the user didn't type it.
func (cb *ContextBuilder) BuildMessages(history []providers.Message, summary string, currentMessage string, media []string, channel, chatID, channelContext string) []providers.Message {
	messages := []providers.Message{}

	systemPrompt := cb.getIdentity()

	namespace := channel + ":" + chatID
	if recall := cb.buildRecallBlock(currentMessage, namespace); recall != "" {
		systemPrompt += "\n\n" + recall
	}

	if summary != "" {
		systemPrompt += "\n\n## Summary of Previous Conversation\n\n" + summary
	}

	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})

	if channel != "" && chatID != "" {
		messages = append(messages, providers.Message{
			Role:    "system",
			Content: fmt.Sprintf("[Current Session] channel=%s chat_id=%s", channel, chatID),
		})
	}

	if channelContext != "" {
		messages = append(messages, providers.Message{
			Role:    "system",
			Content: "[Channel Context] The adapter provided this out-of-band context for the current conversation:\n" + channelContext,
		})
	}

	// Drop any orphaned leading tool turns: compaction or a prior crash can
	// leave a "tool" message whose matching assistant tool-call fell off the
	// front of history, which providers reject.
	for len(history) > 0 && history[0].Role == "tool" {
		logger.DebugCF("agent", "dropping orphaned tool message from history", nil)
		history = history[1:]
	}
	messages = append(messages, history...)

	userMsg := providers.Message{Role: "user", Content: currentMessage}
	if len(media) > 0 {
		userMsg.Content = fmt.Sprintf("%s\n\n[attached media: %s]", currentMessage, strings.Join(media, ", "))
	}
	messages = append(messages, userMsg)

	return messages
}

// AddAssistantMessage appends an assistant turn, preserving any tool calls
// it carries so the provider can re-serialize them on the next request.
func (cb *ContextBuilder) AddAssistantMessage(messages []providers.Message, content string, toolCalls []providers.ToolCall) []providers.Message {
	return append(messages, providers.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
	})
}

// AddToolResult appends a tool-result turn, matched to its call by ID — the
// builder's invariant is that every assistant-with-tool-calls turn is
// followed by exactly one tool turn per call ID before the next non-tool
// turn.
func (cb *ContextBuilder) AddToolResult(messages []providers.Message, toolCallID, toolName, result string) []providers.Message {
	return append(messages, providers.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: toolCallID,
		Name:       toolName,
	})
}

// GetSkillsInfo returns placeholder skills info for GetStartupInfo logging.
// This engine has no skills subsystem; startup logging still reports an
// empty count so callers don't need a feature flag to know whether skills
// are configured.
func (cb *ContextBuilder) GetSkillsInfo() map[string]interface{} {
	return map[string]interface{}{"total": 0, "available": 0, "names": []string{}}
}
