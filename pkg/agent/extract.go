package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// parsedMemory is one memory line parsed out of the extraction LLM's reply.
type parsedMemory struct {
	Category string
	Content  string
}

// memoryLineRe matches "MEMORY(category): content" lines; anything else in
// the LLM's reply (commentary, a bare "NONE") is ignored.
var memoryLineRe = regexp.MustCompile(`^MEMORY\((\w+)\):\s*(.+)$`)

// parseMemoryLines pulls structured memories out of free-form LLM output.
func parseMemoryLines(text string) []parsedMemory {
	var memories []parsedMemory
	for _, rawLine := range strings.Split(text, "\n") {
		match := memoryLineRe.FindStringSubmatch(strings.TrimSpace(rawLine))
		if match == nil {
			continue
		}
		content := strings.TrimSpace(match[2])
		if content == "" {
			continue
		}
		memories = append(memories, parsedMemory{
			Category: strings.ToLower(match[1]),
			Content:  content,
		})
	}
	return memories
}

const memoryExtractionPrompt = `Review this conversation and extract any notable information worth remembering long-term. Focus on:
- User preferences (likes, dislikes, settings)
- Personal facts (name, location, occupation, relationships)
- Important events or decisions
- Project-specific knowledge

Output each memory on its own line using this exact format:
MEMORY(category): content

Categories: preference, fact, event, note

If there is nothing worth remembering, output only: NONE

CONVERSATION:
%s`

const memoryExtractionTimeout = 60 * time.Second

// extractAndStoreMemories asks the configured provider to distill
// long-term-worthy facts out of messages and persists each one to
// al.memoryStore. Called from session summarization so information isn't
// lost once the summarized turns are gone from history. A nil memoryStore
// makes this a no-op, and an empty user/assistant transcript skips the
// LLM round-trip entirely.
func (al *AgentLoop) extractAndStoreMemories(ctx context.Context, messages []providers.Message) {
	if al.memoryStore == nil {
		return
	}

	conversation := renderUserAssistantTranscript(messages)
	if strings.TrimSpace(conversation) == "" {
		return
	}

	memories, err := al.requestMemoryExtraction(ctx, conversation)
	if err != nil {
		logger.WarnCF("agent", "Memory extraction failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(memories) == 0 {
		logger.DebugCF("agent", "No memories extracted from conversation", nil)
		return
	}

	stored := al.persistExtractedMemories(memories)
	logger.InfoCF("agent", "Memories extracted during summarization", map[string]interface{}{
		"extracted": len(memories),
		"stored":    stored,
	})
}

func renderUserAssistantTranscript(messages []providers.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

func (al *AgentLoop) requestMemoryExtraction(ctx context.Context, conversation string) ([]parsedMemory, error) {
	extractCtx, cancel := context.WithTimeout(ctx, memoryExtractionTimeout)
	defer cancel()

	response, err := al.provider.Chat(extractCtx, []providers.Message{
		{Role: "user", Content: fmt.Sprintf(memoryExtractionPrompt, conversation)},
	}, nil, al.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return nil, err
	}

	return parseMemoryLines(response.Content), nil
}

func (al *AgentLoop) persistExtractedMemories(memories []parsedMemory) int {
	stored := 0
	for _, mem := range memories {
		if _, err := al.memoryStore.Store(mem.Content, mem.Category, "summarization", nil); err != nil {
			logger.WarnCF("agent", "Failed to store extracted memory", map[string]interface{}{
				"category": mem.Category,
				"error":    err.Error(),
			})
			continue
		}
		stored++
	}
	return stored
}
