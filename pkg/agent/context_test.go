package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// fakeRecallStore is a minimal RecallStore stub returning fixed matches per
// namespace, independent of the chromem-go-backed vector store.
type fakeRecallStore struct {
	byNamespace map[string][]memory.VectorMatch
}

func (f *fakeRecallStore) Query(_ context.Context, namespace, _ string, k int) ([]memory.VectorMatch, error) {
	matches := f.byNamespace[namespace]
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func TestBuildMessages_SystemFirstThenHistoryThenUser(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())

	history := []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	messages := cb.BuildMessages(history, "", "what's up", nil, "telegram", "chat1", "")

	if len(messages) != 5 {
		t.Fatalf("expected 5 messages (system, session tag, 2 history, user), got %d: %+v", len(messages), messages)
	}
	if messages[0].Role != "system" {
		t.Errorf("expected first message to be system, got %s", messages[0].Role)
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || last.Content != "what's up" {
		t.Errorf("expected final message to be the current user turn, got %+v", last)
	}
}

func TestBuildMessages_DropsLeadingOrphanedToolMessages(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())

	history := []providers.Message{
		{Role: "tool", Content: "orphaned result", ToolCallID: "abc"},
		{Role: "user", Content: "hi"},
	}

	messages := cb.BuildMessages(history, "", "next", nil, "", "", "")

	for _, m := range messages {
		if m.Role == "tool" {
			t.Errorf("expected orphaned tool message to be dropped, found: %+v", m)
		}
	}
}

func TestBuildMessages_IncludesSummaryWhenPresent(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())

	messages := cb.BuildMessages(nil, "user previously asked about Go", "continue", nil, "cli", "direct", "")

	if !strings.Contains(messages[0].Content, "user previously asked about Go") {
		t.Errorf("expected system prompt to include summary, got: %s", messages[0].Content)
	}
}

func TestBuildMessages_OmitsSessionTagWhenChannelOrChatIDEmpty(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())

	messages := cb.BuildMessages(nil, "", "hi", nil, "", "", "")
	for _, m := range messages {
		if strings.Contains(m.Content, "Current Session") {
			t.Error("expected no session tag when channel/chat_id are empty")
		}
	}
}

func TestBuildMessages_AppendsMediaReference(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())

	messages := cb.BuildMessages(nil, "", "look at this", []string{"photo.jpg"}, "telegram", "c1", "")
	last := messages[len(messages)-1]
	if !strings.Contains(last.Content, "photo.jpg") {
		t.Errorf("expected media reference in final user turn, got: %s", last.Content)
	}
}

func TestBuildMessages_RecallBlockMergesAcrossNamespaces(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())
	cb.SetRecallStore(&fakeRecallStore{byNamespace: map[string][]memory.VectorMatch{
		"telegram:c1": {{ID: "1", Content: "user likes dark mode", Score: 0.9}},
		"user":        {{ID: "2", Content: "user's name is Dana", Score: 0.95}},
	}})

	messages := cb.BuildMessages(nil, "", "what do you know about me", nil, "telegram", "c1", "")

	system := messages[0].Content
	if !strings.Contains(system, "Dana") || !strings.Contains(system, "dark mode") {
		t.Errorf("expected recall block to include matches from both namespaces, got: %s", system)
	}
}

func TestBuildMessages_NoRecallBlockWithoutStore(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())
	messages := cb.BuildMessages(nil, "", "hello", nil, "telegram", "c1", "")
	if strings.Contains(messages[0].Content, "Relevant Memories") {
		t.Error("expected no recall block without a recall store attached")
	}
}

func TestBuildMessages_EntityBlockFromEntityStore(t *testing.T) {
	dir := t.TempDir()
	store, err := memory.NewEntityStore(dir + "/entities.db")
	if err != nil {
		t.Fatalf("NewEntityStore failed: %v", err)
	}
	defer store.Close()
	store.UpsertEntity("PicoClaw", "project", "the agent engine")

	cb := NewContextBuilder(dir)
	cb.SetEntityStore(store)

	messages := cb.BuildMessages(nil, "", "tell me about PicoClaw", nil, "cli", "direct", "")
	if !strings.Contains(messages[0].Content, "PicoClaw") {
		t.Errorf("expected entity block to surface PicoClaw, got: %s", messages[0].Content)
	}
}

func TestBuildToolsSection_ListsRegisteredTools(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())
	registry := tools.NewToolRegistry()
	registry.Register(&fakeTool{name: "exec", desc: "run shell commands"})
	cb.SetToolsRegistry(registry)

	messages := cb.BuildMessages(nil, "", "hi", nil, "", "", "")
	if !strings.Contains(messages[0].Content, "exec") {
		t.Errorf("expected tool summary to list registered tool, got: %s", messages[0].Content)
	}
}

func TestGetSkillsInfo_ReportsEmpty(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())
	info := cb.GetSkillsInfo()
	if info["total"] != 0 {
		t.Errorf("expected total=0, got %v", info["total"])
	}
}

type fakeTool struct {
	name string
	desc string
}

func (t *fakeTool) Name() string                       { return t.name }
func (t *fakeTool) Description() string                { return t.desc }
func (t *fakeTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (t *fakeTool) Execute(context.Context, map[string]interface{}) (string, error) {
	return "", nil
}

func TestBuildMessages_ChannelContextSystemTurn(t *testing.T) {
	cb := NewContextBuilder(t.TempDir())

	messages := cb.BuildMessages(nil, "", "hi", nil, "discord", "c9", "Pinned: release is Thursday")

	found := false
	for _, m := range messages[:len(messages)-1] {
		if m.Role != "system" {
			t.Fatalf("expected only system turns before the user turn, got %q", m.Role)
		}
		if strings.Contains(m.Content, "[Channel Context]") && strings.Contains(m.Content, "Pinned: release is Thursday") {
			found = true
		}
	}
	if !found {
		t.Fatal("channel context not carried as a labeled system turn")
	}
}
