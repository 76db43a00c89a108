package agent

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// alternatingHistory builds n turns of user/assistant pairs with distinct
// short content so verbatim-tail assertions can match exact strings.
func alternatingHistory(n int) []providers.Message {
	out := make([]providers.Message, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out = append(out, providers.Message{Role: role, Content: fmt.Sprintf("turn-%03d", i)})
	}
	return out
}

func TestCompact_BelowThresholdIsIdentity(t *testing.T) {
	cfg := CompactConfig{Threshold: 50, RecentTurnsKeep: 8, SummaryMaxTurns: 15, MaxFacts: 10}
	history := alternatingHistory(49)

	got := Compact(history, cfg)
	if !reflect.DeepEqual(got, history) {
		t.Fatal("expected history below threshold to pass through unchanged")
	}
}

func TestCompact_AboveThresholdEmitsRecallTurnPlusTail(t *testing.T) {
	cfg := CompactConfig{Threshold: 50, RecentTurnsKeep: 8, SummaryMaxTurns: 15, MaxFacts: 10}
	history := alternatingHistory(60)

	got := Compact(history, cfg)

	// One synthetic assistant turn, then recent_turns_keep*2 verbatim.
	if len(got) != 1+16 {
		t.Fatalf("expected 17 messages, got %d", len(got))
	}
	if got[0].Role != "assistant" {
		t.Errorf("expected synthetic turn role assistant, got %q", got[0].Role)
	}
	if !strings.HasPrefix(got[0].Content, "[Recalling from earlier in our conversation]") {
		t.Errorf("recall turn missing prefix, got %q", got[0].Content[:40])
	}
	if !strings.Contains(got[0].Content, "Key facts:") {
		t.Error("recall turn missing Key facts section")
	}
	if !strings.Contains(got[0].Content, "Recent discussion summary:") {
		t.Error("recall turn missing discussion summary section")
	}
	if !reflect.DeepEqual(got[1:], history[44:]) {
		t.Error("expected last 16 original turns preserved verbatim after the recall turn")
	}
}

func TestCompact_Idempotent(t *testing.T) {
	cfg := CompactConfig{Threshold: 50, RecentTurnsKeep: 8, SummaryMaxTurns: 15, MaxFacts: 10}
	history := alternatingHistory(80)

	once := Compact(history, cfg)
	twice := Compact(once, cfg)
	if !reflect.DeepEqual(once, twice) {
		t.Fatal("Compact(Compact(h)) != Compact(h)")
	}
}

func TestCompact_SummarySurfacesQuestionsAndFacts(t *testing.T) {
	cfg := CompactConfig{Threshold: 10, RecentTurnsKeep: 2, SummaryMaxTurns: 2, MaxFacts: 10}

	history := []providers.Message{
		{Role: "user", Content: "My name is Ada Lovelace and I work on compilers."},
		{Role: "assistant", Content: "Nice to meet you, Ada."},
		{Role: "user", Content: "I prefer tabs over spaces for indentation."},
		{Role: "assistant", Content: "Noted, I'll keep that in mind for code samples."},
		{Role: "user", Content: "Could you explain how garbage collection works in detail?"},
		{Role: "assistant", Content: "Garbage collection reclaims memory that a program no longer references."},
		{Role: "user", Content: "thanks"},
		{Role: "assistant", Content: "welcome"},
		{Role: "user", Content: "bye for now"},
		{Role: "assistant", Content: "see you"},
	}

	got := Compact(history, cfg)
	recall := got[0].Content

	if !strings.Contains(recall, "Ada Lovelace") {
		t.Errorf("expected name fact from old layer in recall, got:\n%s", recall)
	}
	if !strings.Contains(recall, "garbage collection works in detail?") {
		t.Errorf("expected user question from middle layer in recall, got:\n%s", recall)
	}
	if !strings.Contains(recall, "Garbage collection reclaims memory") {
		t.Errorf("expected assistant conclusion from middle layer in recall, got:\n%s", recall)
	}
}

func TestCompact_NeverSplitsToolExchange(t *testing.T) {
	// Build a history whose natural recent-boundary would land between an
	// assistant-with-tool-calls turn and its tool result.
	history := alternatingHistory(48)
	history = append(history,
		providers.Message{Role: "user", Content: "list the workspace"},
		providers.Message{
			Role:    "assistant",
			Content: "",
			ToolCalls: []providers.ToolCall{
				{ID: "tc-1", Name: "list_dir", Arguments: map[string]interface{}{"path": "."}},
			},
		},
		providers.Message{Role: "tool", ToolCallID: "tc-1", Name: "list_dir", Content: "3 entries"},
		providers.Message{Role: "assistant", Content: "There are 3 entries."},
	)
	history = append(history, alternatingHistory(8)...)

	// recentKeep=5 → boundary lands inside the exchange above for this
	// shape; widenForToolSafety must pull it left of the assistant turn.
	cfg := CompactConfig{Threshold: 20, RecentTurnsKeep: 5, SummaryMaxTurns: 5, MaxFacts: 5}
	got := Compact(history, cfg)

	for i, m := range got {
		if m.Role != "tool" {
			continue
		}
		matched := false
		for j := i - 1; j > 0; j-- {
			if got[j].Role != "assistant" {
				continue
			}
			for _, tc := range got[j].ToolCalls {
				if tc.ID == m.ToolCallID {
					matched = true
				}
			}
			break
		}
		if !matched {
			t.Fatalf("tool turn at %d (call id %s) separated from its assistant turn", i, m.ToolCallID)
		}
	}
}

func TestCompact_ZeroConfigFallsBackToDefaults(t *testing.T) {
	history := alternatingHistory(30)
	got := Compact(history, CompactConfig{})
	// Default threshold is 50, so 30 turns pass through untouched.
	if !reflect.DeepEqual(got, history) {
		t.Fatal("expected default threshold to leave short history unchanged")
	}
}
