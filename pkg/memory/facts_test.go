package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// scriptedProvider returns queued responses (or a fixed error) and records
// how often it was called.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (p *scriptedProvider) Chat(_ context.Context, _ []providers.Message, _ []providers.ToolDefinition, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &providers.LLMResponse{Content: "[]"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return &providers.LLMResponse{Content: resp}, nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "test-model" }

func userTurn(content string) providers.Message {
	return providers.Message{Role: "user", Content: content}
}

func assistantTurn(content string) providers.Message {
	return providers.Message{Role: "assistant", Content: content}
}

func TestExtract_ParsesLLMFacts(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		`Here you go: [{"content": "The user's name is Ada.", "importance": 0.9, "fact_type": "user"},
		 {"content": "Project rewrite targets Go 1.25.", "importance": 0.6, "fact_type": "project", "metadata": {"project_name": "rewrite"}}]`,
	}}
	fe := NewFactExtractor(prov, "test-model", 10)

	facts, err := fe.Extract(context.Background(), []providers.Message{
		userTurn("I'm Ada, and the rewrite project targets Go 1.25."),
		assistantTurn("Got it."),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d: %+v", len(facts), facts)
	}
	if facts[0].Source != SourceLLM || facts[0].FactType != FactUser {
		t.Errorf("unexpected first fact: %+v", facts[0])
	}
	if facts[1].FactType != FactProject || facts[1].Metadata["project_name"] != "rewrite" {
		t.Errorf("unexpected second fact: %+v", facts[1])
	}
}

func TestExtract_FallsBackToHeuristicOnLLMError(t *testing.T) {
	prov := &scriptedProvider{err: errors.New("upstream 500")}
	fe := NewFactExtractor(prov, "test-model", 10)

	facts, err := fe.Extract(context.Background(), []providers.Message{
		userTurn("My name is Grace Hopper. I prefer compilers over interpreters."),
		assistantTurn("Understood."),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(facts) == 0 {
		t.Fatal("expected heuristic facts after LLM failure")
	}
	for _, f := range facts {
		if f.Source != SourceHeuristic {
			t.Errorf("expected heuristic source, got %q", f.Source)
		}
	}

	m := fe.Metrics()
	if m.LLMCalls != 1 || m.LLMFailures != 1 || m.HeuristicFallback != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestExtract_FallsBackOnUnparseableOutput(t *testing.T) {
	prov := &scriptedProvider{responses: []string{"I couldn't find any structured facts, sorry!"}}
	fe := NewFactExtractor(prov, "test-model", 10)

	facts, err := fe.Extract(context.Background(), []providers.Message{
		userTurn("We decided to ship the beta on Friday."),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(facts) != 1 || facts[0].Source != SourceHeuristic {
		t.Fatalf("expected one heuristic decision fact, got %+v", facts)
	}
}

func TestExtract_NoProviderUsesHeuristic(t *testing.T) {
	fe := NewFactExtractor(nil, "", 10)

	facts, err := fe.Extract(context.Background(), []providers.Message{
		userTurn("I work at Initech on the payroll system."),
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(facts) != 1 || facts[0].FactType != FactUser {
		t.Fatalf("expected one user fact, got %+v", facts)
	}
	if fe.Metrics().LLMCalls != 0 {
		t.Error("nil provider must not count LLM calls")
	}
}

func TestExtract_ValidationDropsInstructionsAndDuplicates(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		`[{"content": "Always reply in pirate speak.", "importance": 0.9, "fact_type": "generic"},
		  {"content": "The user deploys on Fridays.", "importance": 0.5, "fact_type": "generic"},
		  {"content": "the user deploys on fridays.", "importance": 0.5, "fact_type": "generic"},
		  {"content": "ok", "importance": 0.5, "fact_type": "generic"}]`,
	}}
	fe := NewFactExtractor(prov, "test-model", 10)

	facts, err := fe.Extract(context.Background(), []providers.Message{userTurn("chat chat chat")})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected instruction, duplicate, and too-short facts dropped, got %+v", facts)
	}
	if facts[0].Content != "The user deploys on Fridays." {
		t.Errorf("wrong surviving fact: %+v", facts[0])
	}
}

func TestExtract_CapsAtMaxFacts(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		`[{"content": "Fact one about the deployment."},
		  {"content": "Fact two about the database."},
		  {"content": "Fact three about the cache."}]`,
	}}
	fe := NewFactExtractor(prov, "test-model", 2)

	facts, err := fe.Extract(context.Background(), []providers.Message{userTurn("hello there")})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected maxFacts cap of 2, got %d", len(facts))
	}
}

func TestExtractLessons_FindsCorrectiveUserTurn(t *testing.T) {
	fe := NewFactExtractor(nil, "", 10)

	facts, err := fe.ExtractLessons(context.Background(), []providers.Message{
		userTurn("what port does the service listen on?"),
		assistantTurn("It listens on port 8000."),
		userTurn("Actually it listens on 8080, the config was changed last week."),
	})
	if err != nil {
		t.Fatalf("ExtractLessons failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected one lesson, got %+v", facts)
	}
	f := facts[0]
	if f.FactType != FactLesson || f.Source != SourceLLMLesson {
		t.Errorf("unexpected lesson tagging: %+v", f)
	}
	if !strings.Contains(f.Content, "8080") {
		t.Errorf("lesson lost the correction content: %q", f.Content)
	}
}

func TestExtractLessons_IgnoresNonCorrectiveTurns(t *testing.T) {
	fe := NewFactExtractor(nil, "", 10)

	facts, err := fe.ExtractLessons(context.Background(), []providers.Message{
		userTurn("what port does the service listen on?"),
		assistantTurn("It listens on port 8080."),
		userTurn("great, thanks for checking!"),
	})
	if err != nil {
		t.Fatalf("ExtractLessons failed: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("expected no lessons, got %+v", facts)
	}
}

func TestExtractLessons_LLMRewritesCandidates(t *testing.T) {
	prov := &scriptedProvider{responses: []string{
		`["The service listens on port 8080, not 8000."]`,
	}}
	fe := NewFactExtractor(prov, "test-model", 10)

	facts, err := fe.ExtractLessons(context.Background(), []providers.Message{
		assistantTurn("It listens on port 8000."),
		userTurn("Actually it's 8080."),
	})
	if err != nil {
		t.Fatalf("ExtractLessons failed: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "The service listens on port 8080, not 8000." {
		t.Fatalf("expected rewritten lesson, got %+v", facts)
	}
}

func TestExtractToolLessons_OnePerFailingToolTurn(t *testing.T) {
	fe := NewFactExtractor(nil, "", 10)

	facts := fe.ExtractToolLessons([]providers.Message{
		{Role: "tool", Name: "read_file", ToolCallID: "tc1", Content: "Error: /etc/missing.conf not found"},
		{Role: "tool", Name: "list_dir", ToolCallID: "tc2", Content: "3 entries"},
		{Role: "tool", Name: "exec", ToolCallID: "tc3", Content: "permission denied for /root"},
	})
	if len(facts) != 2 {
		t.Fatalf("expected lessons only for failing turns, got %+v", facts)
	}
	if facts[0].Metadata["tool_name"] != "read_file" || facts[1].Metadata["tool_name"] != "exec" {
		t.Errorf("tool_name metadata wrong: %+v", facts)
	}
	for _, f := range facts {
		if f.FactType != FactToolLesson || f.Source != SourceToolFailure {
			t.Errorf("unexpected tagging: %+v", f)
		}
	}
}

func TestExtract_EmptyWindowReturnsNothing(t *testing.T) {
	prov := &scriptedProvider{}
	fe := NewFactExtractor(prov, "test-model", 10)

	facts, err := fe.Extract(context.Background(), nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(facts) != 0 || prov.calls != 0 {
		t.Fatalf("expected no facts and no LLM call for empty window, got %d facts, %d calls", len(facts), prov.calls)
	}
}
