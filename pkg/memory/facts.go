package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// Fact sources.
const (
	SourceLLM         = "llm"
	SourceLLMLesson   = "llm_lesson"
	SourceToolFailure = "tool_failure"
	SourceHeuristic   = "heuristic"
)

// Fact types.
const (
	FactGeneric     = "generic"
	FactUser        = "user"
	FactPreference  = "preference"
	FactProject     = "project"
	FactLesson     = "lesson"
	FactToolLesson = "tool_lesson"
)

// ExtractedFact is a single candidate fact produced by the extractor,
// validated and ready to hand to the Consolidator.
type ExtractedFact struct {
	Content    string
	Importance float64
	Source     string
	FactType   string
	Metadata   map[string]string
}

// ExtractMetrics accumulates counters across extractor calls: facts by
// type, LM calls, LM failures, heuristic fallbacks.
type ExtractMetrics struct {
	FactsByType       map[string]int64
	LLMCalls          int64
	LLMFailures       int64
	HeuristicFallback int64
}

// FactExtractor turns a message window into facts. It tries the configured LM first
// and falls back to a heuristic pattern-matcher on failure or unparseable
// output, exposing three entry points (generic facts, correction lessons,
// tool-failure lessons) each backed by validation.
type FactExtractor struct {
	provider providers.LLMProvider
	model    string
	maxFacts int

	callsLLM     atomic.Int64
	failsLLM     atomic.Int64
	heuristicUse atomic.Int64

	typeMu sync.Mutex
	byType map[string]int64
}

// NewFactExtractor constructs a FactExtractor. provider may be nil, in which
// case every entry point falls back straight to the heuristic extractor.
func NewFactExtractor(provider providers.LLMProvider, model string, maxFacts int) *FactExtractor {
	if maxFacts <= 0 {
		maxFacts = 10
	}
	return &FactExtractor{
		provider: provider,
		model:    model,
		maxFacts: maxFacts,
		byType:   make(map[string]int64),
	}
}

// Metrics returns a snapshot of the extractor's running counters.
func (fe *FactExtractor) Metrics() ExtractMetrics {
	fe.typeMu.Lock()
	defer fe.typeMu.Unlock()
	cp := make(map[string]int64, len(fe.byType))
	for k, v := range fe.byType {
		cp[k] = v
	}
	return ExtractMetrics{
		FactsByType:       cp,
		LLMCalls:          fe.callsLLM.Load(),
		LLMFailures:       fe.failsLLM.Load(),
		HeuristicFallback: fe.heuristicUse.Load(),
	}
}

func (fe *FactExtractor) recordType(ft string) {
	fe.typeMu.Lock()
	fe.byType[ft]++
	fe.typeMu.Unlock()
}

const factExtractionPrompt = `From the conversation below, extract general facts worth remembering long-term: user identity/preferences, project details, or anything else durably useful.

Respond with ONLY a JSON array, no commentary, in this exact shape:
[{"content": "...", "importance": 0.0-1.0, "fact_type": "generic|user|preference|project", "metadata": {"project_name": "..."}}]

metadata is optional and only needed for fact_type "project" (project_name key).
If there is nothing worth remembering, respond with exactly: []

CONVERSATION:
%s`

// Extract implements the "extract" entry point: general facts over the last
// N turns (generic, user, preference, project).
func (fe *FactExtractor) Extract(ctx context.Context, messages []providers.Message) ([]ExtractedFact, error) {
	window := lastNTurns(messages, 20)
	conversation := renderConversation(window)
	if strings.TrimSpace(conversation) == "" {
		return nil, nil
	}

	var facts []ExtractedFact
	if fe.provider != nil {
		fe.callsLLM.Add(1)
		prompt := fmt.Sprintf(factExtractionPrompt, conversation)
		resp, err := fe.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, fe.model,
			map[string]interface{}{"max_tokens": 1024, "temperature": 0.2})
		if err != nil {
			fe.failsLLM.Add(1)
			logger.WarnCF("memory", "fact extraction LLM call failed, falling back to heuristic",
				map[string]interface{}{"error": err.Error()})
		} else if parsed, ok := parseFactsJSON(resp.Content, SourceLLM); ok {
			facts = parsed
		} else {
			fe.failsLLM.Add(1)
			logger.WarnCF("memory", "fact extraction LLM output unparseable, falling back to heuristic", nil)
		}
	}

	if facts == nil {
		fe.heuristicUse.Add(1)
		facts = heuristicExtractGeneric(window)
	}

	return fe.validateAndCap(facts), nil
}

// correctionMarkers are phrases that flag a user turn as correcting the prior
// assistant turn — the trigger for a "lesson" fact.
var correctionMarkers = []string{"actually", "instead", "wrong", "no, ", "that's not", "not what i"}

// ExtractLessons implements "extract_lessons": user-correction lessons found
// by scanning for a corrective user turn immediately following an assistant
// turn.
func (fe *FactExtractor) ExtractLessons(ctx context.Context, messages []providers.Message) ([]ExtractedFact, error) {
	window := lastNTurns(messages, 20)

	var candidates []ExtractedFact
	for i := 1; i < len(window); i++ {
		if window[i].Role != "user" || window[i-1].Role != "assistant" {
			continue
		}
		lower := strings.ToLower(window[i].Content)
		corrective := false
		for _, marker := range correctionMarkers {
			if strings.Contains(lower, marker) {
				corrective = true
				break
			}
		}
		if !corrective {
			continue
		}
		content := fmt.Sprintf("User corrected a prior response: %s", strings.TrimSpace(window[i].Content))
		candidates = append(candidates, ExtractedFact{
			Content:    content,
			Importance: 0.7,
			Source:     SourceLLMLesson,
			FactType:   FactLesson,
		})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// The LM refines the raw corrective turns into cleaner lesson statements
	// when available; otherwise the heuristic candidates stand as-is.
	if fe.provider != nil {
		fe.callsLLM.Add(1)
		var sb strings.Builder
		for _, c := range candidates {
			sb.WriteString("- " + c.Content + "\n")
		}
		prompt := fmt.Sprintf(`Rewrite each of these user corrections into a single, durable lesson sentence ("Don't X, do Y instead" style). Respond as a JSON array of strings, one per input line, same order and count. If a line isn't a real correction, output an empty string for it.

%s`, sb.String())
		resp, err := fe.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, fe.model,
			map[string]interface{}{"max_tokens": 512, "temperature": 0.2})
		if err == nil {
			var rewritten []string
			if json.Unmarshal([]byte(extractJSONArray(resp.Content)), &rewritten) == nil && len(rewritten) == len(candidates) {
				for i, r := range rewritten {
					if strings.TrimSpace(r) != "" {
						candidates[i].Content = strings.TrimSpace(r)
					}
				}
			}
		} else {
			fe.failsLLM.Add(1)
		}
	}

	return fe.validateAndCap(candidates), nil
}

// toolFailureRe matches tool-result content that looks like a failure:
// content beginning with "Error" or containing not found/failed/denied.
var toolFailureRe = regexp.MustCompile(`(?i)^error|not found|failed|denied`)

// ExtractToolLessons implements "extract_tool_lessons": one lesson per
// failing tool turn in the window, metadata.tool_name taken from the turn's
// Name field.
func (fe *FactExtractor) ExtractToolLessons(messages []providers.Message) []ExtractedFact {
	window := lastNTurns(messages, 20)

	var facts []ExtractedFact
	for _, m := range window {
		if m.Role != "tool" {
			continue
		}
		if !toolFailureRe.MatchString(strings.TrimSpace(m.Content)) {
			continue
		}
		toolName := m.Name
		if toolName == "" {
			toolName = "unknown"
		}
		content := fmt.Sprintf("Tool %q failed: %s", toolName, utilsTruncate(m.Content, 200))
		facts = append(facts, ExtractedFact{
			Content:    content,
			Importance: 0.6,
			Source:     SourceToolFailure,
			FactType:   FactToolLesson,
			Metadata:   map[string]string{"tool_name": toolName},
		})
	}

	return fe.validateAndCap(facts)
}

// validateAndCap applies fact validation (4-512 chars, not instruction-like,
// dedup within batch) then caps at maxFacts, recording per-type counters.
func (fe *FactExtractor) validateAndCap(facts []ExtractedFact) []ExtractedFact {
	seen := make(map[string]bool, len(facts))
	var out []ExtractedFact
	for _, f := range facts {
		sanitized, ok := SanitizeForMemory(f.Content)
		if !ok {
			continue
		}
		if len(sanitized) < 4 || len(sanitized) > 512 {
			continue
		}
		if LooksLikeInstruction(sanitized) {
			continue
		}
		key := strings.ToLower(sanitized)
		if seen[key] {
			continue
		}
		seen[key] = true

		f.Content = sanitized
		if f.FactType == "" {
			f.FactType = FactGeneric
		}
		if f.Importance == 0 {
			f.Importance = 0.5
		}
		out = append(out, f)
		fe.recordType(f.FactType)

		if len(out) >= fe.maxFacts {
			break
		}
	}
	return out
}

// parseFactsJSON parses the LM's JSON-array fact output. Returns ok=false on
// any parse error so the caller falls back to the heuristic extractor.
func parseFactsJSON(raw, source string) ([]ExtractedFact, bool) {
	type wireFact struct {
		Content    string            `json:"content"`
		Importance float64           `json:"importance"`
		FactType   string            `json:"fact_type"`
		Metadata   map[string]string `json:"metadata"`
	}
	var wire []wireFact
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &wire); err != nil {
		return nil, false
	}
	facts := make([]ExtractedFact, 0, len(wire))
	for _, w := range wire {
		if strings.TrimSpace(w.Content) == "" {
			continue
		}
		facts = append(facts, ExtractedFact{
			Content:    w.Content,
			Importance: w.Importance,
			Source:     source,
			FactType:   w.FactType,
			Metadata:   w.Metadata,
		})
	}
	return facts, true
}

// extractJSONArray trims commentary an LM sometimes wraps around the JSON
// array it was asked for, returning just the "[...]" slice. Output with no
// array at all comes back empty so callers treat it as a parse failure
// rather than a legitimate "nothing to extract".
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

// heuristic patterns for the no-LM fallback path: imperative-adjacent
// self-disclosure patterns rather than free-form NLP.
var (
	heuristicNameRe    = regexp.MustCompile(`(?i)\bmy name is ([A-Za-z][\w .'-]{1,40})`)
	heuristicPreferRe  = regexp.MustCompile(`(?i)\bi (?:prefer|like|love|use) ([\w .,'"/-]{2,80})`)
	heuristicDecidedRe = regexp.MustCompile(`(?i)\bwe decided (?:to |that )?([\w .,'"/-]{2,100})`)
	heuristicWorkRe    = regexp.MustCompile(`(?i)\bi work (?:at|for|on) ([\w .,'"/-]{2,80})`)
)

// heuristicExtractGeneric is the fallback extractor used when no LM is
// configured or the LM call/parse failed.
func heuristicExtractGeneric(messages []providers.Message) []ExtractedFact {
	var facts []ExtractedFact
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if match := heuristicNameRe.FindStringSubmatch(m.Content); match != nil {
			facts = append(facts, ExtractedFact{
				Content: fmt.Sprintf("The user's name is %s.", strings.TrimSpace(match[1])),
				FactType: FactUser, Source: SourceHeuristic, Importance: 0.8,
			})
		}
		if match := heuristicPreferRe.FindStringSubmatch(m.Content); match != nil {
			facts = append(facts, ExtractedFact{
				Content: fmt.Sprintf("The user prefers %s.", strings.TrimSpace(match[1])),
				FactType: FactPreference, Source: SourceHeuristic, Importance: 0.6,
			})
		}
		if match := heuristicDecidedRe.FindStringSubmatch(m.Content); match != nil {
			facts = append(facts, ExtractedFact{
				Content: fmt.Sprintf("Decision: %s.", strings.TrimSpace(match[1])),
				FactType: FactProject, Source: SourceHeuristic, Importance: 0.5,
			})
		}
		if match := heuristicWorkRe.FindStringSubmatch(m.Content); match != nil {
			facts = append(facts, ExtractedFact{
				Content: fmt.Sprintf("The user works at/on %s.", strings.TrimSpace(match[1])),
				FactType: FactUser, Source: SourceHeuristic, Importance: 0.6,
			})
		}
	}
	return facts
}

// lastNTurns returns the trailing n entries of messages (or all of them if
// shorter).
func lastNTurns(messages []providers.Message, n int) []providers.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// renderConversation flattens user/assistant turns into a plain transcript
// for prompting.
func renderConversation(messages []providers.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func utilsTruncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
