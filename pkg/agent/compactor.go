package agent

import (
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// recallPrefix opens every synthetic compaction turn.
const recallPrefix = "[Recalling from earlier in our conversation]"

// CompactConfig holds the tunables for Compact.
type CompactConfig struct {
	Threshold       int
	RecentTurnsKeep int
	SummaryMaxTurns int
	MaxFacts        int
}

// DefaultCompactConfig returns the documented default thresholds.
func DefaultCompactConfig() CompactConfig {
	return CompactConfig{Threshold: 50, RecentTurnsKeep: 8, SummaryMaxTurns: 15, MaxFacts: 10}
}

// Compact squeezes an oversized history into a single recall turn plus a
// verbatim tail. Below threshold it is the identity function. Above
// threshold it slices history into old/middle/recent layers and replaces
// old+middle with one synthetic assistant turn. The boundary between middle
// and recent is widened leftward, never rightward, until it does not split
// an assistant-with-tool-calls turn from its tool results.
func Compact(history []providers.Message, cfg CompactConfig) []providers.Message {
	if cfg.Threshold <= 0 {
		cfg = DefaultCompactConfig()
	}
	if len(history) < cfg.Threshold {
		return history
	}

	recentCount := cfg.RecentTurnsKeep * 2
	if recentCount <= 0 || recentCount > len(history) {
		recentCount = len(history)
	}
	boundary := len(history) - recentCount
	boundary = widenForToolSafety(history, boundary)

	recent := history[boundary:]
	headAndMiddle := history[:boundary]

	middleCount := cfg.SummaryMaxTurns * 2
	middleStart := len(headAndMiddle) - middleCount
	if middleStart < 0 {
		middleStart = 0
	}
	old := headAndMiddle[:middleStart]
	middle := headAndMiddle[middleStart:]

	recallContent := buildRecallTurn(old, middle, cfg.MaxFacts)

	out := make([]providers.Message, 0, 1+len(recent))
	out = append(out, providers.Message{Role: "assistant", Content: recallContent})
	out = append(out, recent...)
	return out
}

// widenForToolSafety moves boundary left (never right) until it does not
// land between an assistant-with-tool-calls turn and its matching tool
// result turns.
func widenForToolSafety(history []providers.Message, boundary int) int {
	for boundary > 0 && splitsToolExchange(history, boundary) {
		boundary--
	}
	return boundary
}

// splitsToolExchange reports whether cutting history at index i would
// separate an assistant-with-tool-calls turn (before i) from one of its
// tool-result turns (at-or-after i).
func splitsToolExchange(history []providers.Message, i int) bool {
	if i <= 0 || i >= len(history) {
		return false
	}
	// Walk backward from the cut to find the nearest preceding
	// assistant-with-tool-calls turn that hasn't yet been closed by a
	// matching tool turn within the pre-cut slice.
	pending := map[string]bool{}
	for j := i - 1; j >= 0; j-- {
		m := history[j]
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				if !pending[tc.ID] {
					// This call's result, if present, must also be before i.
					if !toolResultBefore(history, i, tc.ID) {
						return true
					}
				}
			}
			return false // found the boundary assistant turn; nothing earlier matters.
		}
		if m.Role == "tool" {
			pending[m.ToolCallID] = true
		}
	}
	return false
}

func toolResultBefore(history []providers.Message, before int, toolCallID string) bool {
	for j := 0; j < before; j++ {
		if history[j].Role == "tool" && history[j].ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

// buildRecallTurn renders the synthetic recall content: a heuristic fact
// digest of old, then a heuristic discussion summary of middle.
func buildRecallTurn(old, middle []providers.Message, maxFacts int) string {
	var sb strings.Builder
	sb.WriteString(recallPrefix)
	sb.WriteString("\n\n")

	facts := heuristicDigestFacts(old, maxFacts)
	sb.WriteString("Key facts:\n")
	if len(facts) == 0 {
		sb.WriteString("(none)\n")
	} else {
		for _, f := range facts {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nRecent discussion summary:\n")
	questions, conclusions := heuristicDigest(middle)
	if len(questions) == 0 && len(conclusions) == 0 {
		sb.WriteString("(none)\n")
	} else {
		for _, q := range questions {
			sb.WriteString("- Asked: ")
			sb.WriteString(q)
			sb.WriteString("\n")
		}
		for _, c := range conclusions {
			sb.WriteString("- Concluded: ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// heuristicDigestFacts extracts a capped set of imperative-looking or
// self-disclosure facts from the "old" layer, reusing the same pattern
// family as the no-LM fact-extractor fallback but without an LM round-trip —
// compaction must never block on network I/O.
func heuristicDigestFacts(messages []providers.Message, maxFacts int) []string {
	if maxFacts <= 0 {
		maxFacts = 10
	}
	var facts []string
	seen := map[string]bool{}
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		for _, sentence := range splitSentences(m.Content) {
			trimmed := strings.TrimSpace(sentence)
			if len(trimmed) < 15 || len(trimmed) > 150 {
				continue
			}
			lower := strings.ToLower(trimmed)
			if !looksFactual(lower) {
				continue
			}
			if seen[lower] {
				continue
			}
			seen[lower] = true
			facts = append(facts, trimmed)
			if len(facts) >= maxFacts {
				return facts
			}
		}
	}
	return facts
}

var factualMarkers = []string{"my name is", "i prefer", "i like", "i work", "we decided", "i am", "i'm", "i use"}

func looksFactual(lower string) bool {
	for _, m := range factualMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// heuristicDigest produces up to three distinct user questions (ending in
// "?", >=20 chars) and up to three distinct first sentences of assistant
// replies (>=30 chars).
func heuristicDigest(messages []providers.Message) (questions, conclusions []string) {
	seenQ := map[string]bool{}
	seenC := map[string]bool{}
	for _, m := range messages {
		switch m.Role {
		case "user":
			if len(questions) >= 3 {
				continue
			}
			for _, sentence := range splitSentences(m.Content) {
				trimmed := strings.TrimSpace(sentence)
				if !strings.HasSuffix(trimmed, "?") || len(trimmed) < 20 {
					continue
				}
				key := strings.ToLower(trimmed)
				if seenQ[key] {
					continue
				}
				seenQ[key] = true
				questions = append(questions, truncateRunes(trimmed, 150))
				break
			}
		case "assistant":
			if len(conclusions) >= 3 {
				continue
			}
			sentences := splitSentences(m.Content)
			if len(sentences) == 0 {
				continue
			}
			first := strings.TrimSpace(sentences[0])
			if len(first) < 30 {
				continue
			}
			key := strings.ToLower(first)
			if seenC[key] {
				continue
			}
			seenC[key] = true
			conclusions = append(conclusions, truncateRunes(first, 150))
		}
	}
	return questions, conclusions
}

func splitSentences(text string) []string {
	replacer := strings.NewReplacer("! ", ".\x00", "? ", "?\x00", ". ", ".\x00")
	marked := replacer.Replace(text)
	parts := strings.Split(marked, "\x00")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// FormatToolCallsForRecall is a small helper exposed for callers that want to
// log which tool exchanges were preserved verbatim across a compaction cut.
func FormatToolCallsForRecall(messages []providers.Message) string {
	var names []string
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			names = append(names, tc.Name)
		}
	}
	return fmt.Sprintf("%v", names)
}
