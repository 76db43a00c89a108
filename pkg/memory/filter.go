package memory

import (
	"regexp"
	"strings"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// instructionPrefixes are imperative sentence openers that mark a turn as a
// behavioral instruction rather than a fact worth remembering, checked as a
// case-insensitive prefix match against the trimmed text.
var instructionPrefixes = []string{
	"always", "never", "must", "should", "remember to", "make sure",
	"ensure", "do not", "don't",
}

// instructionPhrases may appear anywhere in the text and mark an attempt to
// redefine the agent's role or override its behavior — prompt-injection
// shaped content that must never reach persistent storage.
var instructionPhrases = []string{
	"you are", "your role is", "ignore previous", "disregard",
	"override", "from now on", "going forward always", "in all future",
	"use tool", "run command", "execute", "call memory_search",
}

// piiPatterns are logged (not redacted) when they match — the filter's job is
// to gate instruction-like content, not to scrub secrets, but operators need
// a signal when a fact headed for long-term storage looks like a credential.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password\s*=`),
	regexp.MustCompile(`(?i)api[_-]?key\s*=`),
	regexp.MustCompile(`(?i)token\s*=`),
	regexp.MustCompile(`(?i)secret\s*=`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`xoxb-[A-Za-z0-9-]+`),
	// Credit card: 13-16 digits, optionally dash/space separated.
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
	// SSN: NNN-NN-NNNN.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
}

// SanitizeForMemory is the memory filter: the sole gate between
// conversational text and persistent storage. It returns the text trimmed of
// surrounding whitespace (ok=true) when it looks like ordinary conversational content, or ("",
// false) when the text looks like a behavioral instruction / prompt-injection
// attempt and must be dropped before it ever reaches a fact extractor or
// vector store.
//
// PII-looking content is not redacted — sanitization only blocks
// instruction-shaped content — but a warning is logged so an operator can
// audit what very nearly became a stored secret.
func SanitizeForMemory(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	for _, prefix := range instructionPrefixes {
		if strings.HasPrefix(lower, prefix) {
			logger.WarnCF("memory", "dropped instruction-like content before storage",
				map[string]interface{}{"prefix": prefix})
			return "", false
		}
	}

	for _, phrase := range instructionPhrases {
		if strings.Contains(lower, phrase) {
			logger.WarnCF("memory", "dropped instruction-like content before storage",
				map[string]interface{}{"phrase": phrase})
			return "", false
		}
	}

	for _, pat := range piiPatterns {
		if pat.MatchString(trimmed) {
			logger.WarnCF("memory", "content bound for memory looks like it contains a credential or PII",
				map[string]interface{}{"pattern": pat.String()})
			break // one warning per call is enough; still allowed through.
		}
	}

	return trimmed, true
}

// LooksLikeInstruction reports whether text would be dropped by
// SanitizeForMemory, without the logging side effects. Used by fact
// validation to reject candidates that match the same phrase lists
// even when they didn't originate from raw user text.
func LooksLikeInstruction(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range instructionPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, phrase := range instructionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
