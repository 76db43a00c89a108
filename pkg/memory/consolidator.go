package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// Namespace buckets. Project namespaces are formed as "project:" + name.
const (
	NamespaceUser      = "user"
	NamespaceLearnings = "learnings"
	NamespaceTools     = "tools"
	projectPrefix      = "project:"
)

// NamespaceFor routes a fact to its destination bucket: a pure function of
// FactType and, for "project" facts, Metadata["project_name"]. Everything
// else routes to the caller-supplied session namespace.
func NamespaceFor(f ExtractedFact, sessionNamespace string) string {
	switch f.FactType {
	case FactUser:
		return NamespaceUser
	case FactLesson:
		return NamespaceLearnings
	case FactToolLesson:
		return NamespaceTools
	case FactProject:
		if name := f.Metadata["project_name"]; name != "" {
			return projectPrefix + name
		}
		return sessionNamespace
	default:
		return sessionNamespace
	}
}

// VectorMatch is a single nearest-neighbor result from a VectorStore query.
type VectorMatch struct {
	ID      string
	Content string
	Score   float32 // cosine similarity, [-1, 1] in practice [0, 1]
}

// VectorStore is the opaque vector-store collaborator. The consolidator
// depends only on this narrow interface; ChromemVectorStore (vectorstore.go)
// is the concrete implementation wired in cmd/picoclaw-core.
type VectorStore interface {
	// Query returns the top-k nearest entries to text within namespace,
	// ordered by descending similarity.
	Query(ctx context.Context, namespace, text string, k int) ([]VectorMatch, error)
	// Add inserts a new entry under namespace.
	Add(ctx context.Context, namespace, id, text string, metadata map[string]string) error
	// Update replaces an existing entry's text/metadata in place, keeping id.
	Update(ctx context.Context, namespace, id, text string, metadata map[string]string) error
	// Delete removes an entry by id from namespace.
	Delete(ctx context.Context, namespace, id string) error
}

// ConsolidateMetrics tallies the decisions Consolidate made for one batch
// of facts.
type ConsolidateMetrics struct {
	Add    int
	Update int
	Delete int
	Noop   int
}

func (m ConsolidateMetrics) String() string {
	return fmt.Sprintf("add=%d update=%d delete=%d noop=%d", m.Add, m.Update, m.Delete, m.Noop)
}

const (
	noopSimilarity            = 0.93
	defaultCandidateThreshold = 0.80
	defaultTopK               = 5
)

// Consolidator dedups/merges/deletes extracted facts against a vector
// store, routing each to its namespace before deciding ADD vs UPDATE vs
// DELETE+ADD vs NOOP.
type Consolidator struct {
	store              VectorStore
	provider           providers.LLMProvider // used for negation/supersession detection; may be nil
	model              string
	candidateThreshold float64
}

// NewConsolidator constructs a Consolidator. provider may be nil, in which
// case negation detection falls back to the keyword heuristic and new facts
// default to plain adds.
func NewConsolidator(store VectorStore, provider providers.LLMProvider, model string, candidateThreshold float64) *Consolidator {
	if candidateThreshold <= 0 {
		candidateThreshold = defaultCandidateThreshold
	}
	return &Consolidator{store: store, provider: provider, model: model, candidateThreshold: candidateThreshold}
}

// Consolidate routes and merges each fact into the vector store, returning
// aggregate ADD/UPDATE/DELETE/NOOP counts.
func (c *Consolidator) Consolidate(ctx context.Context, facts []ExtractedFact, sessionNamespace string) (ConsolidateMetrics, error) {
	var metrics ConsolidateMetrics
	if c.store == nil {
		return metrics, nil
	}

	for _, f := range facts {
		ns := NamespaceFor(f, sessionNamespace)
		decision, err := c.consolidateOne(ctx, ns, f)
		if err != nil {
			logger.WarnCF("memory", "consolidation failed for one fact, skipping",
				map[string]interface{}{"namespace": ns, "error": err.Error()})
			continue
		}
		switch decision {
		case decisionAdd:
			metrics.Add++
		case decisionUpdate:
			metrics.Update++
		case decisionDeleteAdd:
			metrics.Delete++
			metrics.Add++
		case decisionNoop:
			metrics.Noop++
		}
	}

	return metrics, nil
}

type decision int

const (
	decisionAdd decision = iota
	decisionUpdate
	decisionNoop
	decisionDeleteAdd
)

func (c *Consolidator) consolidateOne(ctx context.Context, namespace string, f ExtractedFact) (decision, error) {
	matches, err := c.store.Query(ctx, namespace, f.Content, defaultTopK)
	if err != nil {
		return decisionAdd, fmt.Errorf("query %s: %w", namespace, err)
	}

	if len(matches) == 0 {
		return decisionAdd, c.add(ctx, namespace, f)
	}

	best := matches[0]
	switch {
	case float64(best.Score) >= noopSimilarity && substringCompatible(f.Content, best.Content):
		return decisionNoop, nil

	case float64(best.Score) >= c.candidateThreshold && c.negatesOrSupersedes(ctx, f.Content, best.Content):
		if err := c.store.Delete(ctx, namespace, best.ID); err != nil {
			return decisionAdd, fmt.Errorf("delete superseded %s: %w", best.ID, err)
		}
		return decisionDeleteAdd, c.add(ctx, namespace, f)

	case float64(best.Score) >= c.candidateThreshold && refines(f.Content, best.Content):
		id := best.ID
		if err := c.store.Update(ctx, namespace, id, f.Content, factMetadata(f)); err != nil {
			return decisionNoop, fmt.Errorf("update %s: %w", id, err)
		}
		return decisionUpdate, nil

	default:
		return decisionAdd, c.add(ctx, namespace, f)
	}
}

func (c *Consolidator) add(ctx context.Context, namespace string, f ExtractedFact) error {
	id := fmt.Sprintf("%s:%d", namespace, fnv32(f.Content))
	return c.store.Add(ctx, namespace, id, f.Content, factMetadata(f))
}

func factMetadata(f ExtractedFact) map[string]string {
	md := map[string]string{
		"fact_type": f.FactType,
		"source":    f.Source,
	}
	for k, v := range f.Metadata {
		md[k] = v
	}
	return md
}

// substringCompatible treats two near-identical strings (one a substring of
// the other, case-insensitively) as content-compatible — a near-duplicate
// that contributes nothing new.
func substringCompatible(a, b string) bool {
	al, bl := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(al, bl) || strings.Contains(bl, al)
}

// refines is a cheap heuristic for "new fact elaborates on the old one
// without contradicting it": the new content is longer and shares a
// significant word overlap with the old.
func refines(newContent, oldContent string) bool {
	if len(newContent) <= len(oldContent) {
		return false
	}
	return wordOverlap(newContent, oldContent) >= 0.5
}

func wordOverlap(a, b string) float64 {
	aw := wordSet(a)
	bw := wordSet(b)
	if len(bw) == 0 {
		return 0
	}
	shared := 0
	for w := range bw {
		if aw[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(bw))
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

// negationMarkers flag phrasing that supersedes rather than refines a prior
// fact ("used to X, now Y", "no longer", "not anymore", "instead of").
var negationMarkers = []string{"no longer", "not anymore", "instead of", "used to", "changed from", "switched from"}

// negatesOrSupersedes asks the configured LM whether the new fact negates or
// supersedes the old one. On any failure (including no provider configured)
// it falls back to a cheap keyword heuristic, and ultimately defaults to
// false (a plain add) rather than ever silently deleting data on an LM
// hiccup.
func (c *Consolidator) negatesOrSupersedes(ctx context.Context, newContent, oldContent string) bool {
	if c.provider != nil {
		prompt := fmt.Sprintf(`Does statement A supersede or contradict statement B (i.e. B is now false or outdated because of A)? Answer with exactly one word, "yes" or "no".

A: %s
B: %s`, newContent, oldContent)
		resp, err := c.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, c.model,
			map[string]interface{}{"max_tokens": 8, "temperature": 0})
		if err == nil {
			answer := strings.ToLower(strings.TrimSpace(resp.Content))
			return strings.HasPrefix(answer, "yes")
		}
		logger.WarnCF("memory", "negation-detection LLM call failed, using keyword heuristic",
			map[string]interface{}{"error": err.Error()})
	}

	lower := strings.ToLower(newContent)
	for _, marker := range negationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// fnv32 is a tiny non-cryptographic hash used to build deterministic,
// collision-resistant-enough document ids from fact content.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
