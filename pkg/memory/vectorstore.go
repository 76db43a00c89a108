package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/philippgille/chromem-go"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// AdaptEmbedder turns an EmbeddingProvider (the interface the rest of the
// engine programs against) into the single-text chromem.EmbeddingFunc shape
// the vector store needs.
func AdaptEmbedder(provider providers.EmbeddingProvider) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := provider.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) == 0 {
			return nil, fmt.Errorf("embedding provider returned no vectors")
		}
		return vectors[0], nil
	}
}

// ChromemVectorStore is the concrete VectorStore backing the memory
// consolidator. It keeps every namespace in a single
// chromem-go collection and filters by a "namespace" metadata field, so that
// dynamically-named namespaces (project:<name>) never require a schema
// migration or a new collection at runtime.
type ChromemVectorStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemVectorStore opens (or creates) a persistent vector database under
// workspace/memory/vectors. embed turns a fact's text into the embedding the
// collection indexes on; callers typically adapt an EmbeddingProvider
// (providers.EmbeddingProvider) into this shape.
func NewChromemVectorStore(workspace string, embed chromem.EmbeddingFunc) (*ChromemVectorStore, error) {
	dir := filepath.Join(workspace, "memory", "vectors")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create vector store dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}

	collection, err := db.GetOrCreateCollection("memories", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create memories collection: %w", err)
	}

	logger.InfoCF("memory", "vector store initialized", map[string]interface{}{
		"path": dir, "count": collection.Count(),
	})

	return &ChromemVectorStore{db: db, collection: collection}, nil
}

// Query satisfies Consolidator.VectorStore: top-k nearest entries to text
// within namespace, ordered by descending similarity.
func (vs *ChromemVectorStore) Query(ctx context.Context, namespace, text string, k int) ([]VectorMatch, error) {
	if vs.collection.Count() == 0 {
		return nil, nil
	}
	if k > vs.collection.Count() {
		k = vs.collection.Count()
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := vs.collection.Query(ctx, text, k, map[string]string{"namespace": namespace}, nil)
	if err != nil {
		return nil, fmt.Errorf("query namespace %s: %w", namespace, err)
	}

	out := make([]VectorMatch, 0, len(results))
	for _, r := range results {
		out = append(out, VectorMatch{ID: r.ID, Content: r.Content, Score: r.Similarity})
	}
	return out, nil
}

// Add inserts a new entry, stamping the namespace onto its metadata so Query
// can filter on it.
func (vs *ChromemVectorStore) Add(ctx context.Context, namespace, id, text string, metadata map[string]string) error {
	md := withNamespace(namespace, metadata)
	return vs.collection.AddDocument(ctx, chromem.Document{ID: id, Content: text, Metadata: md})
}

// Update replaces an entry in place. chromem-go has no in-place mutation, so
// this deletes and re-adds under the same id — the vector-store entry's id
// is stable from the consolidator's point of view even though the backing
// store treats it as delete+insert.
func (vs *ChromemVectorStore) Update(ctx context.Context, namespace, id, text string, metadata map[string]string) error {
	_ = vs.collection.Delete(ctx, nil, nil, id)
	return vs.Add(ctx, namespace, id, text, metadata)
}

// Delete removes an entry by id.
func (vs *ChromemVectorStore) Delete(ctx context.Context, namespace, id string) error {
	return vs.collection.Delete(ctx, nil, nil, id)
}

func withNamespace(namespace string, metadata map[string]string) map[string]string {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["namespace"] = namespace
	return md
}
