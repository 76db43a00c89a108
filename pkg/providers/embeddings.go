package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// embeddingRetryWaits backs the two-attempt retry: 1s, then 2s.
var embeddingRetryWaits = []time.Duration{1 * time.Second, 2 * time.Second}

// Embed implements EmbeddingProvider over the same OpenAI-compatible HTTP
// base the chat-completions path uses. Failure bubbles with a diagnostic
// naming the model, input count, and total character count.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := "text-embedding-3-small"
	if v, ok := p.routing["embedding_model"].(string); ok && v != "" {
		model = v
	}

	var lastErr error
	for attempt := 0; attempt <= len(embeddingRetryWaits); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(embeddingRetryWaits[attempt-1]):
			}
		}

		vectors, err := p.embedOnce(ctx, texts, model)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
	}

	totalChars := 0
	for _, t := range texts {
		totalChars += len(t)
	}
	return nil, fmt.Errorf("embed failed after %d attempts (model=%s, inputs=%d, chars=%d): %w",
		len(embeddingRetryWaits)+1, model, len(texts), totalChars, lastErr)
}

func (p *HTTPProvider) embedOnce(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if p.apiBase == "" {
		return nil, fmt.Errorf("API base not configured")
	}

	body, err := json.Marshal(map[string]interface{}{
		"model": model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
