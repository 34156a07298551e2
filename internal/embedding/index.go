package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/store"
	"github.com/docdelta/docdelta/pkg/chunker"
)

// cachedContentLimit caps how much source text is stored alongside a
// cached vector; the hash is the key, the text is just for inspection.
const cachedContentLimit = 500

// Index is a content-addressed embedding cache with cosine retrieval on
// top. Entries are keyed by SHA-256(text)+model and immutable once
// written; cache writes are best-effort because a miss only costs one
// recomputation.
type Index struct {
	store   store.Store
	gateway llm.Gateway
	model   string
}

func NewIndex(st store.Store, gw llm.Gateway, model string) *Index {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &Index{store: st, gateway: gw, model: model}
}

// GetOrCreate returns the cached vector for text, generating and caching
// it on a miss.
func (ix *Index) GetOrCreate(ctx context.Context, text string) ([]float32, error) {
	vecs, err := ix.GetOrCreateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// GetOrCreateBatch resolves many texts in one provider round trip for
// the misses, preserving input order regardless of how hits and misses
// interleave.
func (ix *Index) GetOrCreateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		vec, err := ix.store.GetEmbedding(ctx, chunker.HashText(text), ix.model)
		if err == nil {
			out[i] = vec
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("embedding cache lookup failed", "error", err)
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	// Batch in groups of 100 for API limits.
	const batchSize = 100
	var fresh [][]float32
	for i := 0; i < len(missTexts); i += batchSize {
		end := i + batchSize
		if end > len(missTexts) {
			end = len(missTexts)
		}

		resp, err := ix.gateway.Embed(ctx, llm.EmbeddingRequest{
			Model: ix.model,
			Input: missTexts[i:end],
		})
		if err != nil {
			return nil, fmt.Errorf("embed batch %d: %w", i/batchSize, err)
		}
		fresh = append(fresh, resp.Embeddings...)
	}

	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", len(missTexts), len(fresh))
	}

	for j, i := range missIdx {
		out[i] = fresh[j]
		ix.cache(ctx, missTexts[j], fresh[j])
	}
	return out, nil
}

// cache stores a fresh vector best-effort; failures are logged, never
// raised.
func (ix *Index) cache(ctx context.Context, text string, vec []float32) {
	content := text
	if len(content) > cachedContentLimit {
		content = content[:cachedContentLimit]
	}
	err := ix.store.PutEmbedding(ctx, &models.EmbeddingCacheEntry{
		TextHash:  chunker.HashText(text),
		Model:     ix.model,
		Content:   content,
		Embedding: vec,
	})
	if err != nil {
		slog.Warn("embedding cache write failed", "error", err)
	}
}

// ScoredChunk is one retrieval candidate with its similarity to the
// query.
type ScoredChunk struct {
	Index   int     `json:"index"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// FindRelevantChunks embeds the query, resolves vectors for every
// candidate chunk, and returns the topK ranked by descending cosine
// similarity.
func (ix *Index) FindRelevantChunks(ctx context.Context, query string, chunks []string, topK int) ([]ScoredChunk, error) {
	if len(chunks) == 0 || topK <= 0 {
		return nil, nil
	}

	queryVec, err := ix.GetOrCreate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	chunkVecs, err := ix.GetOrCreateBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}

	scored := make([]ScoredChunk, len(chunks))
	for i, vec := range chunkVecs {
		scored[i] = ScoredChunk{
			Index:   i,
			Content: chunks[i],
			Score:   CosineSimilarity(queryVec, vec),
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// CosineSimilarity is the normalized dot product of two vectors. Zero
// for mismatched or zero-magnitude inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
