package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/models"
)

// Memory implements Store with mutex-guarded maps. It reproduces the
// conditional-write semantics of the Postgres implementation and backs the
// concurrency tests.
type Memory struct {
	mu         sync.Mutex
	documents  map[uuid.UUID]*models.Document
	versions   map[uuid.UUID]*models.DocumentVersion
	chunks     map[uuid.UUID]*models.VersionChunk
	summaries  map[uuid.UUID]*models.Summary
	texts      map[uuid.UUID]*models.VersionText
	events     []*models.ChangeEvent
	embeddings map[string][]float32
}

func NewMemory() *Memory {
	return &Memory{
		documents:  make(map[uuid.UUID]*models.Document),
		versions:   make(map[uuid.UUID]*models.DocumentVersion),
		chunks:     make(map[uuid.UUID]*models.VersionChunk),
		summaries:  make(map[uuid.UUID]*models.Summary),
		texts:      make(map[uuid.UUID]*models.VersionText),
		embeddings: make(map[string][]float32),
	}
}

func (m *Memory) FindDocument(_ context.Context, ownerID, title string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.documents {
		if d.OwnerID == ownerID && d.Title == title {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.documents {
		if d.OwnerID == doc.OwnerID && d.Title == doc.Title {
			return errors.New("duplicate key value violates unique constraint on (owner_id, title)")
		}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	cp := *doc
	m.documents[doc.ID] = &cp
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id uuid.UUID) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) LatestVersionNumber(_ context.Context, documentID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, v := range m.versions {
		if v.DocumentID == documentID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (m *Memory) CreateVersion(_ context.Context, v *models.DocumentVersion, chunks []models.VersionChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	vc := *v
	m.versions[v.ID] = &vc
	for i := range chunks {
		c := chunks[i]
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		m.chunks[c.ID] = &c
	}
	return nil
}

func (m *Memory) GetVersion(_ context.Context, id uuid.UUID) (*models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) GetVersionByNumber(_ context.Context, documentID uuid.UUID, number int) (*models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.DocumentID == documentID && v.VersionNumber == number {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListVersions(_ context.Context, documentID uuid.UUID) ([]models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DocumentVersion
	for _, v := range m.versions {
		if v.DocumentID == documentID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (m *Memory) SetVersionStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.versions[id]; ok {
		v.Status = status
	}
	return nil
}

func (m *Memory) LinkFinalSummary(_ context.Context, versionID, summaryID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[versionID]
	if !ok || v.FinalSummaryID != nil {
		return false, nil
	}
	id := summaryID
	v.FinalSummaryID = &id
	v.Status = models.VersionStatusComplete
	return true, nil
}

func (m *Memory) SumNewChunksSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, v := range m.versions {
		d, ok := m.documents[v.DocumentID]
		if !ok || d.OwnerID != ownerID {
			continue
		}
		if !v.CreatedAt.Before(since) && v.Status != models.VersionStatusRejected {
			total += v.NewChunks
		}
	}
	return total, nil
}

func (m *Memory) ListIncompleteVersions(_ context.Context, olderThan time.Time) ([]models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DocumentVersion
	for _, v := range m.versions {
		if v.FinalSummaryID == nil && v.Status == models.VersionStatusProcessing && v.CreatedAt.Before(olderThan) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetChunk(_ context.Context, id uuid.UUID) (*models.VersionChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListChunks(_ context.Context, versionID uuid.UUID) ([]models.VersionChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunksLocked(versionID, false), nil
}

// chunksLocked returns version chunks ordered by index. Caller holds mu.
func (m *Memory) chunksLocked(versionID uuid.UUID, onlyUnsummarized bool) []models.VersionChunk {
	var out []models.VersionChunk
	for _, c := range m.chunks {
		if c.VersionID != versionID {
			continue
		}
		if onlyUnsummarized && c.Summary != nil {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func (m *Memory) FindReusableChunk(_ context.Context, documentID uuid.UUID, hash string, beforeVersion int) (*models.VersionChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.VersionChunk
	bestVersion := 0
	for _, c := range m.chunks {
		if c.ChunkHash != hash {
			continue
		}
		v, ok := m.versions[c.VersionID]
		if !ok || v.DocumentID != documentID || v.VersionNumber >= beforeVersion {
			continue
		}
		if best == nil || v.VersionNumber > bestVersion ||
			(v.VersionNumber == bestVersion && c.ChunkIndex < best.ChunkIndex) {
			best = c
			bestVersion = v.VersionNumber
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) SetChunkSummary(_ context.Context, chunkID uuid.UUID, summary, language string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok || c.Summary != nil {
		return false, nil
	}
	s, l := summary, language
	c.Summary = &s
	c.SummaryLanguage = &l
	return true, nil
}

func (m *Memory) ListUnsummarizedChunks(_ context.Context, versionID uuid.UUID) ([]models.VersionChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunksLocked(versionID, true), nil
}

func (m *Memory) ChunkCompletion(_ context.Context, versionID uuid.UUID) (CompletionCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts CompletionCounts
	for _, c := range m.chunks {
		if c.VersionID != versionID {
			continue
		}
		counts.Total++
		if c.Summary != nil {
			counts.Summarized++
			continue
		}
		if c.ReusedFromChunkID == nil {
			counts.MissingNew++
			continue
		}
		src, ok := m.chunks[*c.ReusedFromChunkID]
		if !ok || src.Summary == nil {
			counts.MissingBlocked++
		}
	}
	return counts, nil
}

func (m *Memory) CreateSummary(_ context.Context, s *models.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.summaries[s.ID] = &cp
	return nil
}

func (m *Memory) GetSummary(_ context.Context, id uuid.UUID) (*models.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) SaveVersionText(_ context.Context, t *models.VersionText) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.texts[t.VersionID]; exists {
		return nil
	}
	cp := *t
	m.texts[t.VersionID] = &cp
	return nil
}

func (m *Memory) GetVersionText(_ context.Context, versionID uuid.UUID) (*models.VersionText, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.texts[versionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) InsertChangeEvent(_ context.Context, e *models.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.DocumentID == e.DocumentID &&
			existing.FromVersion == e.FromVersion &&
			existing.ToVersion == e.ToVersion &&
			existing.ChangeType == e.ChangeType &&
			existing.Summary == e.Summary {
			return nil
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *Memory) ListChangeEvents(_ context.Context, documentID uuid.UUID) ([]models.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChangeEvent
	for _, e := range m.events {
		if e.DocumentID == documentID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func embeddingKey(textHash, model string) string {
	return textHash + ":" + model
}

func (m *Memory) GetEmbedding(_ context.Context, textHash, model string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vec, ok := m.embeddings[embeddingKey(textHash, model)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

func (m *Memory) PutEmbedding(_ context.Context, entry *models.EmbeddingCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := embeddingKey(entry.TextHash, entry.Model)
	if _, exists := m.embeddings[key]; exists {
		return nil
	}
	vec := make([]float32, len(entry.Embedding))
	copy(vec, entry.Embedding)
	m.embeddings[key] = vec
	return nil
}
