package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdelta/docdelta/internal/models"
)

func seed(t *testing.T, m *Memory, chunkCount int) (*models.DocumentVersion, []models.VersionChunk) {
	t.Helper()
	v := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: uuid.New(), VersionNumber: 1,
		TotalChunks: chunkCount, NewChunks: chunkCount,
		Language: "en", Status: models.VersionStatusProcessing,
	}
	chunks := make([]models.VersionChunk, chunkCount)
	for i := range chunks {
		chunks[i] = models.VersionChunk{
			ID: uuid.New(), VersionID: v.ID, ChunkIndex: i,
			ChunkHash: uuid.NewString(), Content: "content",
		}
	}
	require.NoError(t, m.CreateVersion(context.Background(), v, chunks))
	return v, chunks
}

func TestSetChunkSummary_FirstWriterWins(t *testing.T) {
	m := NewMemory()
	_, chunks := seed(t, m, 1)
	ctx := context.Background()

	wrote, err := m.SetChunkSummary(ctx, chunks[0].ID, "first", "en")
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = m.SetChunkSummary(ctx, chunks[0].ID, "second", "es")
	require.NoError(t, err)
	assert.False(t, wrote)

	c, err := m.GetChunk(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "first", *c.Summary)
	assert.Equal(t, "en", *c.SummaryLanguage)
}

func TestSetChunkSummary_ConcurrentWritersOneWins(t *testing.T) {
	m := NewMemory()
	_, chunks := seed(t, m, 1)

	const writers = 16
	var wins sync.Map
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			wrote, err := m.SetChunkSummary(context.Background(), chunks[0].ID, "s", "en")
			assert.NoError(t, err)
			if wrote {
				wins.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	wins.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count, "exactly one conditional write may succeed")
}

func TestLinkFinalSummary_FirstWriterWins(t *testing.T) {
	m := NewMemory()
	v, _ := seed(t, m, 1)
	ctx := context.Background()

	winner, loser := uuid.New(), uuid.New()

	linked, err := m.LinkFinalSummary(ctx, v.ID, winner)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = m.LinkFinalSummary(ctx, v.ID, loser)
	require.NoError(t, err)
	assert.False(t, linked)

	got, err := m.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, *got.FinalSummaryID)
	assert.Equal(t, models.VersionStatusComplete, got.Status)
}

func TestChunkCompletion_Counts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	docID := uuid.New()

	v1 := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: docID, VersionNumber: 1,
		TotalChunks: 1, NewChunks: 1, Language: "en", Status: models.VersionStatusProcessing,
	}
	src := models.VersionChunk{
		ID: uuid.New(), VersionID: v1.ID, ChunkIndex: 0, ChunkHash: "h", Content: "x",
	}
	require.NoError(t, m.CreateVersion(ctx, v1, []models.VersionChunk{src}))

	v2 := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: docID, VersionNumber: 2,
		TotalChunks: 2, NewChunks: 1, ReusedChunks: 1, Language: "en", Status: models.VersionStatusProcessing,
	}
	srcID := src.ID
	v2chunks := []models.VersionChunk{
		{ID: uuid.New(), VersionID: v2.ID, ChunkIndex: 0, ChunkHash: "h", Content: "x", ReusedFromChunkID: &srcID},
		{ID: uuid.New(), VersionID: v2.ID, ChunkIndex: 1, ChunkHash: "h2", Content: "y"},
	}
	require.NoError(t, m.CreateVersion(ctx, v2, v2chunks))

	// Source unsummarized: the reuse chunk is blocked, the new one missing.
	counts, err := m.ChunkCompletion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, CompletionCounts{Total: 2, Summarized: 0, MissingNew: 1, MissingBlocked: 1}, counts)

	// Summarizing the source unblocks the reuse chunk.
	_, err = m.SetChunkSummary(ctx, src.ID, "source summary", "en")
	require.NoError(t, err)
	counts, err = m.ChunkCompletion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, CompletionCounts{Total: 2, Summarized: 0, MissingNew: 1, MissingBlocked: 0}, counts)

	// Finishing both chunks completes the version.
	_, err = m.SetChunkSummary(ctx, v2chunks[0].ID, "copied", "en")
	require.NoError(t, err)
	_, err = m.SetChunkSummary(ctx, v2chunks[1].ID, "fresh", "en")
	require.NoError(t, err)
	counts, err = m.ChunkCompletion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, CompletionCounts{Total: 2, Summarized: 2}, counts)
}

func TestListIncompleteVersions_FiltersByAgeAndStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	docID := uuid.New()

	old := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: docID, VersionNumber: 1, TotalChunks: 1, NewChunks: 1,
		Language: "en", Status: models.VersionStatusProcessing,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	fresh := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: docID, VersionNumber: 2, TotalChunks: 1, NewChunks: 1,
		Language: "en", Status: models.VersionStatusProcessing,
	}
	rejected := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: docID, VersionNumber: 3, TotalChunks: 1, NewChunks: 1,
		Language: "en", Status: models.VersionStatusRejected,
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, m.CreateVersion(ctx, old, nil))
	require.NoError(t, m.CreateVersion(ctx, fresh, nil))
	require.NoError(t, m.CreateVersion(ctx, rejected, nil))

	got, err := m.ListIncompleteVersions(ctx, time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].ID)
}
