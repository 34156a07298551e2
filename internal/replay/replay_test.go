package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdelta/docdelta/internal/alert"
	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/processor"
	"github.com/docdelta/docdelta/internal/store"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
	langs    []string
}

func (f *fakeEnqueuer) EnqueueChunkProcess(_ context.Context, chunkID, _ uuid.UUID, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, chunkID)
	f.langs = append(f.langs, language)
	return nil
}

type stubGateway struct{}

func (stubGateway) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "### Overview\n\nRecovered summary content above the fragment floor."}, nil
}

func (stubGateway) Embed(context.Context, llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}

func (stubGateway) Provider(string) (llm.Provider, error) {
	return nil, errors.New("not implemented")
}

func testSweeper(t *testing.T, st store.Store, enq Enqueuer) *Sweeper {
	t.Helper()
	cfg := config.PipelineConfig{
		ReplayAgeSeconds:       300,
		PartialMergeThreshold:  0.5,
		TokensPerChunkEstimate: 1200,
	}
	notifier := alert.NewNotifier("", 0, nil)
	t.Cleanup(notifier.Close)
	proc := processor.New(st, stubGateway{}, notifier, nil, cfg, "test-model")
	return NewSweeper(st, enq, proc, cfg)
}

func seedStalled(t *testing.T, st store.Store, age time.Duration, summarized bool) (*models.DocumentVersion, []models.VersionChunk) {
	t.Helper()
	v := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: uuid.New(), VersionNumber: 1,
		TotalChunks: 2, NewChunks: 2, Language: "es",
		Status:    models.VersionStatusProcessing,
		CreatedAt: time.Now().Add(-age),
	}
	chunks := []models.VersionChunk{
		{ID: uuid.New(), VersionID: v.ID, ChunkIndex: 0, ChunkHash: "h0", Content: "first"},
		{ID: uuid.New(), VersionID: v.ID, ChunkIndex: 1, ChunkHash: "h1", Content: "second"},
	}
	require.NoError(t, st.CreateVersion(context.Background(), v, chunks))

	if summarized {
		for _, c := range chunks {
			wrote, err := st.SetChunkSummary(context.Background(), c.ID,
				"### Overview\n\nAn already-written summary above the fragment floor.", "es")
			require.NoError(t, err)
			require.True(t, wrote)
		}
	}
	return v, chunks
}

func TestSweep_ReenqueuesStalledChunks(t *testing.T) {
	st := store.NewMemory()
	enq := &fakeEnqueuer{}
	s := testSweeper(t, st, enq)

	_, chunks := seedStalled(t, st, 10*time.Minute, false)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.VersionsScanned)
	assert.Equal(t, 2, res.ChunksEnqueued)
	assert.Equal(t, 0, res.ChecksRun)

	require.Len(t, enq.enqueued, 2)
	assert.ElementsMatch(t, []uuid.UUID{chunks[0].ID, chunks[1].ID}, enq.enqueued)
	// The version's requested language survives the replay.
	assert.Equal(t, []string{"es", "es"}, enq.langs)
}

func TestSweep_IgnoresYoungVersions(t *testing.T) {
	st := store.NewMemory()
	enq := &fakeEnqueuer{}
	s := testSweeper(t, st, enq)

	seedStalled(t, st, 30*time.Second, false)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.VersionsScanned)
	assert.Empty(t, enq.enqueued)
}

func TestSweep_FinalizesVersionCrashedBeforeMerge(t *testing.T) {
	st := store.NewMemory()
	enq := &fakeEnqueuer{}
	s := testSweeper(t, st, enq)

	// Every chunk summary landed but the merge never ran.
	v, _ := seedStalled(t, st, 10*time.Minute, true)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.ChecksRun)
	assert.Empty(t, enq.enqueued, "finished chunks must not be re-enqueued")

	got, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalSummaryID)
	assert.Equal(t, models.VersionStatusComplete, got.Status)
}

func TestSweep_CompletedVersionsNotScanned(t *testing.T) {
	st := store.NewMemory()
	enq := &fakeEnqueuer{}
	s := testSweeper(t, st, enq)

	v, _ := seedStalled(t, st, 10*time.Minute, true)
	sum := &models.Summary{ID: uuid.New(), DocumentID: v.DocumentID, Content: "done"}
	require.NoError(t, st.CreateSummary(context.Background(), sum))
	linked, err := st.LinkFinalSummary(context.Background(), v.ID, sum.ID)
	require.NoError(t, err)
	require.True(t, linked)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.VersionsScanned)
}
