package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdelta/docdelta/internal/alert"
	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/store"
	"github.com/docdelta/docdelta/internal/version"
)

type fakeGateway struct {
	chatFn func(req llm.ChatRequest) (*llm.ChatResponse, error)
	calls  atomic.Int64
}

func (f *fakeGateway) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls.Add(1)
	if f.chatFn != nil {
		return f.chatFn(req)
	}
	return &llm.ChatResponse{Content: defaultSummary}, nil
}

func (f *fakeGateway) Embed(context.Context, llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) Provider(string) (llm.Provider, error) {
	return nil, errors.New("not implemented")
}

const defaultSummary = "### Overview\n\nA generated summary paragraph comfortably above the fragment floor."

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		ChunkSize:                    1000,
		MaxNewChunksPerVersion:       100,
		DailyTokenBudget:             500000,
		TokensPerChunkEstimate:       1200,
		PartialMergeThreshold:        0.5,
		RegenerateOnLanguageMismatch: true,
		ReplayAgeSeconds:             300,
	}
}

func newTestProcessor(t *testing.T, st store.Store, gw llm.Gateway) *Processor {
	t.Helper()
	notifier := alert.NewNotifier("", 0, nil)
	t.Cleanup(notifier.Close)
	return New(st, gw, notifier, nil, testPipelineConfig(), "test-model")
}

// seedVersion creates a version whose chunks carry the given contents.
// reuse maps a chunk index to a source chunk ID from a prior version.
func seedVersion(t *testing.T, st store.Store, docID uuid.UUID, number int, contents []string, reuse map[int]uuid.UUID) (*models.DocumentVersion, []models.VersionChunk) {
	t.Helper()

	v := &models.DocumentVersion{
		ID:              uuid.New(),
		DocumentID:      docID,
		VersionNumber:   number,
		FullContentHash: "hash-" + uuid.NewString(),
		TotalChunks:     len(contents),
		Language:        "en",
		Status:          models.VersionStatusProcessing,
	}

	chunks := make([]models.VersionChunk, len(contents))
	for i, content := range contents {
		chunks[i] = models.VersionChunk{
			ID:         uuid.New(),
			VersionID:  v.ID,
			ChunkIndex: i,
			ChunkHash:  "chunk-hash-" + content,
			Content:    content,
		}
		if src, ok := reuse[i]; ok {
			id := src
			chunks[i].ReusedFromChunkID = &id
			v.ReusedChunks++
		}
	}
	v.NewChunks = v.TotalChunks - v.ReusedChunks

	require.NoError(t, st.CreateVersion(context.Background(), v, chunks))
	return v, chunks
}

func TestProcessChunk_NewChunkSummarizedAndFinalized(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{}
	p := newTestProcessor(t, st, gw)

	v, chunks := seedVersion(t, st, uuid.New(), 1, []string{"some document text"}, nil)

	res := p.ProcessChunk(context.Background(), chunks[0].ID, v.ID, "en")
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSummarized, res.Status)

	c, err := st.GetChunk(context.Background(), chunks[0].ID)
	require.NoError(t, err)
	require.NotNil(t, c.Summary)
	assert.Equal(t, "en", *c.SummaryLanguage)

	// The only chunk finished, so the version merged immediately.
	got, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalSummaryID)
	assert.Equal(t, models.VersionStatusComplete, got.Status)

	sum, err := st.GetSummary(context.Background(), *got.FinalSummaryID)
	require.NoError(t, err)
	assert.Contains(t, sum.Content, "### Overview")
}

func TestProcessChunk_DuplicateDeliveryIsSkipped(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{}
	p := newTestProcessor(t, st, gw)

	v, chunks := seedVersion(t, st, uuid.New(), 1, []string{"some document text"}, nil)

	first := p.ProcessChunk(context.Background(), chunks[0].ID, v.ID, "en")
	assert.Equal(t, StatusSummarized, first.Status)

	second := p.ProcessChunk(context.Background(), chunks[0].ID, v.ID, "en")
	assert.Equal(t, StatusSkipped, second.Status)
	assert.False(t, second.Retryable())

	assert.Equal(t, int64(1), gw.calls.Load(), "duplicate delivery must not call the model again")
}

func TestProcessChunk_ReuseCopiesWithoutModelCall(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{}
	p := newTestProcessor(t, st, gw)
	docID := uuid.New()

	_, v1chunks := seedVersion(t, st, docID, 1, []string{"unchanged paragraph"}, nil)
	wrote, err := st.SetChunkSummary(context.Background(), v1chunks[0].ID, defaultSummary, "en")
	require.NoError(t, err)
	require.True(t, wrote)

	v2, v2chunks := seedVersion(t, st, docID, 2, []string{"unchanged paragraph"},
		map[int]uuid.UUID{0: v1chunks[0].ID})

	res := p.ProcessChunk(context.Background(), v2chunks[0].ID, v2.ID, "en")
	require.NoError(t, res.Err)
	assert.Equal(t, StatusCopied, res.Status)
	assert.Equal(t, int64(0), gw.calls.Load())

	c, err := st.GetChunk(context.Background(), v2chunks[0].ID)
	require.NoError(t, err)
	require.NotNil(t, c.Summary)
	assert.Equal(t, defaultSummary, *c.Summary)
}

func TestProcessChunk_ReuseSourceNotReady(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{}
	p := newTestProcessor(t, st, gw)
	docID := uuid.New()

	_, v1chunks := seedVersion(t, st, docID, 1, []string{"unchanged paragraph"}, nil)
	v2, v2chunks := seedVersion(t, st, docID, 2, []string{"unchanged paragraph"},
		map[int]uuid.UUID{0: v1chunks[0].ID})

	res := p.ProcessChunk(context.Background(), v2chunks[0].ID, v2.ID, "en")
	assert.Equal(t, StatusSourceNotReady, res.Status)
	assert.True(t, res.Retryable())
	assert.Equal(t, int64(0), gw.calls.Load())

	c, err := st.GetChunk(context.Background(), v2chunks[0].ID)
	require.NoError(t, err)
	assert.Nil(t, c.Summary)
}

func TestProcessChunk_LanguageMismatchRegenerates(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{}
	p := newTestProcessor(t, st, gw)
	docID := uuid.New()

	_, v1chunks := seedVersion(t, st, docID, 1, []string{"unchanged paragraph"}, nil)
	wrote, err := st.SetChunkSummary(context.Background(), v1chunks[0].ID, defaultSummary, "en")
	require.NoError(t, err)
	require.True(t, wrote)

	v2, v2chunks := seedVersion(t, st, docID, 2, []string{"unchanged paragraph"},
		map[int]uuid.UUID{0: v1chunks[0].ID})

	res := p.ProcessChunk(context.Background(), v2chunks[0].ID, v2.ID, "es")
	require.NoError(t, res.Err)
	assert.Equal(t, StatusSummarized, res.Status)
	assert.Equal(t, int64(1), gw.calls.Load(), "cached summary in another language must regenerate")

	c, err := st.GetChunk(context.Background(), v2chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "es", *c.SummaryLanguage)
}

func TestProcessChunk_ModelFailure(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{chatFn: func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("provider unavailable")
	}}
	p := newTestProcessor(t, st, gw)

	v, chunks := seedVersion(t, st, uuid.New(), 1, []string{"some document text"}, nil)

	res := p.ProcessChunk(context.Background(), chunks[0].ID, v.ID, "en")
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Retryable())
	require.Error(t, res.Err)

	c, err := st.GetChunk(context.Background(), chunks[0].ID)
	require.NoError(t, err)
	assert.Nil(t, c.Summary)

	got, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FinalSummaryID)
}

func TestProcessChunk_EmptyModelOutputFails(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{chatFn: func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: "   \n"}, nil
	}}
	p := newTestProcessor(t, st, gw)

	v, chunks := seedVersion(t, st, uuid.New(), 1, []string{"some document text"}, nil)

	res := p.ProcessChunk(context.Background(), chunks[0].ID, v.ID, "en")
	assert.Equal(t, StatusFailed, res.Status)
}

func TestCompletion_ConcurrentFinishersLinkExactlyOnce(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{chatFn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		// Distinct bodies per chunk so the merge has real content.
		return &llm.ChatResponse{
			Content: "### Key Insights\n\nInsight derived from input of length " +
				strings.Repeat("x", len(req.Messages[1].Content)%7) + " with padding to pass the floor.",
		}, nil
	}}
	p := newTestProcessor(t, st, gw)

	contents := make([]string, 8)
	for i := range contents {
		contents[i] = strings.Repeat("word ", i+5)
	}
	v, chunks := seedVersion(t, st, uuid.New(), 1, contents, nil)

	var wg sync.WaitGroup
	for _, c := range chunks {
		wg.Add(1)
		go func(chunkID uuid.UUID) {
			defer wg.Done()
			res := p.ProcessChunk(context.Background(), chunkID, v.ID, "en")
			assert.NoError(t, res.Err)
		}(c.ID)
	}
	wg.Wait()

	got, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalSummaryID, "racing completion checks must produce a linked summary")
	assert.Equal(t, models.VersionStatusComplete, got.Status)

	first := *got.FinalSummaryID
	// Re-running the completion check must not replace the winner.
	p.CheckCompletion(context.Background(), v.ID)
	again, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *again.FinalSummaryID)
}

func TestCompletion_PartialMergeAtThreshold(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{chatFn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		if strings.Contains(req.Messages[1].Content, "POISON") {
			return nil, errors.New("provider unavailable")
		}
		return &llm.ChatResponse{Content: defaultSummary}, nil
	}}
	p := newTestProcessor(t, st, gw)

	v, chunks := seedVersion(t, st, uuid.New(), 1,
		[]string{"good first chunk", "good second chunk", "POISON third", "POISON fourth"}, nil)

	res := p.ProcessChunk(context.Background(), chunks[0].ID, v.ID, "en")
	require.Equal(t, StatusSummarized, res.Status)

	// 1 of 4 summarized: below the 50% threshold, no merge yet.
	got, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FinalSummaryID)

	res = p.ProcessChunk(context.Background(), chunks[1].ID, v.ID, "en")
	require.Equal(t, StatusSummarized, res.Status)

	// 2 of 4 meets ceil(0.5*4): partial merge fires rather than waiting
	// for the failing chunks.
	got, err = st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalSummaryID)
}

func TestCheckCompletion_RecoversCrashedMerge(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{}
	p := newTestProcessor(t, st, gw)

	v, chunks := seedVersion(t, st, uuid.New(), 1, []string{"aaa", "bbb"}, nil)

	// Summaries landed but the finisher crashed before merging.
	for _, c := range chunks {
		wrote, err := st.SetChunkSummary(context.Background(), c.ID, defaultSummary, "en")
		require.NoError(t, err)
		require.True(t, wrote)
	}

	p.CheckCompletion(context.Background(), v.ID)

	got, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalSummaryID)
}

// TestReuploadWithOneChangedChunk drives the full pipeline across two
// versions: a 3-chunk document is re-uploaded with only the middle chunk
// edited, and the second version must reuse the outer chunks' summaries
// while calling the model for exactly the changed one.
func TestReuploadWithOneChangedChunk(t *testing.T) {
	st := store.NewMemory()
	// Each summary names a word unique to its chunk so provenance is
	// visible in the merged output.
	markers := []string{"XEDIT030", "w0000000", "w0000022", "w0000044"}
	gw := &fakeGateway{chatFn: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		for _, m := range markers {
			if strings.Contains(req.Messages[1].Content, m) {
				return &llm.ChatResponse{
					Content: "### Overview\n\nSection covering " + m + " with enough detail to clear the fragment floor.",
				}, nil
			}
		}
		return &llm.ChatResponse{Content: defaultSummary}, nil
	}}

	cfg := testPipelineConfig()
	cfg.ChunkSize = 200
	// Merge only at full completion so every chunk contributes.
	cfg.PartialMergeThreshold = 1.0

	notifier := alert.NewNotifier("", 0, nil)
	t.Cleanup(notifier.Close)
	p := New(st, gw, notifier, nil, cfg, "test-model")
	vs := version.NewService(st, cfg)
	ctx := context.Background()

	// 66 fixed-width words split into exactly 3 chunks of 22 words.
	words := make([]string, 66)
	for i := range words {
		words[i] = fmt.Sprintf("w%07d", i)
	}
	v1Content := strings.Join(words, " ")
	words[30] = "XEDIT030" // same length, chunk boundaries unchanged
	v2Content := strings.Join(words, " ")

	doc, err := vs.FindOrCreateDocument(ctx, "owner-1", "Runbook")
	require.NoError(t, err)

	v1, v1chunks, err := vs.CreateVersion(ctx, doc.ID, v1Content, "en")
	require.NoError(t, err)
	require.Equal(t, 3, v1.TotalChunks)

	for _, c := range v1chunks {
		res := p.ProcessChunk(ctx, c.ID, v1.ID, "en")
		require.Equal(t, StatusSummarized, res.Status)
	}
	require.Equal(t, int64(3), gw.calls.Load())

	v2, v2chunks, err := vs.CreateVersion(ctx, doc.ID, v2Content, "en")
	require.NoError(t, err)
	assert.Equal(t, 3, v2.TotalChunks)
	assert.Equal(t, 2, v2.ReusedChunks)
	assert.Equal(t, 1, v2.NewChunks)
	assert.NotNil(t, v2chunks[0].ReusedFromChunkID)
	assert.Nil(t, v2chunks[1].ReusedFromChunkID)
	assert.NotNil(t, v2chunks[2].ReusedFromChunkID)

	statuses := make([]Status, 3)
	for i, c := range v2chunks {
		statuses[i] = p.ProcessChunk(ctx, c.ID, v2.ID, "en").Status
	}
	assert.Equal(t, []Status{StatusCopied, StatusSummarized, StatusCopied}, statuses)
	assert.Equal(t, int64(4), gw.calls.Load(), "only the changed chunk may hit the model")

	got, err := st.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalSummaryID)
	assert.Equal(t, models.VersionStatusComplete, got.Status)

	sum, err := st.GetSummary(ctx, *got.FinalSummaryID)
	require.NoError(t, err)
	assert.Contains(t, sum.Content, "w0000000", "first chunk's copied summary must survive the merge")
	assert.Contains(t, sum.Content, "w0000044", "last chunk's copied summary must survive the merge")
	assert.Contains(t, sum.Content, "XEDIT030", "the edited chunk must contribute fresh content")
	assert.NotContains(t, sum.Content, "w0000022", "the replaced middle summary must not leak into version two")
}

func TestMergeEmpty_DoesNotLinkSummary(t *testing.T) {
	st := store.NewMemory()
	// Short output survives chunk validation but every paragraph falls
	// below the merge fragment floor.
	gw := &fakeGateway{chatFn: func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: "tiny note"}, nil
	}}
	p := newTestProcessor(t, st, gw)

	v, chunks := seedVersion(t, st, uuid.New(), 1, []string{"some document text"}, nil)

	res := p.ProcessChunk(context.Background(), chunks[0].ID, v.ID, "en")
	assert.Equal(t, StatusSummarized, res.Status)

	got, err := st.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FinalSummaryID, "a merge with no usable content must not finalize")
}
