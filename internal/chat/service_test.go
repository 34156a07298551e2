package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/embedding"
	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/store"
)

type fakeGateway struct {
	chatCalls  []llm.ChatRequest
	embedCalls int
	embedErr   error
	answer     string
}

func (f *fakeGateway) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.chatCalls = append(f.chatCalls, req)
	return &llm.ChatResponse{Content: f.answer, TotalTokens: 42}, nil
}

func (f *fakeGateway) Embed(_ context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(req.Input))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return &llm.EmbeddingResponse{Embeddings: out}, nil
}

func (f *fakeGateway) Provider(string) (llm.Provider, error) {
	return nil, errors.New("not implemented")
}

func seedCompletedVersion(t *testing.T, st store.Store, docID uuid.UUID, number int, text string) *models.DocumentVersion {
	t.Helper()
	ctx := context.Background()

	v := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: docID, VersionNumber: number,
		TotalChunks: 1, NewChunks: 1, Language: "en",
		Status: models.VersionStatusProcessing,
	}
	require.NoError(t, st.CreateVersion(ctx, v, nil))

	sum := &models.Summary{ID: uuid.New(), DocumentID: docID, Content: "summary"}
	require.NoError(t, st.CreateSummary(ctx, sum))
	linked, err := st.LinkFinalSummary(ctx, v.ID, sum.ID)
	require.NoError(t, err)
	require.True(t, linked)

	require.NoError(t, st.SaveVersionText(ctx, &models.VersionText{
		VersionID: v.ID, DocumentID: docID, Content: text,
	}))
	return v
}

func newTestService(st store.Store, gw llm.Gateway, threshold int) *Service {
	index := embedding.NewIndex(st, gw, "test-embed")
	cfg := config.ChatConfig{RetrievalThresholdChars: threshold, TopK: 2}
	return NewService(st, gw, index, cfg, "test-model")
}

func TestAsk_SmallDocumentUsesFullText(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{answer: "the deadline is Friday"}
	svc := newTestService(st, gw, 10000)

	docID := uuid.New()
	seedCompletedVersion(t, st, docID, 1, "The project deadline is Friday at noon.")

	ans, err := svc.Ask(context.Background(), docID, "When is the deadline?")
	require.NoError(t, err)

	assert.Equal(t, "the deadline is Friday", ans.Content)
	assert.Equal(t, 1, ans.VersionNumber)
	assert.False(t, ans.UsedRetrieval)
	assert.Equal(t, 42, ans.Tokens)
	assert.Zero(t, gw.embedCalls)

	// The document text went into the prompt verbatim.
	require.Len(t, gw.chatCalls, 1)
	assert.Contains(t, gw.chatCalls[0].Messages[1].Content, "deadline is Friday at noon")
}

func TestAsk_LargeDocumentUsesRetrieval(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{answer: "retrieved answer"}
	svc := newTestService(st, gw, 50)

	docID := uuid.New()
	seedCompletedVersion(t, st, docID, 1, strings.Repeat("lengthy document body text ", 20))

	ans, err := svc.Ask(context.Background(), docID, "What does it say?")
	require.NoError(t, err)

	assert.True(t, ans.UsedRetrieval)
	assert.Greater(t, gw.embedCalls, 0, "retrieval must embed query and windows")
}

func TestAsk_RetrievalFailureFallsBackOnRuneBoundary(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{answer: "fallback answer", embedErr: errors.New("embedder down")}
	// 50 bytes is not a multiple of 3, so a naive byte slice of this
	// text would cut through a rune.
	svc := newTestService(st, gw, 50)

	docID := uuid.New()
	seedCompletedVersion(t, st, docID, 1, strings.Repeat("日", 40))

	ans, err := svc.Ask(context.Background(), docID, "what language?")
	require.NoError(t, err)
	assert.False(t, ans.UsedRetrieval)

	require.Len(t, gw.chatCalls, 1)
	prompt := gw.chatCalls[0].Messages[1].Content
	assert.True(t, utf8.ValidString(prompt), "truncated fallback must stay valid UTF-8")
	assert.Contains(t, prompt, "日")
}

func TestAsk_UsesLatestCompletedVersion(t *testing.T) {
	st := store.NewMemory()
	gw := &fakeGateway{answer: "ok"}
	svc := newTestService(st, gw, 10000)

	docID := uuid.New()
	seedCompletedVersion(t, st, docID, 1, "version one text")
	seedCompletedVersion(t, st, docID, 2, "version two text")

	// Version three is still processing and must be ignored.
	v3 := &models.DocumentVersion{
		ID: uuid.New(), DocumentID: docID, VersionNumber: 3,
		TotalChunks: 1, NewChunks: 1, Language: "en",
		Status: models.VersionStatusProcessing,
	}
	require.NoError(t, st.CreateVersion(context.Background(), v3, nil))

	ans, err := svc.Ask(context.Background(), docID, "which version?")
	require.NoError(t, err)
	assert.Equal(t, 2, ans.VersionNumber)
	assert.Contains(t, gw.chatCalls[0].Messages[1].Content, "version two text")
}

func TestAsk_NoCompletedVersion(t *testing.T) {
	st := store.NewMemory()
	svc := newTestService(st, &fakeGateway{}, 10000)

	_, err := svc.Ask(context.Background(), uuid.New(), "anything?")
	assert.Error(t, err)
}
