package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/embedding"
	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/store"
	"github.com/docdelta/docdelta/pkg/chunker"
)

// Service answers questions about a document from its latest completed
// version. Small documents go to the model whole; past the size
// threshold the context is assembled from embedding retrieval instead.
type Service struct {
	store   store.Store
	gateway llm.Gateway
	index   *embedding.Index
	cfg     config.ChatConfig
	model   string
}

func NewService(st store.Store, gw llm.Gateway, index *embedding.Index, cfg config.ChatConfig, model string) *Service {
	return &Service{store: st, gateway: gw, index: index, cfg: cfg, model: model}
}

type Answer struct {
	Content       string `json:"content"`
	VersionNumber int    `json:"version_number"`
	UsedRetrieval bool   `json:"used_retrieval"`
	Tokens        int    `json:"tokens"`
}

// Ask answers a question against the newest version that has a final
// summary attached.
func (s *Service) Ask(ctx context.Context, documentID uuid.UUID, question string) (*Answer, error) {
	versions, err := s.store.ListVersions(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	var latest *int
	var versionID uuid.UUID
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].FinalSummaryID != nil {
			n := versions[i].VersionNumber
			latest = &n
			versionID = versions[i].ID
			break
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("document has no completed version")
	}

	text, err := s.store.GetVersionText(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("get version text: %w", err)
	}

	docContext := text.Content
	usedRetrieval := false
	if len(text.Content) > s.cfg.RetrievalThresholdChars {
		usedRetrieval = true
		docContext, err = s.retrieve(ctx, question, text.Content)
		if err != nil {
			// Retrieval failing should not make the document unanswerable.
			slog.Warn("retrieval failed, falling back to truncated full text", "document_id", documentID, "error", err)
			docContext = truncateRunes(text.Content, s.cfg.RetrievalThresholdChars)
			usedRetrieval = false
		}
	}

	resp, err := s.gateway.Chat(ctx, llm.ChatRequest{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "system", Content: "Answer questions using only the provided document content. Say so when the document does not contain the answer."},
			{Role: "user", Content: fmt.Sprintf("Document:\n%s\n\nQuestion: %s", docContext, question)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	return &Answer{
		Content:       resp.Content,
		VersionNumber: *latest,
		UsedRetrieval: usedRetrieval,
		Tokens:        resp.TotalTokens,
	}, nil
}

// truncateRunes cuts s to at most n bytes without slicing mid-rune, so
// multibyte text never reaches the model as invalid UTF-8.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *Service) retrieve(ctx context.Context, question, fullText string) (string, error) {
	windows := chunker.EmbedWindows(fullText, chunker.DefaultWindowWords, chunker.DefaultOverlapWords)
	texts := make([]string, len(windows))
	for i, w := range windows {
		texts[i] = w.Content
	}

	relevant, err := s.index.FindRelevantChunks(ctx, question, texts, s.cfg.TopK)
	if err != nil {
		return "", err
	}
	if len(relevant) == 0 {
		return "", fmt.Errorf("no relevant chunks found")
	}

	parts := make([]string, len(relevant))
	for i, r := range relevant {
		parts[i] = r.Content
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}
