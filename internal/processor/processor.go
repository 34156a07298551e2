package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/alert"
	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/store"
)

// Status classifies the outcome of one processing attempt. Soft outcomes
// (skipped, source not ready) are not errors: duplicate deliveries and
// out-of-order reuse chains are expected under at-least-once dispatch.
type Status string

const (
	StatusSummarized     Status = "summarized"
	StatusCopied         Status = "copied"
	StatusSkipped        Status = "skipped"
	StatusSourceNotReady Status = "source_not_ready"
	StatusFailed         Status = "failed"
)

// Result is returned from the processing entry point so a worker loop can
// decide on retry without crashing on a single chunk.
type Result struct {
	ChunkID uuid.UUID
	Status  Status
	Err     error
}

// Retryable reports whether the replay sweep should pick this chunk up
// again.
func (r Result) Retryable() bool {
	return r.Status == StatusSourceNotReady || r.Status == StatusFailed
}

// ChangeTrigger is invoked fire-and-forget after a version completes.
type ChangeTrigger interface {
	TriggerChangeDetection(documentID, versionID uuid.UUID) error
}

// Processor runs the per-chunk state machine: pending-new and
// pending-reuse chunks become done exactly once each, and the last
// finisher merges the section summaries into the document summary.
// All races are resolved by the store's conditional writes; the
// processor itself holds no locks and keeps no state between calls.
type Processor struct {
	store    store.Store
	gateway  llm.Gateway
	notifier *alert.Notifier
	merger   *Merger
	cfg      config.PipelineConfig
	model    string
	changes  ChangeTrigger
}

func New(st store.Store, gw llm.Gateway, notifier *alert.Notifier, merger *Merger, cfg config.PipelineConfig, model string) *Processor {
	if merger == nil {
		merger = NewMerger(nil, nil)
	}
	return &Processor{
		store:    st,
		gateway:  gw,
		notifier: notifier,
		merger:   merger,
		cfg:      cfg,
		model:    model,
	}
}

// SetChangeTrigger wires the async change-detection hook. Optional; nil
// means completed versions simply skip semantic diffing.
func (p *Processor) SetChangeTrigger(t ChangeTrigger) {
	p.changes = t
}

// ProcessChunk is the idempotent entry point the job dispatcher delivers
// to, at least once, in no guaranteed order.
func (p *Processor) ProcessChunk(ctx context.Context, chunkID, versionID uuid.UUID, language string) Result {
	c, err := p.store.GetChunk(ctx, chunkID)
	if err != nil {
		return Result{ChunkID: chunkID, Status: StatusFailed, Err: fmt.Errorf("get chunk: %w", err)}
	}

	// Duplicate delivery of a finished chunk is a success, not an error.
	if c.Summary != nil {
		return Result{ChunkID: chunkID, Status: StatusSkipped}
	}

	if c.ReusedFromChunkID != nil {
		res, fallthroughToNew := p.processReuse(ctx, c, versionID, language)
		if !fallthroughToNew {
			return res
		}
		// Language mismatch: the cached summary is not portable across
		// output languages, so the chunk is treated as new.
	}

	return p.processNew(ctx, c, versionID, language)
}

// processReuse copies the source chunk's summary. The bool return asks
// the caller to regenerate from scratch instead.
func (p *Processor) processReuse(ctx context.Context, c *models.VersionChunk, versionID uuid.UUID, language string) (Result, bool) {
	src, err := p.store.GetChunk(ctx, *c.ReusedFromChunkID)
	if err != nil {
		return Result{ChunkID: c.ID, Status: StatusFailed, Err: fmt.Errorf("get reuse source: %w", err)}, false
	}

	if src.Summary == nil {
		// Not fatal: the source just hasn't been processed yet. The
		// replay sweep retries this chunk later.
		return Result{ChunkID: c.ID, Status: StatusSourceNotReady}, false
	}

	srcLanguage := ""
	if src.SummaryLanguage != nil {
		srcLanguage = *src.SummaryLanguage
	}
	if srcLanguage != language && p.cfg.RegenerateOnLanguageMismatch {
		return Result{}, true
	}

	wrote, err := p.store.SetChunkSummary(ctx, c.ID, *src.Summary, srcLanguage)
	if err != nil {
		return Result{ChunkID: c.ID, Status: StatusFailed, Err: fmt.Errorf("copy summary: %w", err)}, false
	}
	if !wrote {
		// Another writer already finished it.
		return Result{ChunkID: c.ID, Status: StatusSkipped}, false
	}

	p.checkCompletion(ctx, versionID)
	return Result{ChunkID: c.ID, Status: StatusCopied}, false
}

func (p *Processor) processNew(ctx context.Context, c *models.VersionChunk, versionID uuid.UUID, language string) Result {
	summary, err := p.summarize(ctx, c.Content, language)
	if err != nil {
		slog.Error("chunk summarization failed",
			"chunk_id", c.ID,
			"version_id", versionID,
			"error", err,
		)
		p.notifier.Notify(ctx, "chunk_model_failure", versionID.String(), alert.SeverityWarning,
			fmt.Sprintf("summarization failed for chunk %d: %v", c.ChunkIndex, err),
			map[string]any{"chunk_id": c.ID.String(), "version_id": versionID.String()},
		)
		return Result{ChunkID: c.ID, Status: StatusFailed, Err: err}
	}

	wrote, err := p.store.SetChunkSummary(ctx, c.ID, summary, language)
	if err != nil {
		return Result{ChunkID: c.ID, Status: StatusFailed, Err: fmt.Errorf("persist summary: %w", err)}
	}
	if !wrote {
		return Result{ChunkID: c.ID, Status: StatusSkipped}
	}

	p.checkCompletion(ctx, versionID)
	return Result{ChunkID: c.ID, Status: StatusSummarized}
}

func (p *Processor) summarize(ctx context.Context, content, language string) (string, error) {
	resp, err := p.gateway.Chat(ctx, llm.ChatRequest{
		Model: p.model,
		Messages: []llm.Message{
			{Role: "system", Content: chunkSystemPrompt(language)},
			{Role: "user", Content: content},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("model returned empty summary")
	}
	return summary, nil
}

func chunkSystemPrompt(language string) string {
	return fmt.Sprintf(`You are summarizing one section of a longer document. Write a focused summary of 200-400 words in %s.

Structure the output as markdown sections using "### " headers, choosing from: Overview, Key Insights, Risks, Decisions, Open Questions. Only include sections the text supports. Separate distinct points with blank lines.`, language)
}

// CheckCompletion decides whether the version is done and, if so, merges
// the chunk summaries into the final document summary. Many chunk
// completions may race into this concurrently; the final_summary_id
// guard ensures exactly one caller wins, and losers exit quietly. Errors
// are logged and swallowed so one version's bug cannot take down a
// shared worker loop.
func (p *Processor) CheckCompletion(ctx context.Context, versionID uuid.UUID) {
	if err := p.finalizeIfComplete(ctx, versionID); err != nil {
		slog.Error("completion check failed", "version_id", versionID, "error", err)
	}
}

func (p *Processor) checkCompletion(ctx context.Context, versionID uuid.UUID) {
	p.CheckCompletion(ctx, versionID)
}

func (p *Processor) finalizeIfComplete(ctx context.Context, versionID uuid.UUID) error {
	v, err := p.store.GetVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	// Short-circuit: someone already merged. Prevents duplicate merges
	// when several chunk completions race to be last.
	if v.FinalSummaryID != nil {
		return nil
	}

	counts, err := p.store.ChunkCompletion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("completion counts: %w", err)
	}
	if counts.Total == 0 {
		return nil
	}

	complete := counts.MissingNew == 0 && counts.MissingBlocked == 0
	if !complete {
		needed := int(math.Ceil(p.cfg.PartialMergeThreshold * float64(counts.Total)))
		if counts.Summarized < needed {
			return nil
		}
		// Enough chunks are in to produce a useful summary; merging now
		// beats waiting indefinitely for stragglers.
		slog.Warn("merging partially complete version",
			"version_id", versionID,
			"summarized", counts.Summarized,
			"total", counts.Total,
		)
	}

	return p.merge(ctx, v)
}

func (p *Processor) merge(ctx context.Context, v *models.DocumentVersion) error {
	chunks, err := p.store.ListChunks(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	summaries := p.resolveSummaries(ctx, chunks)
	merged := p.merger.Merge(summaries)
	if merged == "" {
		// Never emit an empty or garbage document summary.
		slog.Error("no chunk summaries available at merge time", "version_id", v.ID)
		p.notifier.Notify(ctx, "merge_empty", v.ID.String(), alert.SeverityCritical,
			"version reached merge with zero usable chunk summaries",
			map[string]any{"version_id": v.ID.String(), "document_id": v.DocumentID.String()},
		)
		return nil
	}

	sum := &models.Summary{
		ID:         uuid.New(),
		DocumentID: v.DocumentID,
		Content:    merged,
	}
	if err := p.store.CreateSummary(ctx, sum); err != nil {
		return fmt.Errorf("create summary: %w", err)
	}

	linked, err := p.linkWithRetry(ctx, v.ID, sum.ID)
	if err != nil {
		// The summary row exists but is attached to nothing; this needs
		// operator reconciliation.
		slog.Error("final summary link failed after retry", "version_id", v.ID, "summary_id", sum.ID, "error", err)
		p.notifier.Notify(ctx, "summary_link_failed", v.ID.String(), alert.SeverityCritical,
			"merged summary created but could not be attached to its version",
			map[string]any{"version_id": v.ID.String(), "summary_id": sum.ID.String()},
		)
		return nil
	}
	if !linked {
		// Lost the race: another caller attached its merge first. Our
		// summary row is redundant but harmless.
		slog.Debug("final summary race lost", "version_id", v.ID, "summary_id", sum.ID)
		return nil
	}

	slog.Info("version finalized",
		"version_id", v.ID,
		"document_id", v.DocumentID,
		"version_number", v.VersionNumber,
		"summary_id", sum.ID,
	)

	p.afterFinalize(v, chunks)
	return nil
}

func (p *Processor) linkWithRetry(ctx context.Context, versionID, summaryID uuid.UUID) (bool, error) {
	linked, err := p.store.LinkFinalSummary(ctx, versionID, summaryID)
	if err == nil {
		return linked, nil
	}
	slog.Warn("final summary link failed, retrying once", "version_id", versionID, "error", err)
	return p.store.LinkFinalSummary(ctx, versionID, summaryID)
}

// resolveSummaries returns each chunk's effective summary in index order:
// its own when set, otherwise its reuse source's.
func (p *Processor) resolveSummaries(ctx context.Context, chunks []models.VersionChunk) []string {
	var out []string
	for _, c := range chunks {
		if c.Summary != nil {
			out = append(out, *c.Summary)
			continue
		}
		if c.ReusedFromChunkID == nil {
			continue
		}
		src, err := p.store.GetChunk(ctx, *c.ReusedFromChunkID)
		if err != nil || src.Summary == nil {
			continue
		}
		out = append(out, *src.Summary)
	}
	return out
}

// afterFinalize runs the failure-tolerant side effects: persisting the
// concatenated chunk text for chat retrieval and triggering semantic
// change detection. Neither can fail the finalize path; a failure only
// costs a later recomputation.
func (p *Processor) afterFinalize(v *models.DocumentVersion, chunks []models.VersionChunk) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		parts := make([]string, len(chunks))
		for i, c := range chunks {
			parts[i] = c.Content
		}
		err := p.store.SaveVersionText(ctx, &models.VersionText{
			VersionID:  v.ID,
			DocumentID: v.DocumentID,
			Content:    strings.Join(parts, "\n\n"),
		})
		if err != nil {
			slog.Warn("persist version text failed", "version_id", v.ID, "error", err)
		}
	}()

	if p.changes != nil && v.VersionNumber > 1 {
		if err := p.changes.TriggerChangeDetection(v.DocumentID, v.ID); err != nil {
			slog.Warn("change detection trigger failed", "version_id", v.ID, "error", err)
		}
	}
}
