package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/models"
	"github.com/docdelta/docdelta/internal/store"
)

// Detector runs the LLM semantic diff between a completed version and
// its immediate predecessor. It only ever appends: repeated runs over
// the same version pair are no-ops thanks to the idempotent event
// insert.
type Detector struct {
	store   store.Store
	gateway llm.Gateway
	model   string
}

func NewDetector(st store.Store, gw llm.Gateway, model string) *Detector {
	return &Detector{store: st, gateway: gw, model: model}
}

// rawChange is what the model is asked to emit.
type rawChange struct {
	ChangeType string  `json:"change_type"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// Detect diffs versionID against its predecessor and persists the
// classified change events. First versions have no predecessor and
// produce nothing. Malformed model output degrades to an empty result,
// never an error: a missing timeline entry beats a crashed worker.
func (d *Detector) Detect(ctx context.Context, documentID, versionID uuid.UUID) ([]models.ChangeEvent, error) {
	v, err := d.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	if v.VersionNumber <= 1 {
		return nil, nil
	}

	prev, err := d.store.GetVersionByNumber(ctx, documentID, v.VersionNumber-1)
	if err != nil {
		return nil, fmt.Errorf("get previous version: %w", err)
	}

	prevText, _, err := d.versionText(ctx, prev.ID)
	if err != nil {
		return nil, fmt.Errorf("build previous text: %w", err)
	}
	currText, newIndices, err := d.versionText(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("build current text: %w", err)
	}

	raw := d.ask(ctx, prevText, currText, newIndices)

	var events []models.ChangeEvent
	for _, rc := range raw {
		if !models.ValidChangeTypes[rc.ChangeType] {
			continue
		}
		summary := strings.TrimSpace(rc.Summary)
		if summary == "" {
			continue
		}
		conf := rc.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}

		ev := models.ChangeEvent{
			ID:                   uuid.New(),
			DocumentID:           documentID,
			FromVersion:          prev.VersionNumber,
			ToVersion:            v.VersionNumber,
			ChangeType:           rc.ChangeType,
			Summary:              summary,
			AffectedChunkIndices: newIndices,
			Confidence:           conf,
		}
		if err := d.store.InsertChangeEvent(ctx, &ev); err != nil {
			return nil, fmt.Errorf("insert change event: %w", err)
		}
		events = append(events, ev)
	}

	slog.Info("change detection finished",
		"document_id", documentID,
		"from_version", prev.VersionNumber,
		"to_version", v.VersionNumber,
		"events", len(events),
	)
	return events, nil
}

// versionText assembles the ordered full-version text from chunk
// summaries, resolving reuse chunks through their source, and returns
// the indices of the version's new (non-reused) chunks.
func (d *Detector) versionText(ctx context.Context, versionID uuid.UUID) (string, []int, error) {
	chunks, err := d.store.ListChunks(ctx, versionID)
	if err != nil {
		return "", nil, err
	}

	newIndices := []int{}
	var parts []string
	for _, c := range chunks {
		if c.ReusedFromChunkID == nil {
			newIndices = append(newIndices, c.ChunkIndex)
		}

		summary := ""
		if c.Summary != nil {
			summary = *c.Summary
		} else if c.ReusedFromChunkID != nil {
			src, err := d.store.GetChunk(ctx, *c.ReusedFromChunkID)
			if err == nil && src.Summary != nil {
				summary = *src.Summary
			}
		}
		if summary != "" {
			parts = append(parts, fmt.Sprintf("[chunk %d]\n%s", c.ChunkIndex, summary))
		}
	}
	return strings.Join(parts, "\n\n"), newIndices, nil
}

// ask queries the model and extracts the bracketed JSON array from
// whatever came back.
func (d *Detector) ask(ctx context.Context, prevText, currText string, newIndices []int) []rawChange {
	resp, err := d.gateway.Chat(ctx, llm.ChatRequest{
		Model: d.model,
		Messages: []llm.Message{
			{Role: "system", Content: diffSystemPrompt},
			{Role: "user", Content: diffUserPrompt(prevText, currText, newIndices)},
		},
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("change detection model call failed", "error", err)
		return nil
	}
	return parseChanges(resp.Content)
}

// parseChanges pulls the first JSON array out of model output. Anything
// unparseable yields an empty list.
func parseChanges(content string) []rawChange {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil
	}

	var raw []rawChange
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		slog.Warn("change detection output unparseable", "error", err)
		return nil
	}
	return raw
}

const diffSystemPrompt = `You compare two consecutive versions of a document and classify what changed. Reply with ONLY a JSON array of objects:
[{"change_type": "...", "summary": "...", "confidence": 0.0}]

change_type must be one of: added, removed, modified, policy_shift, risk_added, risk_removed, assumption_added, assumption_removed, clarification, scope_change.
confidence is between 0 and 1. Return [] if nothing meaningful changed.`

func diffUserPrompt(prevText, currText string, newIndices []int) string {
	return fmt.Sprintf(`Previous version:
%s

Current version:
%s

Focus only on the content of chunks %v of the current version; everything else is unchanged.`, prevText, currText, newIndices)
}
