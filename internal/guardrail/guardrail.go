package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/alert"
	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/store"
)

// Usage is the structured context returned with every decision.
type Usage struct {
	NewChunks          int `json:"new_chunks"`
	PerVersionCap      int `json:"per_version_cap"`
	EstimatedTokens    int `json:"estimated_tokens"`
	TokensUsedToday    int `json:"tokens_used_today"`
	DailyTokenBudget   int `json:"daily_token_budget"`
	TokensAfterVersion int `json:"tokens_after_version"`
}

// Decision is the outcome of a pre-flight budget check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Guardrail gates chunk dispatch on two independent ceilings: a per-version
// new-chunk cap and a per-owner daily estimated-token budget. Reused chunks
// are free and excluded from both. A rejection is a hard stop; nothing
// retries it automatically.
type Guardrail struct {
	store    store.Store
	cfg      config.PipelineConfig
	notifier *alert.Notifier
}

func New(st store.Store, cfg config.PipelineConfig, notifier *alert.Notifier) *Guardrail {
	return &Guardrail{store: st, cfg: cfg, notifier: notifier}
}

// Check must run before any new chunk of a version is dispatched.
func (g *Guardrail) Check(ctx context.Context, ownerID string, versionID uuid.UUID, newChunks int) (*Decision, error) {
	estimated := newChunks * g.cfg.TokensPerChunkEstimate

	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	chunksToday, err := g.store.SumNewChunksSince(ctx, ownerID, startOfDay)
	if err != nil {
		return nil, fmt.Errorf("sum today's chunks: %w", err)
	}
	// chunksToday already includes this version's row, created just before
	// the check runs.
	usedToday := (chunksToday - newChunks) * g.cfg.TokensPerChunkEstimate
	if usedToday < 0 {
		usedToday = 0
	}

	usage := Usage{
		NewChunks:          newChunks,
		PerVersionCap:      g.cfg.MaxNewChunksPerVersion,
		EstimatedTokens:    estimated,
		TokensUsedToday:    usedToday,
		DailyTokenBudget:   g.cfg.DailyTokenBudget,
		TokensAfterVersion: usedToday + estimated,
	}

	if newChunks > g.cfg.MaxNewChunksPerVersion {
		return g.reject(ctx, ownerID, versionID, usage,
			fmt.Sprintf("version requests %d new chunks, cap is %d", newChunks, g.cfg.MaxNewChunksPerVersion)), nil
	}

	if usedToday+estimated > g.cfg.DailyTokenBudget {
		return g.reject(ctx, ownerID, versionID, usage,
			fmt.Sprintf("daily token budget exceeded: %d used + %d estimated > %d", usedToday, estimated, g.cfg.DailyTokenBudget)), nil
	}

	return &Decision{Allowed: true, Usage: usage}, nil
}

func (g *Guardrail) reject(ctx context.Context, ownerID string, versionID uuid.UUID, usage Usage, reason string) *Decision {
	slog.Warn("cost guardrail rejected version",
		"owner_id", ownerID,
		"version_id", versionID,
		"reason", reason,
	)
	g.notifier.Notify(ctx, "cost_guardrail_exceeded", ownerID, alert.SeverityCritical, reason, map[string]any{
		"owner_id":   ownerID,
		"version_id": versionID.String(),
		"usage":      usage,
	})
	return &Decision{Allowed: false, Reason: reason, Usage: usage}
}
