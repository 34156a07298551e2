package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/docdelta/docdelta/internal/processor"
	"github.com/docdelta/docdelta/internal/queue"
)

// ChunkWorker drives the per-chunk state machine from queued jobs.
// Deliveries are at-least-once, so every outcome short of a hard failure
// returns nil and lets idempotence absorb the duplicates.
type ChunkWorker struct {
	processor *processor.Processor
}

func NewChunkWorker(proc *processor.Processor) *ChunkWorker {
	return &ChunkWorker{processor: proc}
}

func (w *ChunkWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.ChunkProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	chunkID, err := uuid.Parse(payload.ChunkID)
	if err != nil {
		return fmt.Errorf("parse chunk ID: %w", err)
	}
	versionID, err := uuid.Parse(payload.VersionID)
	if err != nil {
		return fmt.Errorf("parse version ID: %w", err)
	}

	res := w.processor.ProcessChunk(ctx, chunkID, versionID, payload.Language)
	switch res.Status {
	case processor.StatusSummarized, processor.StatusCopied, processor.StatusSkipped:
		return nil
	case processor.StatusSourceNotReady:
		// The reuse source's own job has not landed yet. Retry with
		// asynq's backoff instead of waiting for the replay sweep.
		slog.Info("chunk reuse source not ready, retrying", "chunk_id", chunkID, "version_id", versionID)
		return fmt.Errorf("reuse source not ready for chunk %s", chunkID)
	default:
		return fmt.Errorf("process chunk %s: %w", chunkID, res.Err)
	}
}
