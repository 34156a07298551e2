package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/processor"
	"github.com/docdelta/docdelta/internal/store"
)

// Enqueuer re-dispatches chunk processing jobs. Implemented by the
// queue client.
type Enqueuer interface {
	EnqueueChunkProcess(ctx context.Context, chunkID, versionID uuid.UUID, language string) error
}

// Sweeper periodically re-drives versions that stalled in processing,
// typically after a worker crash dropped their jobs. Re-enqueued jobs
// are safe because chunk processing is idempotent.
type Sweeper struct {
	store     store.Store
	enqueuer  Enqueuer
	processor *processor.Processor
	minAge    time.Duration
}

func NewSweeper(st store.Store, enq Enqueuer, proc *processor.Processor, cfg config.PipelineConfig) *Sweeper {
	return &Sweeper{
		store:     st,
		enqueuer:  enq,
		processor: proc,
		minAge:    time.Duration(cfg.ReplayAgeSeconds) * time.Second,
	}
}

// SweepResult reports what a single sweep pass did.
type SweepResult struct {
	VersionsScanned int
	ChunksEnqueued  int
	ChecksRun       int
}

// Sweep finds stalled versions and either re-enqueues their remaining
// chunks or, when every chunk already has a summary, re-runs the
// completion check directly. The latter covers a worker that crashed
// between the last chunk write and the merge.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	cutoff := time.Now().Add(-s.minAge)
	versions, err := s.store.ListIncompleteVersions(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list incomplete versions: %w", err)
	}
	res.VersionsScanned = len(versions)

	for _, v := range versions {
		pending, err := s.store.ListUnsummarizedChunks(ctx, v.ID)
		if err != nil {
			slog.Error("replay: list unsummarized chunks failed", "version_id", v.ID, "error", err)
			continue
		}

		if len(pending) == 0 {
			// All summaries landed but the version never merged.
			s.processor.CheckCompletion(ctx, v.ID)
			res.ChecksRun++
			continue
		}

		for _, c := range pending {
			if err := s.enqueuer.EnqueueChunkProcess(ctx, c.ID, v.ID, v.Language); err != nil {
				slog.Error("replay: enqueue failed", "chunk_id", c.ID, "error", err)
				continue
			}
			res.ChunksEnqueued++
		}
		slog.Info("replay: re-enqueued stalled version",
			"version_id", v.ID, "document_id", v.DocumentID, "pending_chunks", len(pending))
	}

	return res, nil
}
