package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/docdelta/docdelta/internal/replay"
)

// ReplayWorker runs the periodic sweep that re-drives stalled versions.
type ReplayWorker struct {
	sweeper *replay.Sweeper
}

func NewReplayWorker(sw *replay.Sweeper) *ReplayWorker {
	return &ReplayWorker{sweeper: sw}
}

func (w *ReplayWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	res, err := w.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("replay sweep: %w", err)
	}
	if res.VersionsScanned > 0 {
		slog.Info("replay sweep finished",
			"versions_scanned", res.VersionsScanned,
			"chunks_enqueued", res.ChunksEnqueued,
			"completion_checks", res.ChecksRun)
	}
	return nil
}
