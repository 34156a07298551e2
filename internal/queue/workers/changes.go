package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/docdelta/docdelta/internal/changes"
	"github.com/docdelta/docdelta/internal/queue"
)

// ChangesWorker runs semantic diffing between a completed version and its
// predecessor. Inserts are idempotent, so redelivery is harmless.
type ChangesWorker struct {
	detector *changes.Detector
}

func NewChangesWorker(det *changes.Detector) *ChangesWorker {
	return &ChangesWorker{detector: det}
}

func (w *ChangesWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.ChangeDetectPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	documentID, err := uuid.Parse(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("parse document ID: %w", err)
	}
	versionID, err := uuid.Parse(payload.VersionID)
	if err != nil {
		return fmt.Errorf("parse version ID: %w", err)
	}

	if _, err := w.detector.Detect(ctx, documentID, versionID); err != nil {
		return fmt.Errorf("detect changes for version %s: %w", versionID, err)
	}
	return nil
}
