package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/docdelta/docdelta/internal/config"
)

type Client struct {
	client *asynq.Client
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) EnqueueChunkProcess(ctx context.Context, chunkID, versionID uuid.UUID, language string) error {
	return c.enqueue(ctx, TypeChunkProcess, ChunkProcessPayload{
		ChunkID:   chunkID.String(),
		VersionID: versionID.String(),
		Language:  language,
	}, asynq.MaxRetry(5), asynq.Timeout(5*time.Minute))
}

// TriggerChangeDetection satisfies the processor's completion hook.
func (c *Client) TriggerChangeDetection(documentID, versionID uuid.UUID) error {
	return c.enqueue(context.Background(), TypeChangeDetect, ChangeDetectPayload{
		DocumentID: documentID.String(),
		VersionID:  versionID.String(),
	}, asynq.MaxRetry(3), asynq.Timeout(5*time.Minute))
}

func (c *Client) EnqueueReplaySweep(ctx context.Context) error {
	return c.enqueue(ctx, TypeReplaySweep, struct{}{}, asynq.MaxRetry(1), asynq.Timeout(10*time.Minute))
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
