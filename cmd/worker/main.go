package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/docdelta/docdelta/internal/alert"
	"github.com/docdelta/docdelta/internal/cache"
	"github.com/docdelta/docdelta/internal/changes"
	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/database"
	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/processor"
	"github.com/docdelta/docdelta/internal/queue"
	"github.com/docdelta/docdelta/internal/queue/workers"
	"github.com/docdelta/docdelta/internal/replay"
	"github.com/docdelta/docdelta/internal/store"

	redislib "github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redislib.NewClient(&redislib.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	st := store.NewPostgres(db)
	gateway := llm.NewGateway(cfg.LLM)
	notifier := alert.NewNotifier(cfg.Alert.WebhookURL,
		time.Duration(cfg.Alert.DedupSeconds)*time.Second, cache.NewCache(rdb))
	defer notifier.Close()
	queueClient := queue.NewClient(cfg.Redis)
	defer queueClient.Close()

	proc := processor.New(st, gateway, notifier, nil, cfg.Pipeline, cfg.LLM.DefaultModel)
	proc.SetChangeTrigger(queueClient)

	detector := changes.NewDetector(st, gateway, cfg.LLM.DefaultModel)
	sweeper := replay.NewSweeper(st, queueClient, proc, cfg.Pipeline)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	mux := queue.Handlers{
		ChunkProcess: asynq.HandlerFunc(workers.NewChunkWorker(proc).ProcessTask),
		ChangeDetect: asynq.HandlerFunc(workers.NewChangesWorker(detector).ProcessTask),
		ReplaySweep:  asynq.HandlerFunc(workers.NewReplayWorker(sweeper).ProcessTask),
	}.Mux()

	// Periodic sweep re-drives versions stalled past the replay age.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register("@every 1m", asynq.NewTask(queue.TypeReplaySweep, nil)); err != nil {
		slog.Error("register replay sweep schedule", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			slog.Error("scheduler error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("starting worker", "concurrency", 10)
	if err := srv.Run(mux); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}
