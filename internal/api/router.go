package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/docdelta/docdelta/internal/alert"
	"github.com/docdelta/docdelta/internal/api/handlers"
	"github.com/docdelta/docdelta/internal/api/middleware"
	"github.com/docdelta/docdelta/internal/cache"
	"github.com/docdelta/docdelta/internal/chat"
	"github.com/docdelta/docdelta/internal/config"
	"github.com/docdelta/docdelta/internal/embedding"
	"github.com/docdelta/docdelta/internal/guardrail"
	"github.com/docdelta/docdelta/internal/llm"
	"github.com/docdelta/docdelta/internal/queue"
	"github.com/docdelta/docdelta/internal/store"
	"github.com/docdelta/docdelta/internal/version"
)

type Router struct {
	mux      *chi.Mux
	db       *pgxpool.Pool
	redis    *redis.Client
	cfg      *config.Config
	llmGW    llm.Gateway
	notifier *alert.Notifier
}

func NewRouter(db *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) *Router {
	return &Router{
		mux:   chi.NewRouter(),
		db:    db,
		redis: rdb,
		cfg:   cfg,
		llmGW: llm.NewGateway(cfg.LLM),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}, rt.cfg.Auth.APIKeyHeader))

	rl := middleware.NewRateLimiter(100, 200)
	r.Use(rl.Limit)

	health := handlers.NewHealthHandler(rt.db, rt.redis)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	st := store.NewPostgres(rt.db)
	rt.notifier = alert.NewNotifier(rt.cfg.Alert.WebhookURL,
		time.Duration(rt.cfg.Alert.DedupSeconds)*time.Second, cache.NewCache(rt.redis))
	versionSvc := version.NewService(st, rt.cfg.Pipeline)
	guard := guardrail.New(st, rt.cfg.Pipeline, rt.notifier)
	queueClient := queue.NewClient(rt.cfg.Redis)
	index := embedding.NewIndex(st, rt.llmGW, rt.cfg.LLM.EmbeddingModel)
	chatSvc := chat.NewService(st, rt.llmGW, index, rt.cfg.Chat, rt.cfg.LLM.DefaultModel)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKey(rt.cfg.Auth.APIKeyHeader, rt.cfg.Auth.APIKey))

		docH := handlers.NewDocumentHandler(st, versionSvc, guard, queueClient)
		chatH := handlers.NewChatHandler(chatSvc)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", docH.Upload)
			r.Get("/{id}", docH.Get)
			r.Get("/{id}/versions", docH.ListVersions)
			r.Get("/{id}/versions/{number}", docH.GetVersion)
			r.Get("/{id}/versions/{number}/summary", docH.GetSummary)
			r.Get("/{id}/versions/{number}/changes", docH.GetChanges)
			r.Post("/{id}/chat", chatH.Ask)
		})
	})

	return r
}

// Close flushes pending alerts. Call after the HTTP server has stopped.
func (rt *Router) Close() {
	if rt.notifier != nil {
		rt.notifier.Close()
	}
}
