package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/internal/api/handlers"
	mw "github.com/meridianhq/meridian/internal/api/middleware"
	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/domain"
	"github.com/meridianhq/meridian/internal/embedding"
	"github.com/meridianhq/meridian/internal/llm"
	"github.com/meridianhq/meridian/internal/service"
	"github.com/meridianhq/meridian/internal/store"
)

// App holds the router and the wired stores for lifecycle management.
type App struct {
	Router *chi.Mux
	Stores *store.Stores

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(db *pgxpool.Pool, logger *zap.Logger) *App {
	// The vector dimension lives in system_config, so settings load
	// before the dimension-checked stores bind.
	bootstrap := store.New(db, 0)
	settings := config.LoadSettings(context.Background(), bootstrap.Config, logger)
	stores := store.New(db, settings.EmbeddingDimension)

	completer := newCompleter(logger)
	embedder := newEmbedder(logger, settings.EmbeddingDimension)

	resolver := service.NewResolver(stores.Entities, stores.Aliases, stores.Domain, completer, logger)
	extractor := service.NewExtractor(completer, embedder, logger)
	detector := service.NewConflictDetector(stores.Domain, logger)
	retriever := service.NewRetriever(stores.Semantic, stores.Episodic, stores.Procedural, stores.Summaries, logger)
	augmenter := service.NewAugmenter(stores.Ontology, stores.Domain, logger)
	orchestrator := service.NewOrchestrator(
		service.NewDatastore(stores),
		resolver, extractor, detector, retriever, augmenter,
		completer, embedder, logger,
	)

	settingsLoader := func(ctx context.Context) config.Settings {
		return config.LoadSettings(ctx, stores.Config, logger)
	}

	turnHandler := handlers.NewTurnHandler(orchestrator, logger)
	sessionHandler := handlers.NewSessionHandler(stores.ChatEvents)
	memoryHandler := handlers.NewMemoryHandler(stores.Semantic, settingsLoader)
	conflictHandler := handlers.NewConflictHandler(stores.Conflicts)

	r := chi.NewRouter()
	app := &App{
		Router:    r,
		Stores:    stores,
		startTime: time.Now(),
	}

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", healthHandler(stores))
	r.Get("/metrics", app.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", turnHandler.Process)
		r.Get("/sessions/{id}/events", sessionHandler.Events)
		r.Get("/memories/{id}", memoryHandler.GetByID)
		r.Get("/conflicts", conflictHandler.List)
	})

	return app
}

// NewRouter returns just the chi.Mux.
func NewRouter(db *pgxpool.Pool, logger *zap.Logger) *chi.Mux {
	return NewApp(db, logger).Router
}

// newCompleter builds the configured completion client, falling back to
// the mock so the server boots without provider keys.
func newCompleter(logger *zap.Logger) domain.CompletionClient {
	provider := config.LLMProvider()
	client, err := llm.NewClient(provider, config.OpenAIAPIKey())
	if err != nil {
		logger.Warn("completion client unavailable, using mock",
			zap.String("provider", provider), zap.Error(err))
		return llm.NewMockClient()
	}
	logger.Info("completion client initialized", zap.String("provider", provider))
	return client
}

func newEmbedder(logger *zap.Logger, dimension int) domain.EmbeddingClient {
	provider := config.EmbeddingProvider()
	client, err := embedding.NewClient(provider, config.OpenAIAPIKey(), dimension)
	if err != nil {
		logger.Warn("embedding client unavailable, using mock",
			zap.String("provider", provider), zap.Error(err))
		return embedding.NewMockClient(dimension)
	}
	logger.Info("embedding client initialized", zap.String("provider", provider))
	return client
}

func healthHandler(stores *store.Stores) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := stores.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and clients satisfy interfaces at compile time.
var (
	_ domain.ChatEventStore  = (*store.ChatEventStore)(nil)
	_ domain.EntityStore     = (*store.EntityStore)(nil)
	_ domain.AliasStore      = (*store.AliasStore)(nil)
	_ domain.SemanticStore   = (*store.SemanticStore)(nil)
	_ domain.EpisodicStore   = (*store.EpisodicStore)(nil)
	_ domain.ProceduralStore = (*store.ProceduralStore)(nil)
	_ domain.SummaryStore    = (*store.SummaryStore)(nil)
	_ domain.ConflictStore   = (*store.ConflictStore)(nil)
	_ domain.OntologyStore   = (*store.OntologyStore)(nil)
	_ domain.DomainStore     = (*store.DomainStore)(nil)
	_ domain.ConfigStore     = (*store.ConfigStore)(nil)

	_ domain.CompletionClient = (*llm.OpenAIClient)(nil)
	_ domain.CompletionClient = (*llm.MockClient)(nil)
	_ domain.EmbeddingClient  = (*embedding.OpenAIClient)(nil)
	_ domain.EmbeddingClient  = (*embedding.MockClient)(nil)
)
