package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dialectic/api/internal/config"
	"dialectic/api/internal/dialectic"
	"dialectic/api/internal/ingest"
	"dialectic/api/internal/judge"
	"dialectic/api/internal/llm"
	"dialectic/api/internal/metrics"
	"dialectic/api/internal/notify"
	"dialectic/api/internal/search"
	"dialectic/api/internal/state"
	"dialectic/api/internal/store"
)

// stack holds the components shared by the subcommands. close releases
// them in reverse order of construction.
type stack struct {
	db       *sql.DB
	store    *store.PostgresStore
	search   *search.Service
	redis    *state.RedisStore
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	llm      llm.Completer
	judge    *judge.Judge
	engine   *dialectic.Engine
	closers  []func()
}

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack opens the database, applies migrations and connects the
// search, Redis and model clients. Call attachEngine once the event sinks
// exist.
func buildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stack, error) {
	s := &stack{registry: prometheus.NewRegistry()}

	m, err := metrics.New(s.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s.metrics = m

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.closers = append(s.closers, func() { _ = db.Close() })

	if err := store.ApplyMigrations(cfg.DatabaseURL, logger); err != nil {
		s.close()
		return nil, err
	}
	s.store = store.NewPostgresStore(db)

	var primary search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		s.closers = append(s.closers, meili.Close)
		primary = meili
	}
	s.search = search.NewService(primary, search.NewPgFTS(db), logger)

	redisStore, err := state.NewRedisStore(cfg.RedisURL)
	if err != nil {
		s.close()
		return nil, err
	}
	s.redis = redisStore
	s.closers = append(s.closers, func() { _ = redisStore.Close() })

	completer, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
	}, logger)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init llm: %w", err)
	}

	s.llm = completer
	s.judge = judge.New(completer, logger,
		judge.WithTimeout(cfg.Monitor.JudgeTimeout),
		judge.WithThreshold(cfg.Monitor.ConfidenceThreshold),
		judge.WithMetrics(m),
	)
	return s, nil
}

// attachEngine builds the engine around sink. A nil sink discards events.
func (s *stack) attachEngine(cfg *config.Config, logger *zap.Logger, sink notify.Sink) *dialectic.Engine {
	if sink == nil {
		sink = notify.Discard
	}
	s.engine = dialectic.New(dialectic.Deps{
		Store:     s.store,
		Retriever: s.search,
		Judge:     s.judge,
		Completer: s.llm,
		Sink:      sink,
		Claims:    s.redis,
		Metrics:   s.metrics,
		Logger:    logger,
	}, dialectic.OptionsFromConfig(cfg))
	return s.engine
}

// newIngester builds the document ingestion service. Uploaded originals go
// to MinIO when an endpoint is configured.
func newIngester(ctx context.Context, cfg *config.Config, s *stack, sink notify.Sink, logger *zap.Logger) (*ingest.Service, error) {
	var objects ingest.ObjectStore
	if strings.TrimSpace(cfg.Storage.Endpoint) != "" {
		minioStore, err := ingest.NewMinioStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		objects = minioStore
	}
	if sink == nil {
		sink = notify.Discard
	}
	return ingest.NewService(objects, s.store, s.search, sink, s.engine.InvalidateKeywords, logger), nil
}
