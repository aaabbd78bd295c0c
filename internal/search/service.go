package search

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Service is the evidence retriever. It tries the primary index if healthy,
// otherwise falls back to PG FTS.
type Service struct {
	primary  Indexer
	fallback Searcher
	loader   ChunkLoader
	logger   *zap.Logger
}

// NewService creates the retriever. primary may be nil when Meilisearch is
// not configured. fallback is also used as the reindex source when it
// implements ChunkLoader.
func NewService(primary Indexer, fallback Searcher, logger *zap.Logger) *Service {
	s := &Service{primary: primary, fallback: fallback, logger: logger.Named("search")}
	if loader, ok := fallback.(ChunkLoader); ok {
		s.loader = loader
	}
	return s
}

// Find returns at most k passages for query, most relevant first. An empty
// corpus yields an empty slice and no error.
func (s *Service) Find(ctx context.Context, query string, k int) ([]Passage, error) {
	k = clampLimit(k)

	if s.primary != nil && s.primary.Healthy() {
		passages, err := s.primary.Search(ctx, query, k)
		if err == nil {
			return rank(passages, k), nil
		}
		s.logger.Warn("primary search failed, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return []Passage{}, nil
	}
	passages, err := s.fallback.Search(ctx, query, k)
	if err != nil {
		return []Passage{}, fmt.Errorf("find evidence: %w", err)
	}
	return rank(passages, k), nil
}

// IndexChunks pushes passages to the primary index. Postgres already holds
// them, so an unavailable index only costs ranking quality.
func (s *Service) IndexChunks(chunks []ChunkRecord) {
	if s.primary == nil || !s.primary.Healthy() || len(chunks) == 0 {
		return
	}
	if err := s.primary.IndexChunks(chunks); err != nil {
		s.logger.Warn("index chunks", zap.Int("count", len(chunks)), zap.Error(err))
	}
}

// ReindexAllFromPG pushes every stored passage into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.loader == nil {
		return
	}
	chunks, err := s.loader.LoadAllChunks(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if len(chunks) == 0 {
		return
	}
	if err := s.primary.IndexChunks(chunks); err != nil {
		s.logger.Warn("reindex chunks", zap.Error(err))
		return
	}
	s.logger.Info("reindexed passages", zap.Int("count", len(chunks)))
}

func rank(passages []Passage, k int) []Passage {
	if passages == nil {
		return []Passage{}
	}
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score < passages[j].Score
	})
	if len(passages) > k {
		passages = passages[:k]
	}
	return passages
}
