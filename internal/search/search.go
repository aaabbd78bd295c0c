// Package search retrieves evidence passages from ingested reference
// documents. Meilisearch is preferred; PostgreSQL full-text search is the
// fallback and the source of truth for reindexing.
package search

import "context"

const (
	DefaultLimit = 5
	MaxLimit     = 20
)

// Passage is one retrieved excerpt. Lower Score means more relevant.
type Passage struct {
	Content    string  `json:"content"`
	Source     string  `json:"source"`
	DocumentID string  `json:"documentId"`
	Score      float64 `json:"score"`
}

// ChunkRecord is the data we index for a document passage.
type ChunkRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	GroupID    string `json:"groupId"`
	Seq        int    `json:"seq"`
	Source     string `json:"source"`
	Content    string `json:"content"`
}

// Searcher can execute a passage search.
type Searcher interface {
	Search(ctx context.Context, text string, limit int) ([]Passage, error)
	Healthy() bool
}

// Indexer is a Searcher that also accepts passages.
type Indexer interface {
	Searcher
	IndexChunks(chunks []ChunkRecord) error
}

// ChunkLoader lists every stored passage for a full reindex.
type ChunkLoader interface {
	LoadAllChunks(ctx context.Context) ([]ChunkRecord, error)
}

func clampLimit(k int) int {
	if k <= 0 {
		return DefaultLimit
	}
	if k > MaxLimit {
		return MaxLimit
	}
	return k
}
