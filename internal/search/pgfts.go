package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"
)

// PgFTS implements Searcher over document_chunks using PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks passages matching any term of text. Score is 1/(1+ts_rank).
func (p *PgFTS) Search(ctx context.Context, text string, limit int) ([]Passage, error) {
	tsQuery := anyTermQuery(text)
	if tsQuery == "" {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT c.content, c.source, c.document_id, ts_rank(c.fts, q) AS rank
		FROM document_chunks c, to_tsquery('english', $1) q
		WHERE c.fts @@ q
		ORDER BY rank DESC, c.document_id, c.seq
		LIMIT $2`, tsQuery, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var passage Passage
		var rank float64
		if err := rows.Scan(&passage.Content, &passage.Source, &passage.DocumentID, &rank); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		passage.Score = 1 / (1 + rank)
		passages = append(passages, passage)
	}
	return passages, rows.Err()
}

// anyTermQuery turns free text into an OR-ed tsquery of its words.
func anyTermQuery(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := make([]string, 0, len(words))
	for _, word := range words {
		if len([]rune(word)) < 2 || seen[word] {
			continue
		}
		seen[word] = true
		terms = append(terms, word)
	}
	return strings.Join(terms, " | ")
}

// LoadAllChunks returns all stored passages for full reindexing.
func (p *PgFTS) LoadAllChunks(ctx context.Context) ([]ChunkRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, d.group_id, c.seq, c.source, c.content
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		ORDER BY c.document_id, c.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]ChunkRecord, 0)
	for rows.Next() {
		var c ChunkRecord
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.GroupID, &c.Seq, &c.Source, &c.Content); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}
