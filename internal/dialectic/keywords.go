package dialectic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dialectic/api/internal/llm"
)

const (
	keywordCacheKey    = "project_keywords"
	keywordCorpusQuery = "requirements project specification technology"
	keywordSearchLimit = 10
	keywordPassages    = 5
	keywordContextMax  = 2000
	maxKeywords        = 30
	// A failed extraction is retried soon rather than pinned for the full TTL.
	fallbackKeywordTTL = time.Minute
)

var fallbackKeywords = []string{"should", "must", "requirement", "specification", "technology", "framework"}

var errNoCorpus = errors.New("no reference documents to extract keywords from")

// projectKeywords returns terms that mark a message as on-topic for the
// ingested corpus.
func (e *Engine) projectKeywords(ctx context.Context) []string {
	if cached, ok := e.keywords.Get(keywordCacheKey); ok {
		return cached.([]string)
	}
	keywords, err := e.extractKeywords(ctx)
	if err != nil {
		e.logger.Debug("using fallback project keywords", zap.Error(err))
		e.keywords.Set(keywordCacheKey, fallbackKeywords, fallbackKeywordTTL)
		return fallbackKeywords
	}
	e.keywords.Set(keywordCacheKey, keywords, e.opts.KeywordTTL)
	return keywords
}

// InvalidateKeywords drops cached corpus keywords. Called after ingestion.
func (e *Engine) InvalidateKeywords() {
	e.keywords.Delete(keywordCacheKey)
}

func (e *Engine) extractKeywords(ctx context.Context) ([]string, error) {
	if e.completer == nil || e.retriever == nil {
		return nil, errors.New("keyword extraction unavailable")
	}
	passages, err := e.retriever.Find(ctx, keywordCorpusQuery, keywordSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search corpus: %w", err)
	}
	if len(passages) == 0 {
		return nil, errNoCorpus
	}
	if len(passages) > keywordPassages {
		passages = passages[:keywordPassages]
	}
	parts := make([]string, 0, len(passages))
	for _, passage := range passages {
		parts = append(parts, passage.Content)
	}
	corpus := truncate(strings.Join(parts, "\n\n"), keywordContextMax)

	ctx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
	defer cancel()
	response, err := e.completer.Complete(ctx, llm.Request{
		Prompt: "Extract the key technical terms, technologies, constraints and project-specific words " +
			"from these project documents. Include specific technologies, requirements, numbers with units and " +
			"important domain terms.\n\nDocuments:\n" + corpus +
			"\n\nReturn ONLY a comma-separated list of lowercase keywords, no explanations:",
		Temperature: 0.1,
		MaxTokens:   200,
	})
	if err != nil {
		return nil, fmt.Errorf("extract keywords: %w", err)
	}
	keywords := parseKeywords(response)
	if len(keywords) == 0 {
		return nil, errors.New("model returned no keywords")
	}
	return keywords, nil
}

// parseKeywords reads a comma-separated list, tolerating a leading label
// such as "Keywords:".
func parseKeywords(response string) []string {
	if idx := strings.Index(response, ":"); idx >= 0 {
		response = response[idx+1:]
	}
	seen := map[string]bool{}
	var keywords []string
	for _, part := range strings.Split(response, ",") {
		keyword := strings.ToLower(strings.Trim(strings.TrimSpace(part), `"'.*`))
		if keyword == "" || seen[keyword] {
			continue
		}
		seen[keyword] = true
		keywords = append(keywords, keyword)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}
