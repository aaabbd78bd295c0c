// Package dialectic watches team chat for statements that contradict the
// project's reference documents, opens a vote when it finds one, and records
// the team's decision when voting closes.
package dialectic

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"dialectic/api/internal/config"
	"dialectic/api/internal/judge"
	"dialectic/api/internal/llm"
	"dialectic/api/internal/metrics"
	"dialectic/api/internal/notify"
	"dialectic/api/internal/search"
	"dialectic/api/internal/store"
)

// Store is the persistence the engine needs.
type Store interface {
	CreateConflict(ctx context.Context, item store.Conflict) error
	GetConflict(ctx context.Context, conflictID string) (store.Conflict, error)
	UpsertVote(ctx context.Context, vote store.Vote) (bool, error)
	TallyVotes(ctx context.Context, conflictID string) (store.Tally, error)
	ListVotes(ctx context.Context, conflictID string) ([]store.Vote, error)
	ResolveConflict(ctx context.Context, conflictID string, decide func(store.Conflict, store.Tally) store.Resolution) (store.Resolution, bool, error)
	ListExpiredConflicts(ctx context.Context, now time.Time, after store.ExpiryCursor, limit int) ([]store.Conflict, error)
	ListActiveConflicts(ctx context.Context, scope store.Scope, now time.Time) ([]store.ActiveConflict, error)
	ListDecisionLog(ctx context.Context, scope store.Scope, limit int) ([]store.DecisionLogEntry, error)
	ClearDecisionLog(ctx context.Context, scope store.Scope, includeConflicts bool) (int64, error)
}

// Retriever finds evidence passages. Lower scores are more relevant.
type Retriever interface {
	Find(ctx context.Context, query string, k int) ([]search.Passage, error)
}

// ConflictJudge decides whether a statement contradicts evidence.
type ConflictJudge interface {
	Judge(ctx context.Context, statement, evidence string) judge.Verdict
}

// Claimer grants a key to exactly one caller until ttl elapses or the
// holder releases it.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Deps struct {
	Store     Store
	Retriever Retriever
	Judge     ConflictJudge
	Completer llm.Completer
	Sink      notify.Sink
	Claims    Claimer
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Options struct {
	VotingWindow     time.Duration
	ManualWindow     time.Duration
	ModelTimeout     time.Duration
	DedupTTL         time.Duration
	KeywordTTL       time.Duration
	MinMessageLength int
	EvidenceLimit    int
}

const (
	defaultVotingWindow     = 2 * time.Hour
	defaultModelTimeout     = 5 * time.Second
	defaultDedupTTL         = 10 * time.Minute
	defaultKeywordTTL       = 30 * time.Minute
	defaultMinMessageLength = 10
)

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		VotingWindow:     cfg.Voting.Window,
		ManualWindow:     cfg.Voting.ManualWindow,
		ModelTimeout:     cfg.Voting.OutcomeTimeout,
		DedupTTL:         cfg.Monitor.DedupTTL,
		KeywordTTL:       cfg.Monitor.KeywordTTL,
		MinMessageLength: cfg.Monitor.MinMessageLength,
		EvidenceLimit:    cfg.Monitor.EvidenceLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.VotingWindow <= 0 {
		o.VotingWindow = defaultVotingWindow
	}
	if o.ManualWindow <= 0 {
		o.ManualWindow = o.VotingWindow
	}
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = defaultModelTimeout
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = defaultDedupTTL
	}
	if o.KeywordTTL <= 0 {
		o.KeywordTTL = defaultKeywordTTL
	}
	if o.MinMessageLength <= 0 {
		o.MinMessageLength = defaultMinMessageLength
	}
	if o.EvidenceLimit <= 0 {
		o.EvidenceLimit = search.DefaultLimit
	}
	if o.EvidenceLimit > search.MaxLimit {
		o.EvidenceLimit = search.MaxLimit
	}
	return o
}

// Engine is the conflict lifecycle controller. It is the only writer of a
// conflict's resolved flag.
type Engine struct {
	store     Store
	retriever Retriever
	judge     ConflictJudge
	completer llm.Completer
	sink      notify.Sink
	claims    Claimer
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options

	// keywords holds corpus keywords for the relevance filter. No janitor:
	// expired entries are replaced on the next read.
	keywords *cache.Cache
	now      func() time.Time
}

func New(deps Deps, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := deps.Sink
	if sink == nil {
		sink = notify.Discard
	}
	return &Engine{
		store:     deps.Store,
		retriever: deps.Retriever,
		judge:     deps.Judge,
		completer: deps.Completer,
		sink:      sink,
		claims:    deps.Claims,
		metrics:   deps.Metrics,
		logger:    logger.Named("dialectic"),
		opts:      opts.withDefaults(),
		keywords:  cache.New(cache.NoExpiration, 0),
		now:       time.Now,
	}
}

func (e *Engine) broadcast(ctx context.Context, eventType, groupID string, payload any) {
	e.sink.Broadcast(ctx, notify.NewEvent(eventType, groupID, payload))
}
