package dialectic

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dialectic/api/internal/judge"
	"dialectic/api/internal/llm"
	"dialectic/api/internal/metrics"
	"dialectic/api/internal/notify"
	"dialectic/api/internal/search"
	"dialectic/api/internal/store"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testEngine struct {
	*Engine
	store *memStore
	sink  *recordingSink
}

func newTestEngine(t *testing.T, deps Deps) testEngine {
	t.Helper()
	st := newMemStore()
	sink := &recordingSink{}
	deps.Store = st
	deps.Sink = sink
	deps.Logger = zap.NewNop()
	if deps.Retriever == nil {
		deps.Retriever = staticPassages()
	}
	if deps.Judge == nil {
		deps.Judge = judgeFunc(func(context.Context, string, string) judge.Verdict {
			t.Fatal("judge must not be called")
			return judge.Verdict{}
		})
	}
	e := New(deps, Options{VotingWindow: 2 * time.Hour, ManualWindow: 24 * time.Hour})
	e.now = func() time.Time { return testNow }
	return testEngine{Engine: e, store: st, sink: sink}
}

func seedConflict(t *testing.T, st *memStore, id string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, st.CreateConflict(context.Background(), store.Conflict{
		ConflictID: id,
		GroupID:    "group-1",
		Kind:       store.KindDetected,
		Statement:  "Let's switch the budget to $75k",
		Evidence:   "Budget capped at $50k",
		Source:     "requirements.pdf",
		Severity:   store.SeverityHigh,
		Reason:     "Budget exceeds documented cap",
		Confidence: 90,
		ExpiresAt:  expiresAt,
	}))
}

func castVotes(t *testing.T, e testEngine, conflictID string, options ...string) {
	t.Helper()
	for i, option := range options {
		_, err := e.SubmitVote(context.Background(), VoteInput{
			ConflictID: conflictID,
			UserID:     "user-" + string(rune('a'+i)),
			UserName:   "Voter " + string(rune('A'+i)),
			Option:     option,
			Reasoning:  "reason " + option,
		})
		require.NoError(t, err)
	}
}

func judgeCompleter(response string) llm.Completer {
	return llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return response, nil
	})
}

func TestMonitorMessageOpensConflictForBudgetContradiction(t *testing.T) {
	e := newTestEngine(t, Deps{
		Retriever: staticPassages(search.Passage{Content: "Budget capped at $50k", Source: "project_requirements.md"}),
		Judge: judge.New(judgeCompleter(`{"conflict": true, "severity": "high", "reason": "Budget exceeds the documented cap", "confidence": 90}`),
			zap.NewNop()),
	})

	intervention, err := e.MonitorMessage(context.Background(), Message{
		Text:     "Let's switch the budget to $75k",
		AuthorID: "user-1",
		GroupID:  "group-1",
	})
	require.NoError(t, err)
	require.NotNil(t, intervention)

	conflict, err := e.store.GetConflict(context.Background(), intervention.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, store.SeverityHigh, conflict.Severity)
	assert.Equal(t, 90, conflict.Confidence)
	assert.Equal(t, testNow.Add(2*time.Hour), conflict.ExpiresAt)
	assert.Equal(t, "project_requirements.md", conflict.Source)
	assert.False(t, conflict.Resolved)
	assert.True(t, strings.HasPrefix(intervention.ConflictID, "C"))

	assert.Contains(t, intervention.Text, "**CONFLICT DETECTED**")
	assert.Contains(t, intervention.Text, "HIGH SEVERITY: Team consensus required. Voting period: 2 hours")
	assert.Contains(t, intervention.Text, "**Evidence from [project_requirements.md]:**")
	assert.Contains(t, intervention.Text, "A: Keep current strategy & document mitigation plan")
	assert.Contains(t, intervention.Text, "`@bot decision "+intervention.ConflictID+" A/B/C <your reasoning>`")

	events := e.sink.ofType(notify.EventNewConflict)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(notify.ConflictPayload)
	require.True(t, ok)
	assert.Equal(t, intervention.ConflictID, payload.ConflictID)
	assert.Equal(t, "group-1", events[0].GroupID)
}

func TestMonitorMessageLowConfidenceCreatesNoConflict(t *testing.T) {
	var calls atomic.Int32
	completer := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		calls.Add(1)
		return `{"conflict": true, "severity": "medium", "reason": "Vue vs React", "confidence": 60}`, nil
	})
	e := newTestEngine(t, Deps{
		Retriever: staticPassages(search.Passage{Content: "The frontend must use React", Source: "requirements.md"}),
		Judge:     judge.New(completer, zap.NewNop()),
	})

	intervention, err := e.MonitorMessage(context.Background(), Message{Text: "We should use Vue for the frontend", AuthorID: "user-1"})
	require.NoError(t, err)
	assert.Nil(t, intervention)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, e.store.conflictCount())
	assert.Empty(t, e.sink.ofType(notify.EventNewConflict))
}

func TestMonitorMessageQuestionNeverReachesJudge(t *testing.T) {
	var searches atomic.Int32
	e := newTestEngine(t, Deps{
		Retriever: retrieverFunc(func(context.Context, string, int) ([]search.Passage, error) {
			searches.Add(1)
			return nil, nil
		}),
	})

	intervention, err := e.MonitorMessage(context.Background(), Message{Text: "What's our budget?", AuthorID: "user-1"})
	require.NoError(t, err)
	assert.Nil(t, intervention)
	assert.Zero(t, searches.Load())
}

func TestMonitorMessageSkipsWithoutEvidence(t *testing.T) {
	e := newTestEngine(t, Deps{})

	intervention, err := e.MonitorMessage(context.Background(), Message{Text: "The backend must be written in Go"})
	require.NoError(t, err)
	assert.Nil(t, intervention)
}

func TestMonitorMessageDeduplicatesRepeatedStatement(t *testing.T) {
	e := newTestEngine(t, Deps{
		Retriever: staticPassages(search.Passage{Content: "Budget capped at $50k", Source: "requirements.md"}),
		Judge: judgeFunc(func(context.Context, string, string) judge.Verdict {
			return judge.Verdict{IsConflict: true, Severity: judge.SeverityHigh, Reason: "over budget", Confidence: 95}
		}),
		Claims: &memClaims{},
	})
	msg := Message{Text: "Let's switch the budget to $75k", GroupID: "group-1"}

	first, err := e.MonitorMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.MonitorMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 1, e.store.conflictCount())
}

func TestMonitorMessageReturnsStoreFailure(t *testing.T) {
	e := newTestEngine(t, Deps{
		Retriever: staticPassages(search.Passage{Content: "Budget capped at $50k", Source: "requirements.md"}),
		Judge: judgeFunc(func(context.Context, string, string) judge.Verdict {
			return judge.Verdict{IsConflict: true, Severity: judge.SeverityLow, Reason: "over budget", Confidence: 80}
		}),
	})
	e.store.createErr = errors.New("connection refused")

	_, err := e.MonitorMessage(context.Background(), Message{Text: "Let's switch the budget to $75k"})
	require.Error(t, err)

	reply, err := e.HandleMessage(context.Background(), Message{Text: "Let's switch the budget to $75k"})
	require.NoError(t, err)
	assert.Empty(t, reply.Text)
}

func TestScreen(t *testing.T) {
	e := newTestEngine(t, Deps{})

	cases := []struct {
		name string
		text string
		want string
	}{
		{name: "vote command", text: "@bot decision C1234ABC A sounds right", want: screenCommand},
		{name: "too short", text: "hi team", want: screenShort},
		{name: "casual", text: "Thanks everyone for joining today", want: screenCasual},
		{name: "casual mention stripped", text: "@bot good morning to the whole team", want: screenCasual},
		{name: "plain question", text: "What's our budget?", want: screenQuestion},
		{name: "proposal question", text: "Should we vote on moving to React?", want: screenRelevant},
		{name: "digits", text: "Let's switch the budget to $75k", want: screenRelevant},
		{name: "requirement word", text: "Pages must load quickly on mobile", want: screenRelevant},
		{name: "tech term", text: "I'd rather write the backend in Go", want: screenRelevant},
		{name: "off topic", text: "The deploy went fine yesterday", want: screenOffTopic},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.screen(context.Background(), tc.text))
		})
	}
}

func TestScreenUsesCachedCorpusKeywords(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, Deps{
		Retriever: staticPassages(search.Passage{Content: "We deploy on Kubernetes with PostgreSQL", Source: "spec.md"}),
		Completer: llm.CompleterFunc(func(_ context.Context, req llm.Request) (string, error) {
			calls.Add(1)
			assert.Contains(t, req.Prompt, "Return ONLY a comma-separated list of lowercase keywords")
			return "Keywords: kubernetes, postgres, budget cap", nil
		}),
	})
	ctx := context.Background()

	assert.Equal(t, screenRelevant, e.screen(ctx, "We are moving everything onto kubernetes now"))
	assert.Equal(t, screenRelevant, e.screen(ctx, "Postgres is the system of record here"))
	assert.Equal(t, int32(1), calls.Load())

	e.InvalidateKeywords()
	assert.Equal(t, screenOffTopic, e.screen(ctx, "The deploy went fine yesterday"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestProjectKeywordsFallBackOnModelFailure(t *testing.T) {
	e := newTestEngine(t, Deps{
		Retriever: staticPassages(search.Passage{Content: "Budget capped at $50k", Source: "spec.md"}),
		Completer: llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
			return "", errors.New("rate limited")
		}),
	})

	assert.Equal(t, fallbackKeywords, e.projectKeywords(context.Background()))
}

func TestParseKeywords(t *testing.T) {
	got := parseKeywords(`Here are the keywords: React, "PostgreSQL", react, $50k budget, ,6 months.`)
	assert.Equal(t, []string{"react", "postgresql", "$50k budget", "6 months"}, got)

	many := strings.Repeat("word,", 40)
	assert.Len(t, parseKeywords(many), 1)
}

func TestFindEvidenceFallsBackToSingleKeywords(t *testing.T) {
	var queries []string
	e := newTestEngine(t, Deps{
		Retriever: retrieverFunc(func(_ context.Context, query string, k int) ([]search.Passage, error) {
			queries = append(queries, query)
			assert.Equal(t, search.DefaultLimit, k)
			if query == "kubernetes" {
				return []search.Passage{{Content: "Deploy on Kubernetes", Source: "notes.md"}}, nil
			}
			return nil, nil
		}),
	})

	passage, ok := e.findEvidence(context.Background(), "We are moving everything onto kubernetes now")
	require.True(t, ok)
	assert.Equal(t, "notes.md", passage.Source)
	assert.Equal(t, []string{
		"requirements specification We are moving everything onto kubernetes now",
		"everything",
		"kubernetes",
	}, queries)
}

func TestBestPassagePrefersRequirementDocuments(t *testing.T) {
	passage, ok := bestPassage([]search.Passage{
		{Content: "", Source: "empty.md"},
		{Content: "Meeting notes", Source: "notes.md"},
		{Content: "Budget capped at $50k", Source: "Project_Requirements.pdf"},
	})
	require.True(t, ok)
	assert.Equal(t, "Project_Requirements.pdf", passage.Source)

	passage, ok = bestPassage([]search.Passage{{Content: "Meeting notes", Source: "notes.md"}})
	require.True(t, ok)
	assert.Equal(t, "notes.md", passage.Source)

	_, ok = bestPassage(nil)
	assert.False(t, ok)
}

func TestSubmitVoteKeepsOneVotePerUser(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0001", testNow.Add(time.Hour))
	ctx := context.Background()

	first, err := e.SubmitVote(ctx, VoteInput{ConflictID: "caaaa0001", UserID: "u1", UserName: "Avery", Option: "a", Reasoning: "keep it"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, store.Tally{A: 1}, first.Tally)

	second, err := e.SubmitVote(ctx, VoteInput{ConflictID: "CAAAA0001", UserID: "u1", UserName: "Avery", Option: "B", Reasoning: "changed my mind"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, store.Tally{B: 1}, second.Tally)
	assert.Equal(t, 1, e.store.voteCount("CAAAA0001"))
	assert.Contains(t, second.Status, "Vote updated: Option B for CAAAA0001.")
	assert.Contains(t, second.Status, "B (Deny): 1")
	assert.Contains(t, second.Status, "**Time Remaining:** 1h")

	assert.Len(t, e.sink.ofType(notify.EventVotingUpdated), 2)
}

func TestSubmitVoteValidation(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0002", testNow.Add(time.Hour))
	ctx := context.Background()

	_, err := e.SubmitVote(ctx, VoteInput{ConflictID: "CAAAA0002", UserID: "u1", Option: "D", Reasoning: "x"})
	assert.ErrorIs(t, err, ErrInvalidOption)

	_, err = e.SubmitVote(ctx, VoteInput{ConflictID: "CAAAA0002", UserID: "u1", Option: "A", Reasoning: "   "})
	assert.ErrorIs(t, err, ErrReasoningRequired)

	_, err = e.SubmitVote(ctx, VoteInput{ConflictID: "CMISSING0", UserID: "u1", Option: "A", Reasoning: "x"})
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestSubmitVoteAfterResolutionIsRejected(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0003", testNow.Add(time.Hour))
	ctx := context.Background()
	castVotes(t, e, "CAAAA0003", store.OptionA)

	_, err := e.EndVoting(ctx, "CAAAA0003")
	require.NoError(t, err)

	_, err = e.SubmitVote(ctx, VoteInput{ConflictID: "CAAAA0003", UserID: "late", Option: "B", Reasoning: "too late"})
	assert.ErrorIs(t, err, ErrConflictResolved)

	tally, err := e.store.TallyVotes(ctx, "CAAAA0003")
	require.NoError(t, err)
	assert.Equal(t, store.Tally{A: 1}, tally)
}

func TestEndVotingReportsWinnerAndTally(t *testing.T) {
	var prompt string
	e := newTestEngine(t, Deps{
		Completer: llm.CompleterFunc(func(_ context.Context, req llm.Request) (string, error) {
			prompt = req.Prompt
			assert.InDelta(t, 0.3, req.Temperature, 1e-9)
			return "The team will keep the current budget and document a mitigation plan.", nil
		}),
	})
	seedConflict(t, e.store, "CAAAA0004", testNow.Add(time.Hour))
	castVotes(t, e, "CAAAA0004", store.OptionA, store.OptionA, store.OptionA, store.OptionB)

	result, err := e.EndVoting(context.Background(), "CAAAA0004")
	require.NoError(t, err)
	assert.Equal(t, "A", result.Winner)
	assert.Equal(t, store.Tally{A: 3, B: 1, C: 0}, result.Tally)
	assert.False(t, result.AlreadyResolved)
	assert.Equal(t, "Vote Concluded: The team will keep the current budget and document a mitigation plan.", result.Outcome)
	assert.Contains(t, prompt, "Option A (Keep & Mitigate): 3 votes")
	assert.Contains(t, prompt, "Winning option: A")

	entries, err := e.store.ListDecisionLog(context.Background(), store.InGroup("group-1"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Let's switch the budget to $75k", entries[0].Text)
	assert.Equal(t, "Option A won with 3 votes (A:3 B:1 C:0)", entries[0].Rationale)
	assert.Equal(t, "consensus", entries[0].Type)
	assert.Equal(t, "methodology", entries[0].Category)
	assert.Equal(t, "Team_Vote", entries[0].CreatedBy)

	resolved := e.sink.ofType(notify.EventConflictResolved)
	require.Len(t, resolved, 1)
	payload, ok := resolved[0].Payload.(notify.ResolutionPayload)
	require.True(t, ok)
	assert.Equal(t, "A", payload.Winner)
}

func TestEndVotingIsIdempotent(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0005", testNow.Add(time.Hour))
	castVotes(t, e, "CAAAA0005", store.OptionC)
	ctx := context.Background()

	first, err := e.EndVoting(ctx, "CAAAA0005")
	require.NoError(t, err)
	second, err := e.EndVoting(ctx, "CAAAA0005")
	require.NoError(t, err)

	assert.False(t, first.AlreadyResolved)
	assert.True(t, second.AlreadyResolved)
	assert.Equal(t, first.Winner, second.Winner)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Len(t, e.sink.ofType(notify.EventConflictResolved), 1)

	entries, err := e.store.ListDecisionLog(ctx, store.EveryGroup, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEndVotingUnknownConflict(t *testing.T) {
	e := newTestEngine(t, Deps{})

	_, err := e.EndVoting(context.Background(), "CNOPE0000")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestEndVotingWithoutVotesDefers(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0006", testNow.Add(time.Hour))

	result, err := e.EndVoting(context.Background(), "CAAAA0006")
	require.NoError(t, err)
	assert.Empty(t, result.Winner)
	assert.Equal(t, "Vote Ended: No votes received. Decision deferred.", result.Outcome)

	entries, err := e.store.ListDecisionLog(context.Background(), store.InGroup("group-1"), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "deferred", entries[0].Type)
	assert.Equal(t, "No votes received; decision deferred", entries[0].Rationale)
}

func TestEndVotingDiscardsDraftWhenTallyMoves(t *testing.T) {
	var e testEngine
	e = newTestEngine(t, Deps{
		Completer: llm.CompleterFunc(func(ctx context.Context, _ llm.Request) (string, error) {
			_, err := e.store.UpsertVote(ctx, store.Vote{ConflictID: "CAAAA0007", UserID: "late", UserName: "Late", Option: store.OptionB, Reasoning: "racing"})
			require.NoError(t, err)
			return "Vote Concluded: A unanimous decision for Option A.", nil
		}),
	})
	seedConflict(t, e.store, "CAAAA0007", testNow.Add(time.Hour))
	castVotes(t, e, "CAAAA0007", store.OptionA)

	result, err := e.EndVoting(context.Background(), "CAAAA0007")
	require.NoError(t, err)
	assert.Equal(t, store.Tally{A: 1, B: 1}, result.Tally)
	assert.Equal(t, "A", result.Winner)
	assert.Equal(t, "Vote Concluded: Team chose Option A with 1 votes (A:1, B:1, C:0).", result.Outcome)
}

func TestEndVotingFallsBackWhenModelFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)
	e := newTestEngine(t, Deps{
		Metrics: m,
		Completer: llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
			return "", context.DeadlineExceeded
		}),
	})
	seedConflict(t, e.store, "CAAAA0008", testNow.Add(time.Hour))
	castVotes(t, e, "CAAAA0008", store.OptionB, store.OptionC, store.OptionC)

	result, err := e.EndVoting(context.Background(), "CAAAA0008")
	require.NoError(t, err)
	assert.Equal(t, "Vote Concluded: Team chose Option C with 2 votes (A:0, B:1, C:2).", result.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomeFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsResolved.WithLabelValues(TriggerEnded, "decided")))
}

func TestWinnerBreaksTiesInOptionOrder(t *testing.T) {
	cases := []struct {
		tally store.Tally
		want  string
	}{
		{tally: store.Tally{A: 3, B: 1}, want: "A"},
		{tally: store.Tally{A: 1, B: 1, C: 1}, want: "A"},
		{tally: store.Tally{B: 2, C: 2}, want: "B"},
		{tally: store.Tally{A: 1, C: 4}, want: "C"},
		{tally: store.Tally{}, want: ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Winner(tc.tally), "tally %+v", tc.tally)
	}
}

func TestStartManualVote(t *testing.T) {
	e := newTestEngine(t, Deps{})

	intervention, err := e.StartManualVote(context.Background(), ManualVoteInput{Question: "Adopt trunk-based development?", GroupID: "group-1", CreatedBy: "u1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(intervention.ConflictID, "V"))
	assert.Contains(t, intervention.Text, "**TEAM VOTE STARTED** - "+intervention.ConflictID)
	assert.Contains(t, intervention.Text, "A: Yes/Approve")
	assert.Contains(t, intervention.Text, "Voting period: 24 hours")

	conflict, err := e.store.GetConflict(context.Background(), intervention.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, store.KindManual, conflict.Kind)
	assert.Equal(t, "Manual team vote", conflict.Evidence)
	assert.Equal(t, store.SeverityMedium, conflict.Severity)
	assert.Equal(t, testNow.Add(24*time.Hour), conflict.ExpiresAt)

	_, err = e.StartManualVote(context.Background(), ManualVoteInput{Question: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestActiveConflicts(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0009", testNow.Add(90*time.Minute))
	seedConflict(t, e.store, "CAAAA0019", testNow.Add(-time.Minute))
	castVotes(t, e, "CAAAA0009", store.OptionA, store.OptionC)

	views, err := e.ActiveConflicts(context.Background(), store.InGroup("group-1"))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "CAAAA0009", views[0].ConflictID)
	assert.Equal(t, store.Tally{A: 1, C: 1}, views[0].VoteCounts)
	assert.Equal(t, map[string]string{"Voter A": "A", "Voter B": "C"}, views[0].UserVotes)
	assert.InDelta(t, 1.5, views[0].HoursRemaining, 1e-9)

	views, err = e.ActiveConflicts(context.Background(), store.InGroup("other-group"))
	require.NoError(t, err)
	assert.Empty(t, views)

	views, err = e.ActiveConflicts(context.Background(), store.InGroup(""))
	require.NoError(t, err)
	assert.Empty(t, views, "ungrouped listing must not include group-1")

	views, err = e.ActiveConflicts(context.Background(), store.EveryGroup)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestClearDecisionLogBroadcasts(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0010", testNow.Add(time.Hour))
	_, err := e.EndVoting(context.Background(), "CAAAA0010")
	require.NoError(t, err)

	cleared, err := e.ClearDecisionLog(context.Background(), store.InGroup("group-1"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.Zero(t, e.store.conflictCount())

	events := e.sink.ofType(notify.EventDecisionsUpdated)
	require.NotEmpty(t, events)
	payload, ok := events[len(events)-1].Payload.(notify.DecisionsPayload)
	require.True(t, ok)
	assert.Equal(t, int64(1), payload.Cleared)
}

func TestFormatWindow(t *testing.T) {
	assert.Equal(t, "2 hours", formatWindow(2*time.Hour))
	assert.Equal(t, "1 hour", formatWindow(time.Hour))
	assert.Equal(t, "90 minutes", formatWindow(90*time.Minute))
}

func TestMonitorMessageReleasesClaimWhenCreateFails(t *testing.T) {
	claims := &memClaims{}
	e := newTestEngine(t, Deps{
		Retriever: staticPassages(search.Passage{Content: "Budget capped at $50k", Source: "project_requirements.md"}),
		Judge: judge.New(judgeCompleter(`{"conflict": true, "severity": "high", "reason": "Budget exceeds the documented cap", "confidence": 90}`),
			zap.NewNop()),
		Claims: claims,
	})
	msg := Message{Text: "Let's switch the budget to $75k", AuthorID: "user-1", GroupID: "group-1"}

	e.store.createErr = errors.New("connection reset")
	_, err := e.MonitorMessage(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, []string{dedupKey("group-1", "Let's switch the budget to $75k")}, claims.released)

	e.store.createErr = nil
	intervention, err := e.MonitorMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, intervention)
	assert.Equal(t, 1, e.store.conflictCount())
}

func TestDecisionLogScopesEmptyGroupToUngrouped(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seedConflict(t, e.store, "CAAAA0011", testNow.Add(time.Hour))
	_, err := e.EndVoting(context.Background(), "CAAAA0011")
	require.NoError(t, err)

	entries, err := e.DecisionLog(context.Background(), store.InGroup(""), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = e.DecisionLog(context.Background(), store.InGroup("group-1"), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
