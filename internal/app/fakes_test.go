package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dialectic/api/internal/auth"
	"dialectic/api/internal/dialectic"
	"dialectic/api/internal/ingest"
	"dialectic/api/internal/store"
)

const testSecret = "test-secret"

var errNotStubbed = errors.New("not stubbed")

type fakeEngine struct {
	handleMessageFn    func(context.Context, dialectic.Message) (dialectic.Reply, error)
	submitVoteFn       func(context.Context, dialectic.VoteInput) (dialectic.VoteReceipt, error)
	startManualVoteFn  func(context.Context, dialectic.ManualVoteInput) (*dialectic.Intervention, error)
	activeConflictsFn  func(context.Context, store.Scope) ([]dialectic.ConflictView, error)
	votingStatusFn     func(context.Context, string) (dialectic.Status, error)
	endVotingFn        func(context.Context, string) (dialectic.Result, error)
	decisionLogFn      func(context.Context, store.Scope, int) ([]store.DecisionLogEntry, error)
	clearDecisionLogFn func(context.Context, store.Scope, bool) (int64, error)
}

func (f *fakeEngine) HandleMessage(ctx context.Context, msg dialectic.Message) (dialectic.Reply, error) {
	if f.handleMessageFn != nil {
		return f.handleMessageFn(ctx, msg)
	}
	return dialectic.Reply{}, errNotStubbed
}

func (f *fakeEngine) SubmitVote(ctx context.Context, input dialectic.VoteInput) (dialectic.VoteReceipt, error) {
	if f.submitVoteFn != nil {
		return f.submitVoteFn(ctx, input)
	}
	return dialectic.VoteReceipt{}, errNotStubbed
}

func (f *fakeEngine) StartManualVote(ctx context.Context, input dialectic.ManualVoteInput) (*dialectic.Intervention, error) {
	if f.startManualVoteFn != nil {
		return f.startManualVoteFn(ctx, input)
	}
	return nil, errNotStubbed
}

func (f *fakeEngine) ActiveConflicts(ctx context.Context, scope store.Scope) ([]dialectic.ConflictView, error) {
	if f.activeConflictsFn != nil {
		return f.activeConflictsFn(ctx, scope)
	}
	return nil, errNotStubbed
}

func (f *fakeEngine) VotingStatus(ctx context.Context, conflictID string) (dialectic.Status, error) {
	if f.votingStatusFn != nil {
		return f.votingStatusFn(ctx, conflictID)
	}
	return dialectic.Status{}, errNotStubbed
}

func (f *fakeEngine) EndVoting(ctx context.Context, conflictID string) (dialectic.Result, error) {
	if f.endVotingFn != nil {
		return f.endVotingFn(ctx, conflictID)
	}
	return dialectic.Result{}, errNotStubbed
}

func (f *fakeEngine) DecisionLog(ctx context.Context, scope store.Scope, limit int) ([]store.DecisionLogEntry, error) {
	if f.decisionLogFn != nil {
		return f.decisionLogFn(ctx, scope, limit)
	}
	return nil, errNotStubbed
}

func (f *fakeEngine) ClearDecisionLog(ctx context.Context, scope store.Scope, includeConflicts bool) (int64, error) {
	if f.clearDecisionLogFn != nil {
		return f.clearDecisionLogFn(ctx, scope, includeConflicts)
	}
	return 0, errNotStubbed
}

type fakeIngester struct {
	ingestFn func(context.Context, ingest.Input) (ingest.Result, error)
}

func (f *fakeIngester) Ingest(ctx context.Context, in ingest.Input) (ingest.Result, error) {
	return f.ingestFn(ctx, in)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(engine *fakeEngine, ingester documentIngester) *HTTPServer {
	return NewHTTPServer(engine, ingester, ServerConfig{JWTSecret: testSecret, CORSOrigin: "*"}, nil)
}

func tokenFor(t *testing.T, userID, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, name, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}
