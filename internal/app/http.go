package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dialectic/api/internal/dialectic"
	"dialectic/api/internal/ingest"
	"dialectic/api/internal/rbac"
	"dialectic/api/internal/store"
)

type conflictEngine interface {
	HandleMessage(ctx context.Context, msg dialectic.Message) (dialectic.Reply, error)
	SubmitVote(ctx context.Context, input dialectic.VoteInput) (dialectic.VoteReceipt, error)
	StartManualVote(ctx context.Context, input dialectic.ManualVoteInput) (*dialectic.Intervention, error)
	ActiveConflicts(ctx context.Context, scope store.Scope) ([]dialectic.ConflictView, error)
	VotingStatus(ctx context.Context, conflictID string) (dialectic.Status, error)
	EndVoting(ctx context.Context, conflictID string) (dialectic.Result, error)
	DecisionLog(ctx context.Context, scope store.Scope, limit int) ([]store.DecisionLogEntry, error)
	ClearDecisionLog(ctx context.Context, scope store.Scope, includeConflicts bool) (int64, error)
}

type documentIngester interface {
	Ingest(ctx context.Context, in ingest.Input) (ingest.Result, error)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerConfig struct {
	JWTSecret  string
	CORSOrigin string
	// Checks are reported by /api/ready, keyed by dependency name.
	Checks map[string]Pinger
	// Events serves /ws and Metrics serves /metrics. Either may be nil.
	Events  http.Handler
	Metrics http.Handler
}

type HTTPServer struct {
	engine     conflictEngine
	ingester   documentIngester
	secret     []byte
	corsOrigin string
	checks     map[string]Pinger
	events     http.Handler
	metrics    http.Handler
	logger     *zap.Logger
}

func NewHTTPServer(engine conflictEngine, ingester documentIngester, cfg ServerConfig, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		engine:     engine,
		ingester:   ingester,
		secret:     []byte(cfg.JWTSecret),
		corsOrigin: cfg.CORSOrigin,
		checks:     cfg.Checks,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/ws" && s.events != nil {
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		s.events.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "messages":
		if r.Method == http.MethodPost && len(parts) == 2 {
			s.handleMessage(w, r, session)
			return
		}
	case "votes":
		if r.Method == http.MethodPost && len(parts) == 2 {
			s.handleVote(w, r, session)
			return
		}
	case "conflicts":
		s.handleConflicts(w, r, session, parts[2:])
		return
	case "decision-log":
		if len(parts) == 2 {
			s.handleDecisionLog(w, r, session)
			return
		}
	case "documents":
		if r.Method == http.MethodPost && len(parts) == 2 {
			s.handleUpload(w, r, session)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Text    string `json:"text"`
		GroupID string `json:"groupId"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "TEXT_REQUIRED", "text is required", nil)
		return
	}
	reply, err := s.engine.HandleMessage(r.Context(), dialectic.Message{
		Text:       body.Text,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
		GroupID:    body.GroupID,
		Role:       string(session.Role),
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request, session Session) {
	if !session.Can(rbac.ActionVote) {
		s.forbid(w, r, session, rbac.ActionVote)
		return
	}
	var body dialectic.VoteInput
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	body.UserID = session.UserID
	body.UserName = session.UserName
	receipt, err := s.engine.SubmitVote(r.Context(), body)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		scope, ok := s.scopeFrom(w, r, session)
		if !ok {
			return
		}
		items, err := s.engine.ActiveConflicts(r.Context(), scope)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(rest) == 0 && r.Method == http.MethodPost:
		if !session.Can(rbac.ActionStartVote) {
			s.forbid(w, r, session, rbac.ActionStartVote)
			return
		}
		var body dialectic.ManualVoteInput
		if err := decodeBody(r, &body); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		body.CreatedBy = session.UserID
		started, err := s.engine.StartManualVote(r.Context(), body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"conflictId": started.ConflictID,
			"text":       started.Text,
			"expiresAt":  started.Conflict.ExpiresAt,
		})

	case len(rest) == 1 && r.Method == http.MethodGet:
		status, err := s.engine.VotingStatus(r.Context(), rest[0])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conflictId":     status.Conflict.ConflictID,
			"statement":      status.Conflict.Statement,
			"reason":         status.Conflict.Reason,
			"source":         status.Conflict.Source,
			"severity":       status.Conflict.Severity,
			"resolved":       status.Conflict.Resolved,
			"winner":         status.Conflict.Winner,
			"outcome":        status.Conflict.Outcome,
			"expiresAt":      status.Conflict.ExpiresAt,
			"voteCounts":     status.Tally,
			"hoursRemaining": status.HoursRemaining,
			"text":           status.Text,
		})

	case len(rest) == 2 && rest[1] == "end" && r.Method == http.MethodPost:
		if !session.Can(rbac.ActionEndVote) {
			s.forbid(w, r, session, rbac.ActionEndVote)
			return
		}
		result, err := s.engine.EndVoting(r.Context(), rest[0])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDecisionLog(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()

	switch r.Method {
	case http.MethodGet:
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		scope, ok := s.scopeFrom(w, r, session)
		if !ok {
			return
		}
		entries, err := s.engine.DecisionLog(r.Context(), scope, limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			items = append(items, decisionView(entry))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case http.MethodDelete:
		if !session.Can(rbac.ActionClearLog) {
			s.forbid(w, r, session, rbac.ActionClearLog)
			return
		}
		scope, ok := s.scopeFrom(w, r, session)
		if !ok {
			return
		}
		includeConflicts := query.Get("includeConflicts") == "true"
		cleared, err := s.engine.ClearDecisionLog(r.Context(), scope, includeConflicts)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		s.logger.Warn("decision log cleared by admin",
			zap.String("user_id", session.UserID),
			zap.String("group_id", scope.GroupID),
			zap.Bool("all_groups", scope.AllGroups),
			zap.Int64("cleared", cleared))
		writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// scopeFrom reads groupId and allGroups. A missing groupId is the ungrouped
// chat; allGroups=true spans every group and needs the admin role.
func (s *HTTPServer) scopeFrom(w http.ResponseWriter, r *http.Request, session Session) (store.Scope, bool) {
	query := r.URL.Query()
	if query.Get("allGroups") != "true" {
		return store.InGroup(query.Get("groupId")), true
	}
	if !session.Can(rbac.ActionReadAllGroups) {
		s.forbid(w, r, session, rbac.ActionReadAllGroups)
		return store.Scope{}, false
	}
	return store.EveryGroup, true
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, domainError(http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
	}
	return limit, nil
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, session Session) {
	if !session.Can(rbac.ActionIngest) {
		s.forbid(w, r, session, rbac.ActionIngest)
		return
	}
	if s.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "INGEST_UNAVAILABLE", "Document ingestion not configured", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxDocumentBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeMappedError(w, r, ingest.ErrTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "FILE_REQUIRED", "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, ingest.MaxDocumentBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read upload", nil)
		return
	}
	result, err := s.ingester.Ingest(r.Context(), ingest.Input{
		Filename:   header.Filename,
		GroupID:    r.FormValue("groupId"),
		UploadedBy: session.UserID,
		Content:    content,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func decisionView(entry store.DecisionLogEntry) map[string]any {
	return map[string]any{
		"id":           entry.ID,
		"conflictId":   entry.ConflictID,
		"groupId":      entry.GroupID,
		"decisionText": entry.Text,
		"rationale":    entry.Rationale,
		"category":     entry.Category,
		"type":         entry.Type,
		"createdBy":    entry.CreatedBy,
		"winner":       entry.Winner,
		"voteCounts":   entry.Tally,
		"participants": entry.Participants,
		"createdAt":    entry.CreatedAt,
	}
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)))
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
