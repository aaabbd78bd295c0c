package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const conflictColumns = `conflict_id, group_id, kind, statement, evidence, source, severity, reason,
	confidence, created_by, expires_at, resolved, resolved_at, winner, outcome, created_at`

func scanConflict(row rowScanner) (Conflict, error) {
	var item Conflict
	var resolvedAt sql.NullTime
	if err := row.Scan(
		&item.ConflictID,
		&item.GroupID,
		&item.Kind,
		&item.Statement,
		&item.Evidence,
		&item.Source,
		&item.Severity,
		&item.Reason,
		&item.Confidence,
		&item.CreatedBy,
		&item.ExpiresAt,
		&item.Resolved,
		&resolvedAt,
		&item.Winner,
		&item.Outcome,
		&item.CreatedAt,
	); err != nil {
		return Conflict{}, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		item.ResolvedAt = &t
	}
	return item, nil
}

func (s *PostgresStore) CreateConflict(ctx context.Context, item Conflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (conflict_id, group_id, kind, statement, evidence, source, severity, reason, confidence, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ConflictID, item.GroupID, item.Kind, item.Statement, item.Evidence, item.Source, item.Severity, item.Reason, item.Confidence, item.CreatedBy, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, conflictID string) (Conflict, error) {
	item, err := scanConflict(s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE conflict_id=$1
	`, conflictID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, ErrNotFound
	}
	if err != nil {
		return Conflict{}, fmt.Errorf("get conflict: %w", err)
	}
	return item, nil
}

// UpsertVote records or replaces a user's vote. The conflict row is share-locked
// so a concurrent resolution either sees this vote or this call sees the
// resolution. It reports whether the vote was newly created.
func (s *PostgresStore) UpsertVote(ctx context.Context, vote Vote) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin vote tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var resolved bool
	err = tx.QueryRowContext(ctx, `
		SELECT resolved
		FROM conflicts
		WHERE conflict_id=$1
		FOR SHARE
	`, vote.ConflictID).Scan(&resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock conflict for vote: %w", err)
	}
	if resolved {
		return false, ErrResolved
	}

	var inserted bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conflict_votes (conflict_id, user_id, user_name, choice, reasoning)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conflict_id, user_id)
		DO UPDATE SET choice=EXCLUDED.choice, reasoning=EXCLUDED.reasoning, user_name=EXCLUDED.user_name, updated_at=NOW()
		RETURNING (xmax = 0)
	`, vote.ConflictID, vote.UserID, vote.UserName, vote.Option, vote.Reasoning).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert vote: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit vote: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) TallyVotes(ctx context.Context, conflictID string) (Tally, error) {
	return tallyVotes(ctx, s.db, conflictID)
}

func tallyVotes(ctx context.Context, q queryer, conflictID string) (Tally, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT choice, count(*)
		FROM conflict_votes
		WHERE conflict_id=$1
		GROUP BY choice
	`, conflictID)
	if err != nil {
		return Tally{}, fmt.Errorf("tally votes: %w", err)
	}
	defer rows.Close()

	var tally Tally
	for rows.Next() {
		var option string
		var count int
		if err := rows.Scan(&option, &count); err != nil {
			return Tally{}, fmt.Errorf("scan tally: %w", err)
		}
		tally.add(option, count)
	}
	if err := rows.Err(); err != nil {
		return Tally{}, fmt.Errorf("iterate tally: %w", err)
	}
	return tally, nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, conflictID string) ([]Vote, error) {
	return listVotes(ctx, s.db, conflictID)
}

func listVotes(ctx context.Context, q queryer, conflictID string) ([]Vote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT conflict_id, user_id, user_name, choice, reasoning, created_at, updated_at
		FROM conflict_votes
		WHERE conflict_id=$1
		ORDER BY created_at ASC, user_id ASC
	`, conflictID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]Vote, 0)
	for rows.Next() {
		var item Vote
		if err := rows.Scan(
			&item.ConflictID,
			&item.UserID,
			&item.UserName,
			&item.Option,
			&item.Reasoning,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

// ResolveConflict closes voting exactly once. The conflict row is locked, the
// tally is recounted inside the transaction and handed to decide, and the
// resolution plus its decision log entry commit together. When the conflict
// was already resolved it returns the stored result and false.
func (s *PostgresStore) ResolveConflict(ctx context.Context, conflictID string, decide func(Conflict, Tally) Resolution) (Resolution, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanConflict(tx.QueryRowContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE conflict_id=$1
		FOR UPDATE
	`, conflictID))
	if errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, false, ErrNotFound
	}
	if err != nil {
		return Resolution{}, false, fmt.Errorf("lock conflict: %w", err)
	}

	tally, err := tallyVotes(ctx, tx, conflictID)
	if err != nil {
		return Resolution{}, false, err
	}
	if item.Resolved {
		return Resolution{Winner: item.Winner, Tally: tally, Outcome: item.Outcome}, false, nil
	}

	votes, err := listVotes(ctx, tx, conflictID)
	if err != nil {
		return Resolution{}, false, err
	}

	resolution := decide(item, tally)
	resolution.Tally = tally

	if _, err := tx.ExecContext(ctx, `
		UPDATE conflicts
		SET resolved=TRUE, resolved_at=NOW(), winner=$2, outcome=$3
		WHERE conflict_id=$1 AND resolved=FALSE
	`, conflictID, resolution.Winner, resolution.Outcome); err != nil {
		return Resolution{}, false, fmt.Errorf("resolve conflict: %w", err)
	}

	entry := resolution.Entry
	entry.ConflictID = item.ConflictID
	entry.GroupID = item.GroupID
	entry.Winner = resolution.Winner
	entry.Tally = tally
	entry.Participants = participantNames(votes)
	entry, err = insertDecisionLog(ctx, tx, entry)
	if err != nil {
		return Resolution{}, false, err
	}
	resolution.Entry = entry

	if err := tx.Commit(); err != nil {
		return Resolution{}, false, fmt.Errorf("commit resolution: %w", err)
	}
	return resolution, true, nil
}

func participantNames(votes []Vote) []string {
	names := make([]string, 0, len(votes))
	for _, vote := range votes {
		if vote.UserName != "" {
			names = append(names, vote.UserName)
			continue
		}
		names = append(names, vote.UserID)
	}
	return names
}

func insertDecisionLog(ctx context.Context, q queryer, entry DecisionLogEntry) (DecisionLogEntry, error) {
	participants := entry.Participants
	if participants == nil {
		participants = []string{}
	}
	encodedParticipants, err := json.Marshal(participants)
	if err != nil {
		return DecisionLogEntry{}, fmt.Errorf("marshal decision participants: %w", err)
	}
	encodedTally, err := json.Marshal(entry.Tally)
	if err != nil {
		return DecisionLogEntry{}, fmt.Errorf("marshal decision tally: %w", err)
	}
	err = q.QueryRowContext(ctx, `
		INSERT INTO decision_log (conflict_id, group_id, decision_text, rationale, category, decision_type, created_by, winner, tally, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb)
		RETURNING id, created_at
	`, entry.ConflictID, entry.GroupID, entry.Text, entry.Rationale, entry.Category, entry.Type, entry.CreatedBy, entry.Winner,
		string(encodedTally), string(encodedParticipants)).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return DecisionLogEntry{}, fmt.Errorf("insert decision log: %w", err)
	}
	entry.Participants = participants
	return entry, nil
}

// ListExpiredConflicts returns unresolved conflicts whose voting window has
// elapsed, ordered by (expires_at, conflict_id) and strictly after cursor.
func (s *PostgresStore) ListExpiredConflicts(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE resolved=FALSE AND expires_at <= $1
		  AND (expires_at, conflict_id) > ($2, $3)
		ORDER BY expires_at ASC, conflict_id ASC
		LIMIT $4
	`, now, after.ExpiresAt, after.ConflictID, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired conflicts: %w", err)
	}
	return collectConflicts(rows, "expired conflicts")
}

// ListOpenConflicts returns unresolved conflicts still inside their voting
// window. Expired ones wait for the sweep and are not listed.
func (s *PostgresStore) ListOpenConflicts(ctx context.Context, scope Scope, now time.Time) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE resolved=FALSE AND expires_at > $3 AND ($1 OR group_id=$2)
		ORDER BY created_at DESC
	`, scope.AllGroups, scope.GroupID, now)
	if err != nil {
		return nil, fmt.Errorf("list open conflicts: %w", err)
	}
	return collectConflicts(rows, "open conflicts")
}

func collectConflicts(rows *sql.Rows, what string) ([]Conflict, error) {
	defer rows.Close()
	items := make([]Conflict, 0)
	for rows.Next() {
		item, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

// ListActiveConflicts returns open conflicts in scope with their live votes.
func (s *PostgresStore) ListActiveConflicts(ctx context.Context, scope Scope, now time.Time) ([]ActiveConflict, error) {
	conflicts, err := s.ListOpenConflicts(ctx, scope, now)
	if err != nil {
		return nil, err
	}
	items := make([]ActiveConflict, 0, len(conflicts))
	for _, item := range conflicts {
		votes, err := s.ListVotes(ctx, item.ConflictID)
		if err != nil {
			return nil, err
		}
		var tally Tally
		for _, vote := range votes {
			tally.add(vote.Option, 1)
		}
		items = append(items, ActiveConflict{Conflict: item, Tally: tally, Votes: votes})
	}
	return items, nil
}

func (s *PostgresStore) ListDecisionLog(ctx context.Context, scope Scope, limit int) ([]DecisionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conflict_id, group_id, decision_text, rationale, category, decision_type, created_by, winner, tally, participants, created_at
		FROM decision_log
		WHERE ($1 OR group_id=$2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, scope.AllGroups, scope.GroupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decision log: %w", err)
	}
	defer rows.Close()

	items := make([]DecisionLogEntry, 0)
	for rows.Next() {
		var item DecisionLogEntry
		var tallyRaw, participantsRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.ConflictID,
			&item.GroupID,
			&item.Text,
			&item.Rationale,
			&item.Category,
			&item.Type,
			&item.CreatedBy,
			&item.Winner,
			&tallyRaw,
			&participantsRaw,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision log: %w", err)
		}
		if err := json.Unmarshal(tallyRaw, &item.Tally); err != nil {
			return nil, fmt.Errorf("decode decision %d tally: %w", item.ID, err)
		}
		if err := json.Unmarshal(participantsRaw, &item.Participants); err != nil {
			return nil, fmt.Errorf("decode decision %d participants: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision log: %w", err)
	}
	return items, nil
}

// ClearDecisionLog is the only delete path for audit rows. It unlocks the
// decision_log guard for the current transaction only. With includeConflicts
// the group's resolved conflicts and their votes are removed as well.
func (s *PostgresStore) ClearDecisionLog(ctx context.Context, scope Scope, includeConflicts bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin clear tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('dialectic.allow_clear', 'on', true)`); err != nil {
		return 0, fmt.Errorf("unlock decision log: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM decision_log WHERE ($1 OR group_id=$2)`, scope.AllGroups, scope.GroupID)
	if err != nil {
		return 0, fmt.Errorf("clear decision log: %w", err)
	}
	cleared, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear decision log rows: %w", err)
	}
	if includeConflicts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE resolved AND ($1 OR group_id=$2)`, scope.AllGroups, scope.GroupID); err != nil {
			return 0, fmt.Errorf("clear resolved conflicts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear: %w", err)
	}
	return cleared, nil
}

// InsertDocument stores document metadata and its passages in one transaction.
func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin document tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, filename, object_key, group_id, uploaded_by, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, doc.ID, doc.Filename, doc.ObjectKey, doc.GroupID, doc.UploadedBy, doc.SizeBytes); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_chunks (id, document_id, seq, content, source)
			VALUES ($1, $2, $3, $4, $5)
		`, chunk.ID, chunk.DocumentID, chunk.Seq, chunk.Content, chunk.Source); err != nil {
			return fmt.Errorf("insert document chunk %d: %w", chunk.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
