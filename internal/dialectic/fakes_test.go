package dialectic

import (
	"context"
	"sort"
	"sync"
	"time"

	"dialectic/api/internal/judge"
	"dialectic/api/internal/notify"
	"dialectic/api/internal/search"
	"dialectic/api/internal/store"
)

// memStore mirrors the PostgreSQL store's lifecycle rules in memory.
type memStore struct {
	mu         sync.Mutex
	conflicts  map[string]store.Conflict
	votes      map[string][]store.Vote
	decisions  []store.DecisionLogEntry
	resolveErr map[string]error
	createErr  error
}

func newMemStore() *memStore {
	return &memStore{
		conflicts:  map[string]store.Conflict{},
		votes:      map[string][]store.Vote{},
		resolveErr: map[string]error{},
	}
}

func (m *memStore) CreateConflict(_ context.Context, item store.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	m.conflicts[item.ConflictID] = item
	return nil
}

func (m *memStore) GetConflict(_ context.Context, conflictID string) (store.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.conflicts[conflictID]
	if !ok {
		return store.Conflict{}, store.ErrNotFound
	}
	return item, nil
}

func (m *memStore) UpsertVote(_ context.Context, vote store.Vote) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.conflicts[vote.ConflictID]
	if !ok {
		return false, store.ErrNotFound
	}
	if item.Resolved {
		return false, store.ErrResolved
	}
	votes := m.votes[vote.ConflictID]
	for i := range votes {
		if votes[i].UserID == vote.UserID {
			votes[i].Option = vote.Option
			votes[i].Reasoning = vote.Reasoning
			votes[i].UserName = vote.UserName
			return false, nil
		}
	}
	m.votes[vote.ConflictID] = append(votes, vote)
	return true, nil
}

func (m *memStore) tallyLocked(conflictID string) store.Tally {
	var tally store.Tally
	for _, vote := range m.votes[conflictID] {
		switch vote.Option {
		case store.OptionA:
			tally.A++
		case store.OptionB:
			tally.B++
		case store.OptionC:
			tally.C++
		}
	}
	return tally
}

func (m *memStore) TallyVotes(_ context.Context, conflictID string) (store.Tally, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tallyLocked(conflictID), nil
}

func (m *memStore) ListVotes(_ context.Context, conflictID string) ([]store.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Vote(nil), m.votes[conflictID]...), nil
}

func (m *memStore) ResolveConflict(_ context.Context, conflictID string, decide func(store.Conflict, store.Tally) store.Resolution) (store.Resolution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resolveErr[conflictID]; err != nil {
		return store.Resolution{}, false, err
	}
	item, ok := m.conflicts[conflictID]
	if !ok {
		return store.Resolution{}, false, store.ErrNotFound
	}
	tally := m.tallyLocked(conflictID)
	if item.Resolved {
		return store.Resolution{Winner: item.Winner, Tally: tally, Outcome: item.Outcome}, false, nil
	}
	resolution := decide(item, tally)
	resolution.Tally = tally

	now := time.Now()
	item.Resolved = true
	item.ResolvedAt = &now
	item.Winner = resolution.Winner
	item.Outcome = resolution.Outcome
	m.conflicts[conflictID] = item

	entry := resolution.Entry
	entry.ID = int64(len(m.decisions) + 1)
	entry.ConflictID = conflictID
	entry.GroupID = item.GroupID
	entry.Winner = resolution.Winner
	entry.Tally = tally
	entry.CreatedAt = now
	for _, vote := range m.votes[conflictID] {
		entry.Participants = append(entry.Participants, vote.UserName)
	}
	m.decisions = append(m.decisions, entry)
	resolution.Entry = entry
	return resolution, true, nil
}

func (m *memStore) ListExpiredConflicts(_ context.Context, now time.Time, after store.ExpiryCursor, limit int) ([]store.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.Conflict
	for _, item := range m.conflicts {
		if item.Resolved || item.ExpiresAt.After(now) {
			continue
		}
		if item.ExpiresAt.Before(after.ExpiresAt) ||
			(item.ExpiresAt.Equal(after.ExpiresAt) && item.ConflictID <= after.ConflictID) {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ExpiresAt.Equal(items[j].ExpiresAt) {
			return items[i].ExpiresAt.Before(items[j].ExpiresAt)
		}
		return items[i].ConflictID < items[j].ConflictID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func inScope(scope store.Scope, groupID string) bool {
	return scope.AllGroups || scope.GroupID == groupID
}

func (m *memStore) ListActiveConflicts(_ context.Context, scope store.Scope, now time.Time) ([]store.ActiveConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []store.ActiveConflict
	for id, item := range m.conflicts {
		if item.Resolved || !item.ExpiresAt.After(now) || !inScope(scope, item.GroupID) {
			continue
		}
		items = append(items, store.ActiveConflict{
			Conflict: item,
			Tally:    m.tallyLocked(id),
			Votes:    append([]store.Vote(nil), m.votes[id]...),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Conflict.ConflictID < items[j].Conflict.ConflictID })
	return items, nil
}

func (m *memStore) ListDecisionLog(_ context.Context, scope store.Scope, limit int) ([]store.DecisionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []store.DecisionLogEntry
	for i := len(m.decisions) - 1; i >= 0; i-- {
		entry := m.decisions[i]
		if !inScope(scope, entry.GroupID) {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (m *memStore) ClearDecisionLog(_ context.Context, scope store.Scope, includeConflicts bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.decisions[:0]
	var cleared int64
	for _, entry := range m.decisions {
		if inScope(scope, entry.GroupID) {
			cleared++
			continue
		}
		kept = append(kept, entry)
	}
	m.decisions = kept
	if includeConflicts {
		for id, item := range m.conflicts {
			if item.Resolved && inScope(scope, item.GroupID) {
				delete(m.conflicts, id)
				delete(m.votes, id)
			}
		}
	}
	return cleared, nil
}

func (m *memStore) conflictCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conflicts)
}

func (m *memStore) voteCount(conflictID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes[conflictID])
}

type retrieverFunc func(ctx context.Context, query string, k int) ([]search.Passage, error)

func (f retrieverFunc) Find(ctx context.Context, query string, k int) ([]search.Passage, error) {
	return f(ctx, query, k)
}

type judgeFunc func(ctx context.Context, statement, evidence string) judge.Verdict

func (f judgeFunc) Judge(ctx context.Context, statement, evidence string) judge.Verdict {
	return f(ctx, statement, evidence)
}

type memClaims struct {
	mu       sync.Mutex
	keys     map[string]bool
	released []string
}

func (c *memClaims) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = map[string]bool{}
	}
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}

func (c *memClaims) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	c.released = append(c.released, key)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Broadcast(_ context.Context, ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) ofType(eventType string) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func staticPassages(passages ...search.Passage) Retriever {
	return retrieverFunc(func(context.Context, string, int) ([]search.Passage, error) {
		return passages, nil
	})
}
