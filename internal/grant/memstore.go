package grant

import (
	"context"
	"sort"
	"sync"
	"time"

	"jitadmin.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and single-node development runs; production uses the Postgres
// store, which shares these semantics.
type InMemory struct {
	mu     sync.RWMutex
	grants map[string]*Grant
	now    func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		grants: make(map[string]*Grant),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Only intended for test use.
func (s *InMemory) SetClock(now func() time.Time) { s.now = now }

func (s *InMemory) Insert(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := g.Subject.Key()
	for _, existing := range s.grants {
		if existing.Tenant != g.Tenant {
			continue
		}
		if !liveForOverlap(existing) {
			continue
		}
		if existing.SubjectKey() != key {
			continue
		}
		if existing.Window.Overlaps(g.Window) {
			return ErrDuplicateWindow
		}
	}

	now := s.now()
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.State = StatePending
	g.CreatedAt = now
	g.UpdatedAt = now

	stored := *g
	stored.Roles = append([]string(nil), g.Roles...)
	stored.NotifyChannels = append([]Channel(nil), g.NotifyChannels...)
	s.grants[g.ID] = &stored
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneGrant(g)
	return out, nil
}

func (s *InMemory) ListDue(ctx context.Context, kind DueKind, asOf time.Time) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Grant
	for _, g := range s.grants {
		if dueFor(g, kind, asOf) {
			due = append(due, cloneGrant(g))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		bi, bj := boundary(due[i], kind), boundary(due[j], kind)
		if bi.Equal(bj) {
			return due[i].ID < due[j].ID
		}
		return bi.Before(bj)
	})
	return due, nil
}

func (s *InMemory) UpdateState(ctx context.Context, id string, expected, next State, upd StateUpdate) error {
	if !CanTransition(expected, next) {
		return ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return ErrNotFound
	}
	if g.State != expected {
		return ErrConflict
	}

	g.State = next
	applyUpdate(g, upd)
	g.UpdatedAt = s.now()
	return nil
}

func (s *InMemory) ListByTenant(ctx context.Context, tenant string, f Filter) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Grant
	for _, g := range s.grants {
		if g.Tenant != tenant {
			continue
		}
		if f.SubjectKey != "" && g.SubjectKey() != f.SubjectKey {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, g.State) {
			continue
		}
		out = append(out, cloneGrant(g))
	}
	// ULIDs sort by creation time, so id order is insertion order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// liveForOverlap reports whether the grant still occupies its window for
// admission conflict purposes. Terminal states and dead failures do not.
func liveForOverlap(g *Grant) bool {
	switch g.State {
	case StatePending, StateActivating, StateActive, StateExpiring:
		return true
	case StateFailed:
		return g.NextAttemptAt != nil
	}
	return false
}

func dueFor(g *Grant, kind DueKind, asOf time.Time) bool {
	switch kind {
	case DueActivation:
		if g.State == StatePending && !g.Window.Start.After(asOf) {
			return true
		}
		// Claims abandoned by a crashed worker go back on the list.
		if g.State == StateActivating && !g.UpdatedAt.After(asOf.Add(-StaleClaimAfter)) {
			return true
		}
		return g.State == StateFailed && g.FailedFrom == StatePending &&
			g.NextAttemptAt != nil && !g.NextAttemptAt.After(asOf)
	case DueExpiry:
		if g.State == StateActive && !g.Window.End.After(asOf) {
			return true
		}
		// Expiring covers force-expired grants and abandoned expiry claims;
		// the expire action is idempotent, so immediate pickup is safe.
		if g.State == StateExpiring {
			return true
		}
		return g.State == StateFailed && g.FailedFrom == StateExpiring &&
			g.NextAttemptAt != nil && !g.NextAttemptAt.After(asOf)
	}
	return false
}

func boundary(g *Grant, kind DueKind) time.Time {
	if kind == DueActivation {
		return g.Window.Start
	}
	return g.Window.End
}

func applyUpdate(g *Grant, upd StateUpdate) {
	if upd.ResolvedUserID != nil {
		g.ResolvedUserID = *upd.ResolvedUserID
	}
	if upd.LastError != nil {
		g.LastError = *upd.LastError
	}
	if upd.FailedFrom != nil {
		g.FailedFrom = *upd.FailedFrom
	}
	if upd.ActivateAttempts != nil {
		g.ActivateAttempts = *upd.ActivateAttempts
	}
	if upd.ExpireAttempts != nil {
		g.ExpireAttempts = *upd.ExpireAttempts
	}
	if upd.NextAttemptAt != nil {
		t := *upd.NextAttemptAt
		g.NextAttemptAt = &t
	}
	if upd.ClearNextAttempt {
		g.NextAttemptAt = nil
	}
	if upd.TAPIssued != nil {
		g.TAPIssued = *upd.TAPIssued
	}
}

func cloneGrant(g *Grant) *Grant {
	out := *g
	out.Roles = append([]string(nil), g.Roles...)
	out.NotifyChannels = append([]Channel(nil), g.NotifyChannels...)
	if g.NextAttemptAt != nil {
		t := *g.NextAttemptAt
		out.NextAttemptAt = &t
	}
	return &out
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
