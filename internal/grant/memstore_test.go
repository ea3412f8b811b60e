package grant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testGrant(tenant, userID string, start, end time.Time) *Grant {
	return &Grant{
		Tenant: tenant,
		Subject: Subject{
			Mode:   SubjectSelect,
			UserID: userID,
		},
		Roles:        []string{"Global Administrator"},
		Window:       Window{Start: start, End: end},
		ExpireAction: ExpireRemoveRoles,
	}
}

func TestInMemoryInsertRejectsOverlap(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := testGrant("tenant-a", "user-1", base, base.Add(2*time.Hour))
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	overlapping := testGrant("tenant-a", "user-1", base.Add(time.Hour), base.Add(3*time.Hour))
	if err := store.Insert(ctx, overlapping); !errors.Is(err, ErrDuplicateWindow) {
		t.Fatalf("expected ErrDuplicateWindow, got %v", err)
	}

	// Touching windows do not overlap: [10,12) then [12,14).
	adjacent := testGrant("tenant-a", "user-1", base.Add(2*time.Hour), base.Add(4*time.Hour))
	if err := store.Insert(ctx, adjacent); err != nil {
		t.Fatalf("adjacent window rejected: %v", err)
	}

	// Same window, different subject.
	other := testGrant("tenant-a", "user-2", base, base.Add(2*time.Hour))
	if err := store.Insert(ctx, other); err != nil {
		t.Fatalf("other subject rejected: %v", err)
	}

	// Same window, different tenant.
	otherTenant := testGrant("tenant-b", "user-1", base, base.Add(2*time.Hour))
	if err := store.Insert(ctx, otherTenant); err != nil {
		t.Fatalf("other tenant rejected: %v", err)
	}
}

func TestInMemoryOverlapIgnoresDeadGrants(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := testGrant("tenant-a", "user-1", base, base.Add(time.Hour))
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.UpdateState(ctx, first.ID, StatePending, StateCancelled, StateUpdate{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	again := testGrant("tenant-a", "user-1", base, base.Add(time.Hour))
	if err := store.Insert(ctx, again); err != nil {
		t.Fatalf("cancelled grant still blocks window: %v", err)
	}

	// A failed grant with no retry scheduled does not block either.
	src := StatePending
	if err := store.UpdateState(ctx, again.ID, StatePending, StateActivating, StateUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.UpdateState(ctx, again.ID, StateActivating, StateFailed, StateUpdate{
		FailedFrom: &src, ClearNextAttempt: true,
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	third := testGrant("tenant-a", "user-1", base, base.Add(time.Hour))
	if err := store.Insert(ctx, third); err != nil {
		t.Fatalf("terminal failure still blocks window: %v", err)
	}
}

func TestInMemoryUpdateStateCAS(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	g := testGrant("tenant-a", "user-1", base, base.Add(time.Hour))
	if err := store.Insert(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.UpdateState(ctx, g.ID, StatePending, StateActivating, StateUpdate{}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Second claim with the same expected state loses the race.
	if err := store.UpdateState(ctx, g.ID, StatePending, StateActivating, StateUpdate{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.UpdateState(ctx, "missing", StatePending, StateActivating, StateUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Illegal edge is rejected before touching the row.
	if err := store.UpdateState(ctx, g.ID, StateActivating, StatePending, StateUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestInMemoryListDueActivation(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	due := testGrant("tenant-a", "user-1", base.Add(-time.Minute), base.Add(time.Hour))
	notYet := testGrant("tenant-a", "user-2", base.Add(time.Hour), base.Add(2*time.Hour))
	for _, g := range []*Grant{due, notYet} {
		if err := store.Insert(ctx, g); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := store.ListDue(ctx, DueActivation, base)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only the due grant, got %d", len(got))
	}

	// A retryable failure joins the list once its backoff elapses.
	src := StatePending
	next := base.Add(30 * time.Second)
	attempts := 1
	if err := store.UpdateState(ctx, due.ID, StatePending, StateActivating, StateUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.UpdateState(ctx, due.ID, StateActivating, StateFailed, StateUpdate{
		FailedFrom: &src, NextAttemptAt: &next, ActivateAttempts: &attempts,
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err = store.ListDue(ctx, DueActivation, base)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("failure listed before its backoff elapsed")
	}
	got, err = store.ListDue(ctx, DueActivation, next)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected retryable failure to be due")
	}
}

func TestInMemoryListDueReclaimsStaleClaims(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	g := testGrant("tenant-a", "user-1", base.Add(-time.Minute), base.Add(time.Hour))
	if err := store.Insert(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.UpdateState(ctx, g.ID, StatePending, StateActivating, StateUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A fresh claim stays off the list.
	got, err := store.ListDue(ctx, DueActivation, base)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh claim reappeared on the due list")
	}

	// Once the claim goes stale the grant is handed out again.
	got, err = store.ListDue(ctx, DueActivation, base.Add(StaleClaimAfter+time.Second))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].State != StateActivating {
		t.Fatalf("expected stale activating claim to be reclaimed")
	}
}

func TestInMemoryListDueExpiry(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	g := testGrant("tenant-a", "user-1", base.Add(-2*time.Hour), base.Add(-time.Minute))
	if err := store.Insert(ctx, g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	uid := "dir-user-1"
	if err := store.UpdateState(ctx, g.ID, StatePending, StateActivating, StateUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.UpdateState(ctx, g.ID, StateActivating, StateActive, StateUpdate{ResolvedUserID: &uid}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	got, err := store.ListDue(ctx, DueExpiry, base)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].ID != g.ID {
		t.Fatalf("expected past-end active grant to be due for expiry")
	}

	// Expiring rows are always listed, covering force-expire before the
	// window end.
	if err := store.UpdateState(ctx, g.ID, StateActive, StateExpiring, StateUpdate{}); err != nil {
		t.Fatalf("force expire: %v", err)
	}
	got, err = store.ListDue(ctx, DueExpiry, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected expiring grant to be due regardless of window end")
	}
}

func TestInMemoryListByTenant(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, user := range []string{"user-1", "user-2", "user-3"} {
		g := testGrant("tenant-a", user, base.Add(time.Duration(i)*time.Hour), base.Add(time.Duration(i+1)*time.Hour))
		if err := store.Insert(ctx, g); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other := testGrant("tenant-b", "user-1", base, base.Add(time.Hour))
	if err := store.Insert(ctx, other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.ListByTenant(ctx, "tenant-a", Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 grants, got %d", len(got))
	}
	// Newest first.
	if got[0].Subject.UserID != "user-3" {
		t.Fatalf("expected newest grant first, got %s", got[0].Subject.UserID)
	}

	got, err = store.ListByTenant(ctx, "tenant-a", Filter{SubjectKey: "user-2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Subject.UserID != "user-2" {
		t.Fatalf("subject filter failed")
	}

	got, err = store.ListByTenant(ctx, "tenant-a", Filter{States: []State{StatePending}, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not applied, got %d", len(got))
	}
}
