package directory

import (
	"context"
	"testing"

	"jitadmin.org/internal/grant"
)

func TestFakeEnsureUserIdempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	subject := grant.Subject{Mode: grant.SubjectCreate, Username: "jane.admin", Domain: "contoso.com"}

	id1, err := f.EnsureUser(ctx, "tenant-a", subject)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	id2, err := f.EnsureUser(ctx, "tenant-a", subject)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("second ensure created a new user: %s vs %s", id1, id2)
	}
}

func TestFakeEnsureUserReEnablesDisabled(t *testing.T) {
	f := NewFake()
	id := f.SeedDisabled("jane.admin@contoso.com")

	got, err := f.EnsureUser(context.Background(), "tenant-a", grant.Subject{
		Mode: grant.SubjectSelect, UserID: id,
	})
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if got != id {
		t.Fatalf("unexpected id %q", got)
	}
	if u := f.User(id); u == nil || !u.Enabled {
		t.Fatal("user not re-enabled")
	}
}

func TestFakeExpireActionsIdempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id := f.Seed("jane.admin@contoso.com")
	roles := []string{"Global Administrator"}
	if err := f.GrantRoles(ctx, "tenant-a", id, roles); err != nil {
		t.Fatalf("GrantRoles: %v", err)
	}

	// Removing twice is fine.
	for i := 0; i < 2; i++ {
		if err := f.ApplyExpireAction(ctx, "tenant-a", id, grant.ExpireRemoveRoles, roles); err != nil {
			t.Fatalf("remove roles (run %d): %v", i, err)
		}
	}
	if got := f.RolesOf(id); len(got) != 0 {
		t.Fatalf("roles left: %v", got)
	}

	// Deleting, then deleting again: already gone is success.
	if err := f.ApplyExpireAction(ctx, "tenant-a", id, grant.ExpireDeleteUser, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.ApplyExpireAction(ctx, "tenant-a", id, grant.ExpireDeleteUser, nil); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFakeFailureInjection(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	id := f.Seed("jane.admin@contoso.com")

	f.FailNext("grant_roles", 1)
	err := f.GrantRoles(ctx, "tenant-a", id, []string{"Global Administrator"})
	if err == nil || !IsTransient(err) {
		t.Fatalf("expected transient injected failure, got %v", err)
	}
	if err := f.GrantRoles(ctx, "tenant-a", id, []string{"Global Administrator"}); err != nil {
		t.Fatalf("injection did not clear: %v", err)
	}

	f.SetTransient(false)
	f.FailNext("issue_tap", 1)
	if _, err := f.IssueTAP(ctx, "tenant-a", id); err == nil || IsTransient(err) {
		t.Fatalf("expected permanent injected failure, got %v", err)
	}
}
