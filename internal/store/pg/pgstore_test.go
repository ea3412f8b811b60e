package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"jitadmin.org/internal/grant"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func grantRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant", "subject_mode", "first_name", "last_name", "username", "domain",
		"subject_user_id", "roles", "window_start", "window_end", "use_tap", "expire_action",
		"notify_channels", "state", "resolved_user_id", "tap_issued", "last_error", "failed_from",
		"activate_attempts", "expire_attempts", "next_attempt_at", "created_at", "updated_at",
	})
}

func addGrantRow(rows *sqlmock.Rows, id string, state grant.State, start, end time.Time) {
	rows.AddRow(
		id, "tenant-a", "create", "Jane", "Doe", "jane.admin", "contoso.com",
		"", []byte(`["Global Administrator"]`), start, end, true, "RemoveRoles",
		[]byte(`["webhook"]`), string(state), "", false, "", "",
		0, 0, nil, start, start,
	)
}

func TestStoreInsert(t *testing.T) {
	store, mock := newMockStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from grants").
		WithArgs("tenant-a", "jane.admin@contoso.com", base, base.Add(time.Hour)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("insert into grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	g := &grant.Grant{
		Tenant: "tenant-a",
		Subject: grant.Subject{
			Mode:     grant.SubjectCreate,
			Username: "jane.admin",
			Domain:   "contoso.com",
		},
		Roles:        []string{"Global Administrator"},
		Window:       grant.Window{Start: base, End: base.Add(time.Hour)},
		ExpireAction: grant.ExpireRemoveRoles,
	}
	if err := store.Insert(context.Background(), g); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if g.ID == "" {
		t.Fatal("id not assigned")
	}
	if g.State != grant.StatePending {
		t.Fatalf("state = %s", g.State)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreInsertRejectsOverlap(t *testing.T) {
	store, mock := newMockStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from grants").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	g := &grant.Grant{
		Tenant:       "tenant-a",
		Subject:      grant.Subject{Mode: grant.SubjectSelect, UserID: "user-1"},
		Roles:        []string{"Global Administrator"},
		Window:       grant.Window{Start: base, End: base.Add(time.Hour)},
		ExpireAction: grant.ExpireRemoveRoles,
	}
	if err := store.Insert(context.Background(), g); !errors.Is(err, grant.ErrDuplicateWindow) {
		t.Fatalf("expected ErrDuplicateWindow, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := grantRows()
	addGrantRow(rows, "grant-1", grant.StatePending, base, base.Add(time.Hour))
	mock.ExpectQuery("select (.+) from grants where id =").
		WithArgs("grant-1").
		WillReturnRows(rows)

	g, err := store.Get(context.Background(), "grant-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.ID != "grant-1" || g.State != grant.StatePending {
		t.Fatalf("unexpected grant %+v", g)
	}
	if g.Subject.Mode != grant.SubjectCreate || g.UserPrincipalName() != "jane.admin@contoso.com" {
		t.Fatalf("subject not decoded: %+v", g.Subject)
	}
	if len(g.Roles) != 1 || len(g.NotifyChannels) != 1 {
		t.Fatalf("json columns not decoded: %+v", g)
	}

	mock.ExpectQuery("select (.+) from grants where id =").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, grant.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreUpdateStateCAS(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	// Winner: exactly one row matched.
	mock.ExpectExec("update grants set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.UpdateState(ctx, "grant-1", grant.StatePending, grant.StateActivating, grant.StateUpdate{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Loser: zero rows but the grant exists.
	mock.ExpectExec("update grants set").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from grants where id =").
		WithArgs("grant-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	if err := store.UpdateState(ctx, "grant-1", grant.StatePending, grant.StateActivating, grant.StateUpdate{}); !errors.Is(err, grant.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Unknown id.
	mock.ExpectExec("update grants set").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from grants where id =").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if err := store.UpdateState(ctx, "missing", grant.StatePending, grant.StateActivating, grant.StateUpdate{}); !errors.Is(err, grant.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Illegal edge never reaches the database.
	if err := store.UpdateState(ctx, "grant-1", grant.StateExpired, grant.StateActive, grant.StateUpdate{}); !errors.Is(err, grant.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreUpdateStateWritesFields(t *testing.T) {
	store, mock := newMockStore(t)

	uid := "dir-user-1"
	issued := true
	clear := ""
	mock.ExpectExec("update grants set state = (.+) resolved_user_id = (.+) last_error = (.+) next_attempt_at = null").
		WithArgs("active", sqlmock.AnyArg(), uid, clear, issued, "grant-1", "activating").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateState(context.Background(), "grant-1", grant.StateActivating, grant.StateActive, grant.StateUpdate{
		ResolvedUserID:   &uid,
		LastError:        &clear,
		ClearNextAttempt: true,
		TAPIssued:        &issued,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreListDue(t *testing.T) {
	store, mock := newMockStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := grantRows()
	addGrantRow(rows, "grant-1", grant.StatePending, base.Add(-time.Minute), base.Add(time.Hour))
	mock.ExpectQuery("from grants(.+)state = 'pending' and window_start").
		WithArgs(base, base.Add(-grant.StaleClaimAfter)).
		WillReturnRows(rows)

	got, err := store.ListDue(context.Background(), grant.DueActivation, base)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].ID != "grant-1" {
		t.Fatalf("unexpected due list: %+v", got)
	}

	expiryRows := grantRows()
	addGrantRow(expiryRows, "grant-2", grant.StateExpiring, base.Add(-2*time.Hour), base.Add(-time.Minute))
	mock.ExpectQuery("from grants(.+)state = 'active' and window_end").
		WithArgs(base).
		WillReturnRows(expiryRows)

	got, err = store.ListDue(context.Background(), grant.DueExpiry, base)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 1 || got[0].State != grant.StateExpiring {
		t.Fatalf("unexpected due list: %+v", got)
	}

	if _, err := store.ListDue(context.Background(), grant.DueKind("bogus"), base); err == nil {
		t.Fatal("expected error for unknown due kind")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreListByTenant(t *testing.T) {
	store, mock := newMockStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := grantRows()
	addGrantRow(rows, "grant-2", grant.StateActive, base, base.Add(time.Hour))
	addGrantRow(rows, "grant-1", grant.StatePending, base, base.Add(time.Hour))
	mock.ExpectQuery("from grants where tenant = (.+) state in").
		WithArgs("tenant-a", "active", "pending", 500).
		WillReturnRows(rows)

	got, err := store.ListByTenant(context.Background(), "tenant-a", grant.Filter{
		States: []grant.State{grant.StateActive, grant.StatePending},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "grant-2" {
		t.Fatalf("unexpected list: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
