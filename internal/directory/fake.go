package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jitadmin.org/internal/grant"
	"jitadmin.org/internal/ids"
)

// FakeUser is the fake directory's record of one account.
type FakeUser struct {
	ID      string
	UPN     string
	Enabled bool
	Deleted bool
	Roles   map[string]struct{}
}

// Fake is an in-memory Directory used by tests and development runs. It
// honors the same idempotency contract as the real service and can inject
// failures per operation.
type Fake struct {
	mu    sync.Mutex
	users map[string]*FakeUser // id -> user
	byUPN map[string]string    // upn -> id

	// FailNext holds, per operation name ("ensure_user", "grant_roles",
	// "issue_tap", "expire_action"), a count of calls to fail before
	// succeeding. Negative means fail forever.
	failNext  map[string]int
	transient bool
}

// NewFake creates an empty fake directory.
func NewFake() *Fake {
	return &Fake{
		users:     make(map[string]*FakeUser),
		byUPN:     make(map[string]string),
		failNext:  make(map[string]int),
		transient: true,
	}
}

var _ Directory = (*Fake)(nil)

// Seed adds an existing enabled user and returns its id.
func (f *Fake) Seed(upn string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ids.New()
	f.users[id] = &FakeUser{ID: id, UPN: upn, Enabled: true, Roles: map[string]struct{}{}}
	f.byUPN[upn] = id
	return id
}

// SeedDisabled adds an existing disabled user and returns its id.
func (f *Fake) SeedDisabled(upn string) string {
	id := f.Seed(upn)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id].Enabled = false
	return id
}

// FailNext makes the next n calls of the named operation fail. Negative n
// fails every call until reset.
func (f *Fake) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = n
}

// SetTransient controls whether injected failures look retryable.
func (f *Fake) SetTransient(transient bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transient = transient
}

// User returns a copy of the stored user, or nil.
func (f *Fake) User(id string) *FakeUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil
	}
	out := *u
	out.Roles = make(map[string]struct{}, len(u.Roles))
	for r := range u.Roles {
		out.Roles[r] = struct{}{}
	}
	return &out
}

// RolesOf returns the sorted role list of a user.
func (f *Fake) RolesOf(id string) []string {
	u := f.User(id)
	if u == nil {
		return nil
	}
	out := make([]string, 0, len(u.Roles))
	for r := range u.Roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (f *Fake) EnsureUser(ctx context.Context, tenant string, subject grant.Subject) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("ensure_user"); err != nil {
		return "", err
	}

	if subject.Mode == grant.SubjectSelect {
		u, ok := f.users[subject.UserID]
		if !ok || u.Deleted {
			return "", &Error{Op: "ensure_user", Status: 404, Err: fmt.Errorf("user %s not found", subject.UserID)}
		}
		u.Enabled = true
		return u.ID, nil
	}

	upn := subject.UPN()
	if id, ok := f.byUPN[upn]; ok {
		if u := f.users[id]; u != nil && !u.Deleted {
			u.Enabled = true
			return id, nil
		}
	}
	id := ids.New()
	f.users[id] = &FakeUser{ID: id, UPN: upn, Enabled: true, Roles: map[string]struct{}{}}
	f.byUPN[upn] = id
	return id, nil
}

func (f *Fake) GrantRoles(ctx context.Context, tenant, userID string, roles []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("grant_roles"); err != nil {
		return err
	}
	u, ok := f.users[userID]
	if !ok || u.Deleted {
		return &Error{Op: "grant_roles", Status: 404, Err: fmt.Errorf("user %s not found", userID)}
	}
	for _, role := range roles {
		u.Roles[role] = struct{}{}
	}
	return nil
}

func (f *Fake) IssueTAP(ctx context.Context, tenant, userID string) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("issue_tap"); err != nil {
		return Credential{}, err
	}
	if u, ok := f.users[userID]; !ok || u.Deleted {
		return Credential{}, &Error{Op: "issue_tap", Status: 404, Err: fmt.Errorf("user %s not found", userID)}
	}
	return Credential{
		Password:  "tap-" + ids.New(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}, nil
}

func (f *Fake) ApplyExpireAction(ctx context.Context, tenant, userID string, action grant.ExpireAction, roles []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail("expire_action"); err != nil {
		return err
	}
	u, ok := f.users[userID]
	if !ok || u.Deleted {
		// Already gone is the desired end state.
		return nil
	}
	switch action {
	case grant.ExpireRemoveRoles:
		for _, role := range roles {
			delete(u.Roles, role)
		}
	case grant.ExpireDisableUser:
		u.Enabled = false
	case grant.ExpireDeleteUser:
		u.Deleted = true
		u.Enabled = false
		delete(f.byUPN, u.UPN)
	default:
		return &Error{Op: "expire_action", Err: fmt.Errorf("unknown action %q", action)}
	}
	return nil
}

func (f *Fake) maybeFail(op string) error {
	n, ok := f.failNext[op]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		f.failNext[op] = n - 1
	}
	return &Error{Op: op, Transient: f.transient, Err: fmt.Errorf("injected failure")}
}
