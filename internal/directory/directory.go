// Package directory talks to the remote directory service that owns users
// and role memberships. Every operation is idempotent with respect to
// repeated calls for the same grant, so the scheduler can retry safely after
// a crash mid-operation.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jitadmin.org/internal/grant"
)

// Credential is a temporary access password issued at activation.
type Credential struct {
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Directory is the capability set the lifecycle engine needs from the
// directory service.
type Directory interface {
	// EnsureUser resolves the subject to a directory user id, creating the
	// user for create-mode subjects (keyed by username+domain) and enabling
	// the account if it is currently disabled.
	EnsureUser(ctx context.Context, tenant string, subject grant.Subject) (string, error)

	// GrantRoles attaches the role set to the user. Roles already attached
	// are not an error.
	GrantRoles(ctx context.Context, tenant, userID string, roles []string) error

	// IssueTAP creates a temporary access password for the user.
	IssueTAP(ctx context.Context, tenant, userID string) (Credential, error)

	// ApplyExpireAction performs the end-of-window remediation. A target
	// already in the desired end state (role gone, account disabled or
	// deleted) yields nil, not an error.
	ApplyExpireAction(ctx context.Context, tenant, userID string, action grant.ExpireAction, roles []string) error
}

// Error is a directory failure. Transient failures are retried with backoff;
// permanent ones burn a retry attempt and will exhaust the ceiling.
type Error struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("directory: %s", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Transient
	}
	// Timeouts and cancellations from bounded calls count as transient.
	return errors.Is(err, context.DeadlineExceeded)
}

// PartialFailure describes a role attachment that only partly succeeded.
type PartialFailure struct {
	Succeeded []string
	Failed    []string
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("directory: %d/%d roles failed: %s",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(e.Failed, ", "))
}
