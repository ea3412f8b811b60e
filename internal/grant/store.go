package grant

import (
	"context"
	"time"
)

// StaleClaimAfter is how long an activating claim may sit untouched before
// due-listing hands it back out. A worker that crashed mid-activation leaves
// its claim behind; directory operations are idempotent, so reprocessing is
// safe, and the final CAS still picks a single winner.
const StaleClaimAfter = 5 * time.Minute

// Store is the durable record of every JIT grant. Implementations must make
// UpdateState an atomic compare-and-swap on the state column: that is the
// only mechanism keeping parallel scheduler workers from double-processing
// a grant.
type Store interface {
	// Insert admits a new grant. It assigns id and timestamps, forces the
	// state to pending, and rejects windows overlapping any live grant for
	// the same (tenant, subject key) with ErrDuplicateWindow.
	Insert(ctx context.Context, g *Grant) error

	// Get returns the grant by id or ErrNotFound.
	Get(ctx context.Context, id string) (*Grant, error)

	// ListDue returns grants eligible for the given transition as of the
	// given instant, ordered by window boundary ascending. Activation covers
	// pending grants past their start plus retryable activation failures;
	// expiry covers active grants past their end plus retryable expiry
	// failures.
	ListDue(ctx context.Context, kind DueKind, asOf time.Time) ([]*Grant, error)

	// UpdateState transitions the grant from expected to next, applying upd
	// in the same atomic step. Returns ErrConflict if the stored state does
	// not match expected, ErrNotFound if the grant does not exist.
	UpdateState(ctx context.Context, id string, expected, next State, upd StateUpdate) error

	// ListByTenant returns a tenant's grants, newest first, narrowed by f.
	ListByTenant(ctx context.Context, tenant string, f Filter) ([]*Grant, error)
}

// Notifier receives lifecycle events for a grant. Implementations must be
// best-effort: a failing channel is logged, never propagated into the
// lifecycle transition that triggered it.
type Notifier interface {
	Notify(ctx context.Context, g *Grant, event Event, detail string)
}
