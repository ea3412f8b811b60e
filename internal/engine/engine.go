// Package engine is the scheduler/reconciler: it polls the grant store for
// due transitions, drives the directory, and records outcomes. Correctness
// across parallel workers rests entirely on the store's compare-and-swap
// update; the engine holds no locks across directory calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jitadmin.org/internal/directory"
	"jitadmin.org/internal/grant"
	"jitadmin.org/internal/obs"
)

// Config tunes the scheduler loop.
type Config struct {
	PollInterval time.Duration // default 30s
	MaxAttempts  int           // retry ceiling per transition, default 5
	BackoffBase  time.Duration // first retry delay, default 30s
	BackoffCap   time.Duration // upper bound on retry delay, default 15m
	CallTimeout  time.Duration // bound on one grant's directory work, default 30s
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 15 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Engine runs the lifecycle passes.
type Engine struct {
	store    grant.Store
	dir      directory.Directory
	notifier grant.Notifier
	cfg      Config
	now      func() time.Time
	wake     chan struct{}
}

// New constructs an Engine. notifier may be nil.
func New(store grant.Store, dir directory.Directory, notifier grant.Notifier, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{
		store:    store,
		dir:      dir,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		wake:     make(chan struct{}, 1),
	}
}

// SetClock overrides the engine clock. Only intended for test use.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Wake requests an immediate pass without waiting for the next tick.
// Non-blocking; a pending wake coalesces with later ones.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// One pass up front so restarts reconcile promptly.
	e.RunPass(ctx, e.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.RunPass(ctx, e.now())
	}
}

// RunPass executes one activation pass and one expiry pass as of the given
// instant. Exported so tests and the admission path can drive time directly.
func (e *Engine) RunPass(ctx context.Context, asOf time.Time) {
	e.activationPass(ctx, asOf)
	e.expiryPass(ctx, asOf)
}

func (e *Engine) activationPass(ctx context.Context, asOf time.Time) {
	start := time.Now()
	due, err := e.store.ListDue(ctx, grant.DueActivation, asOf)
	if err != nil {
		e.logError("list due activations", "", err)
		return
	}
	defer func() { obs.SchedulerPass(string(grant.DueActivation), len(due), time.Since(start)) }()

	for _, g := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, ok := e.claim(ctx, g, grant.StateActivating)
		if !ok {
			continue
		}
		e.activate(ctx, claimed, asOf)
	}
}

func (e *Engine) expiryPass(ctx context.Context, asOf time.Time) {
	start := time.Now()
	due, err := e.store.ListDue(ctx, grant.DueExpiry, asOf)
	if err != nil {
		e.logError("list due expiries", "", err)
		return
	}
	defer func() { obs.SchedulerPass(string(grant.DueExpiry), len(due), time.Since(start)) }()

	for _, g := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, ok := e.claim(ctx, g, grant.StateExpiring)
		if !ok {
			continue
		}
		e.expire(ctx, claimed, asOf)
	}
}

// claim moves the grant into its transient marker state. A grant already in
// the marker state (stale claim or force-expire) is taken as-is: the
// directory calls are idempotent and the final CAS picks a single winner.
func (e *Engine) claim(ctx context.Context, g *grant.Grant, marker grant.State) (*grant.Grant, bool) {
	if g.State == marker {
		return g, true
	}
	err := e.store.UpdateState(ctx, g.ID, g.State, marker, grant.StateUpdate{})
	if errors.Is(err, grant.ErrConflict) {
		// Another worker got there first.
		return nil, false
	}
	if err != nil {
		e.logError("claim", g.ID, err)
		return nil, false
	}
	out := *g
	out.State = marker
	return &out, true
}

func (e *Engine) activate(ctx context.Context, g *grant.Grant, asOf time.Time) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	detail, err := e.runActivation(callCtx, g)
	if err != nil {
		e.recordFailure(ctx, g, grant.StatePending, asOf, err)
		return
	}

	clear := ""
	issued := g.UseTAP
	upd := grant.StateUpdate{
		ResolvedUserID:   &g.ResolvedUserID,
		LastError:        &clear,
		ClearNextAttempt: true,
		TAPIssued:        &issued,
	}
	if err := e.store.UpdateState(ctx, g.ID, grant.StateActivating, grant.StateActive, upd); err != nil {
		if !errors.Is(err, grant.ErrConflict) {
			e.logError("finish activation", g.ID, err)
		}
		return
	}
	obs.GrantTransition(string(grant.StateActivating), string(grant.StateActive))

	g.State = grant.StateActive
	g.LastError = ""
	g.TAPIssued = issued
	if e.notifier != nil {
		e.notifier.Notify(ctx, g, grant.EventActivated, detail)
	}
}

// runActivation performs the directory side of activation and mutates g with
// the resolved user id. The returned detail feeds the Activated notification.
func (e *Engine) runActivation(ctx context.Context, g *grant.Grant) (string, error) {
	userID, err := e.dir.EnsureUser(ctx, g.Tenant, g.Subject)
	if err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}
	g.ResolvedUserID = userID

	if err := e.dir.GrantRoles(ctx, g.Tenant, userID, g.Roles); err != nil {
		return "", fmt.Errorf("grant roles: %w", err)
	}

	detail := fmt.Sprintf("%d roles granted", len(g.Roles))
	if g.UseTAP && !g.TAPIssued {
		cred, err := e.dir.IssueTAP(ctx, g.Tenant, userID)
		if err != nil {
			return "", fmt.Errorf("issue tap: %w", err)
		}
		detail += "; TAP: " + cred.Password
	}
	return detail, nil
}

func (e *Engine) expire(ctx context.Context, g *grant.Grant, asOf time.Time) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	err := e.dir.ApplyExpireAction(callCtx, g.Tenant, g.ResolvedUserID, g.ExpireAction, g.Roles)
	cancel()
	if err != nil {
		e.recordFailure(ctx, g, grant.StateExpiring, asOf, fmt.Errorf("apply %s: %w", g.ExpireAction, err))
		return
	}

	clear := ""
	upd := grant.StateUpdate{LastError: &clear, ClearNextAttempt: true}
	if err := e.store.UpdateState(ctx, g.ID, grant.StateExpiring, grant.StateExpired, upd); err != nil {
		if !errors.Is(err, grant.ErrConflict) {
			e.logError("finish expiry", g.ID, err)
		}
		return
	}
	obs.GrantTransition(string(grant.StateExpiring), string(grant.StateExpired))

	g.State = grant.StateExpired
	g.LastError = ""
	if e.notifier != nil {
		e.notifier.Notify(ctx, g, grant.EventExpired, string(g.ExpireAction)+" applied")
	}
}

// recordFailure moves a claimed grant to failed, schedules the retry if the
// ceiling allows, and emits the per-attempt notification.
func (e *Engine) recordFailure(ctx context.Context, g *grant.Grant, source grant.State, asOf time.Time, cause error) {
	var attempts int
	if source == grant.StatePending {
		attempts = g.ActivateAttempts + 1
	} else {
		attempts = g.ExpireAttempts + 1
	}

	lastErr := cause.Error()
	upd := grant.StateUpdate{
		LastError:  &lastErr,
		FailedFrom: &source,
	}
	if source == grant.StatePending {
		upd.ActivateAttempts = &attempts
		if g.ResolvedUserID != "" {
			upd.ResolvedUserID = &g.ResolvedUserID
		}
	} else {
		upd.ExpireAttempts = &attempts
	}

	retryable := attempts < e.cfg.MaxAttempts
	if retryable {
		next := asOf.Add(e.backoff(attempts))
		upd.NextAttemptAt = &next
	} else {
		upd.ClearNextAttempt = true
	}

	marker := grant.StateActivating
	event := grant.EventActivationFailed
	if source == grant.StateExpiring {
		marker = grant.StateExpiring
		event = grant.EventExpiryFailed
	}
	if err := e.store.UpdateState(ctx, g.ID, marker, grant.StateFailed, upd); err != nil {
		if !errors.Is(err, grant.ErrConflict) {
			e.logError("record failure", g.ID, err)
		}
		return
	}
	obs.GrantTransition(string(marker), string(grant.StateFailed))

	g.State = grant.StateFailed
	g.LastError = lastErr
	g.FailedFrom = source
	if e.notifier != nil {
		detail := lastErr
		if !retryable {
			detail += " (retries exhausted)"
		}
		e.notifier.Notify(ctx, g, event, detail)
	}
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return d
}

func (e *Engine) logError(op, grantID string, err error) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": "error",
		"msg":   "scheduler " + op + " failed",
		"error": err.Error(),
	}
	if grantID != "" {
		entry["grant_id"] = grantID
	}
	obs.LogEvent(entry)
}
