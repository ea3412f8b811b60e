package grant

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const defaultStartHorizon = 24 * time.Hour

// SubmitRequest is the admission input. Field names mirror the deployment
// form: a tenant, a subject (new or existing user), a role set, a window,
// and the expiry remediation.
type SubmitRequest struct {
	Tenant         string       `json:"tenant" validate:"required"`
	Subject        Subject      `json:"subject"`
	Roles          []string     `json:"roles" validate:"required,min=1,dive,required"`
	Window         Window       `json:"window"`
	UseTAP         bool         `json:"use_tap"`
	ExpireAction   ExpireAction `json:"expire_action" validate:"required"`
	NotifyChannels []Channel    `json:"notify_channels"`
}

// Gateway validates and admits grant requests, and carries the operator
// actions that bypass the scheduler (cancel, force-expire, retry).
type Gateway struct {
	store    Store
	notifier Notifier
	validate *validator.Validate
	horizon  time.Duration
	now      func() time.Time
	poke     func()
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithStartHorizon overrides how far in the past a window may start.
func WithStartHorizon(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.horizon = d
		}
	}
}

// WithPoke registers a callback invoked when an admitted or operator-driven
// change should wake the scheduler immediately instead of waiting a tick.
func WithPoke(poke func()) GatewayOption {
	return func(g *Gateway) { g.poke = poke }
}

// WithClock overrides the gateway clock. Only intended for test use.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway constructs a Gateway. notifier may be nil.
func NewGateway(store Store, notifier Notifier, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:    store,
		notifier: notifier,
		validate: validator.New(),
		horizon:  defaultStartHorizon,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit admits a new grant request. Validation failures come back as
// *ValidationError, window conflicts as ErrDuplicateWindow; both are
// synchronous and never retried.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*Grant, error) {
	if err := g.validate.Struct(req); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := g.checkSemantics(&req); err != nil {
		return nil, err
	}

	grant := &Grant{
		Tenant:         strings.TrimSpace(req.Tenant),
		Subject:        normalizeSubject(req.Subject),
		Roles:          dedupe(req.Roles),
		Window:         Window{Start: req.Window.Start.UTC(), End: req.Window.End.UTC()},
		UseTAP:         req.UseTAP,
		ExpireAction:   req.ExpireAction,
		NotifyChannels: req.NotifyChannels,
	}
	if err := g.store.Insert(ctx, grant); err != nil {
		return nil, err
	}

	// Windows already open should not wait out a full poll interval.
	if g.poke != nil && !grant.Window.Start.After(g.now()) {
		g.poke()
	}
	return grant, nil
}

// Cancel withdraws a pending grant before activation.
func (g *Gateway) Cancel(ctx context.Context, id string) (*Grant, error) {
	if err := g.store.UpdateState(ctx, id, StatePending, StateCancelled, StateUpdate{}); err != nil {
		return nil, err
	}
	got, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.notifier != nil {
		g.notifier.Notify(ctx, got, EventCancelled, "cancelled by operator")
	}
	return got, nil
}

// ForceExpire pushes an active grant into the expiry path ahead of its
// window end. The scheduler applies the expire action on its next pass.
func (g *Gateway) ForceExpire(ctx context.Context, id string) (*Grant, error) {
	if err := g.store.UpdateState(ctx, id, StateActive, StateExpiring, StateUpdate{}); err != nil {
		return nil, err
	}
	if g.poke != nil {
		g.poke()
	}
	return g.store.Get(ctx, id)
}

// Retry re-arms a grant that exhausted its retry budget. The failure source
// decides which due list picks it up again.
func (g *Gateway) Retry(ctx context.Context, id string) (*Grant, error) {
	got, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if got.State != StateFailed {
		return nil, ErrConflict
	}
	now := g.now()
	zero := 0
	upd := StateUpdate{NextAttemptAt: &now}
	switch got.FailedFrom {
	case StatePending:
		upd.ActivateAttempts = &zero
	case StateExpiring:
		upd.ExpireAttempts = &zero
	default:
		return nil, ErrInvalidTransition
	}
	// Failed -> Failed is not a state machine edge, so the re-arm writes
	// through the CAS with the same state on both sides.
	if err := g.store.UpdateState(ctx, id, StateFailed, StateFailed, upd); err != nil {
		return nil, err
	}
	if g.poke != nil {
		g.poke()
	}
	return g.store.Get(ctx, id)
}

func (g *Gateway) checkSemantics(req *SubmitRequest) error {
	w := req.Window
	if w.Start.IsZero() || w.End.IsZero() {
		return &ValidationError{Field: "window", Reason: "start and end are required"}
	}
	if !w.End.After(w.Start) {
		// Equal bounds describe an empty window and are rejected outright.
		return &ValidationError{Field: "window", Reason: "end must be after start"}
	}
	if w.Start.Before(g.now().Add(-g.horizon)) {
		return &ValidationError{Field: "window.start", Reason: "start is too far in the past"}
	}
	if !req.ExpireAction.Valid() {
		return &ValidationError{Field: "expire_action", Reason: "unknown action"}
	}
	for _, ch := range req.NotifyChannels {
		if !ch.Valid() {
			return &ValidationError{Field: "notify_channels", Reason: "unknown channel " + string(ch)}
		}
	}
	switch req.Subject.Mode {
	case SubjectCreate:
		if strings.TrimSpace(req.Subject.Username) == "" || strings.TrimSpace(req.Subject.Domain) == "" {
			return &ValidationError{Field: "subject", Reason: "username and domain are required to create a user"}
		}
	case SubjectSelect:
		if strings.TrimSpace(req.Subject.UserID) == "" {
			return &ValidationError{Field: "subject", Reason: "user_id is required to select a user"}
		}
	default:
		return &ValidationError{Field: "subject.mode", Reason: "must be create or select"}
	}
	return nil
}

func normalizeSubject(s Subject) Subject {
	s.FirstName = strings.TrimSpace(s.FirstName)
	s.LastName = strings.TrimSpace(s.LastName)
	s.Username = strings.ToLower(strings.TrimSpace(s.Username))
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.UserID = strings.TrimSpace(s.UserID)
	return s
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
