package grant

import (
	"strings"
	"time"
)

// State is the lifecycle position of a grant. Transitions are driven by the
// scheduler only; the request gateway creates grants in StatePending and may
// cancel them before activation.
type State string

const (
	StatePending    State = "pending"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateExpiring   State = "expiring"
	StateExpired    State = "expired"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateActivating, StateActive, StateExpiring,
		StateExpired, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s. A failed grant
// is terminal only once its retry schedule is exhausted, which the record
// expresses with a nil NextAttemptAt; the state alone cannot tell, so failed
// is not listed here.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateCancelled
}

// ExpireAction is the remediation applied when the grant window ends.
type ExpireAction string

const (
	ExpireRemoveRoles ExpireAction = "RemoveRoles"
	ExpireDisableUser ExpireAction = "DisableUser"
	ExpireDeleteUser  ExpireAction = "DeleteUser"
)

func (a ExpireAction) Valid() bool {
	switch a {
	case ExpireRemoveRoles, ExpireDisableUser, ExpireDeleteUser:
		return true
	}
	return false
}

// Channel identifies a notification destination.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelEmail   Channel = "email"
	ChannelPSA     Channel = "psa"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWebhook, ChannelEmail, ChannelPSA:
		return true
	}
	return false
}

// Event names a lifecycle notification.
type Event string

const (
	EventActivated        Event = "activated"
	EventExpired          Event = "expired"
	EventActivationFailed Event = "activation_failed"
	EventExpiryFailed     Event = "expiry_failed"
	EventCancelled        Event = "cancelled"
)

// SubjectMode distinguishes creating a fresh directory user from selecting
// an existing one.
type SubjectMode string

const (
	SubjectCreate SubjectMode = "create"
	SubjectSelect SubjectMode = "select"
)

// Subject identifies the directory user a grant targets. For SubjectCreate
// the user may not exist yet; the directory id is resolved at activation and
// cached on the grant regardless of mode.
type Subject struct {
	Mode      SubjectMode `json:"mode"`
	FirstName string      `json:"first_name,omitempty"`
	LastName  string      `json:"last_name,omitempty"`
	Username  string      `json:"username,omitempty"`
	Domain    string      `json:"domain,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
}

// UPN returns the user principal name for create-mode subjects.
func (s Subject) UPN() string {
	return strings.ToLower(strings.TrimSpace(s.Username)) + "@" + strings.ToLower(strings.TrimSpace(s.Domain))
}

// Key returns the identity used for overlap detection before a directory id
// is resolved: the directory user id when selecting, the normalized UPN when
// creating.
func (s Subject) Key() string {
	if s.Mode == SubjectSelect {
		return strings.TrimSpace(s.UserID)
	}
	return s.UPN()
}

// Window is the half-open interval [Start, End) during which the grant is in
// effect. Both bounds are absolute UTC instants.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two half-open windows intersect.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Grant is the durable record of one JIT admin assignment.
type Grant struct {
	ID             string       `json:"id"`
	Tenant         string       `json:"tenant"`
	Subject        Subject      `json:"subject"`
	Roles          []string     `json:"roles"`
	Window         Window       `json:"window"`
	UseTAP         bool         `json:"use_tap"`
	ExpireAction   ExpireAction `json:"expire_action"`
	NotifyChannels []Channel    `json:"notify_channels,omitempty"`

	State            State      `json:"state"`
	ResolvedUserID   string     `json:"resolved_user_id,omitempty"`
	TAPIssued        bool       `json:"tap_issued"`
	LastError        string     `json:"last_error,omitempty"`
	FailedFrom       State      `json:"failed_from,omitempty"`
	ActivateAttempts int        `json:"activate_attempts"`
	ExpireAttempts   int        `json:"expire_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubjectKey returns the best identity known for the grant: the resolved
// directory id once activation cached it, the admission-time subject key
// before that.
func (g *Grant) SubjectKey() string {
	if g.ResolvedUserID != "" {
		return g.ResolvedUserID
	}
	return g.Subject.Key()
}

// UserPrincipalName is what list views display for the grant target.
func (g *Grant) UserPrincipalName() string {
	if g.Subject.Mode == SubjectCreate {
		return g.Subject.UPN()
	}
	if g.ResolvedUserID != "" {
		return g.ResolvedUserID
	}
	return g.Subject.UserID
}

// DueKind selects which window boundary a due-listing query inspects.
type DueKind string

const (
	DueActivation DueKind = "activation"
	DueExpiry     DueKind = "expiry"
)

// StateUpdate carries the optional field changes applied together with a CAS
// state transition. Nil pointers leave the stored value untouched.
type StateUpdate struct {
	ResolvedUserID   *string
	LastError        *string // set to empty string to clear
	FailedFrom       *State
	ActivateAttempts *int
	ExpireAttempts   *int
	NextAttemptAt    *time.Time
	ClearNextAttempt bool
	TAPIssued        *bool
}

// Filter narrows ListByTenant results.
type Filter struct {
	States     []State
	SubjectKey string
	Limit      int
}

// transitions holds the legal state machine edges. Failed is special-cased:
// it records its source state and retries back into the flow from there.
var transitions = map[State][]State{
	StatePending:    {StateActivating, StateCancelled},
	StateActivating: {StateActive, StateFailed},
	StateActive:     {StateExpiring},
	StateExpiring:   {StateExpired, StateFailed},
	// failed -> failed is the operator re-arm: same state, refreshed retry
	// bookkeeping.
	StateFailed: {StateActivating, StateExpiring, StateFailed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
