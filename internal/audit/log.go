// Package audit emits structured audit entries for operator-facing actions:
// token issuance, grant admission, and the manual cancel/expire/retry verbs.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"jitadmin.org/internal/auth"
	"jitadmin.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier so that audit entries can be
// correlated with the access log.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

type entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// LogEvent writes one audit entry enriched with the request id and operator
// identity found in ctx. Fields are copied, so callers may reuse the map.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}

	e := entry{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Type:   "audit",
		Event:  event,
		Fields: make(map[string]any, len(fields)),
	}
	e.RequestID = requestIDFromContext(ctx)
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e.UserID = userID
	}
	for k, v := range fields {
		e.Fields[k] = v
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
