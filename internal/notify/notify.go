// Package notify fans lifecycle events out to the channels a grant asked
// for. Delivery is best-effort: a failing channel is logged and counted,
// never allowed to block or fail the lifecycle transition that produced the
// event.
package notify

import (
	"context"
	"time"

	"jitadmin.org/internal/events"
	"jitadmin.org/internal/grant"
	"jitadmin.org/internal/obs"
)

// Sender delivers one event to a single channel.
type Sender interface {
	Send(ctx context.Context, g *grant.Grant, event grant.Event, detail string) error
}

// Dispatcher routes events to the grant's channels and mirrors every event
// onto the in-process stream for live subscribers.
type Dispatcher struct {
	senders map[grant.Channel]Sender
	stream  *events.Stream
	timeout time.Duration
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each channel delivery.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// NewDispatcher constructs a Dispatcher. stream may be nil.
func NewDispatcher(senders map[grant.Channel]Sender, stream *events.Stream, opts ...DispatcherOption) *Dispatcher {
	dp := &Dispatcher{
		senders: senders,
		stream:  stream,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(dp)
	}
	return dp
}

var _ grant.Notifier = (*Dispatcher)(nil)

// Notify delivers the event to every configured channel of the grant.
func (dp *Dispatcher) Notify(ctx context.Context, g *grant.Grant, event grant.Event, detail string) {
	if dp.stream != nil {
		dp.stream.Publish(events.FromGrant(g, event, detail))
	}

	for _, ch := range g.NotifyChannels {
		sender, ok := dp.senders[ch]
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dp.timeout)
		err := sender.Send(callCtx, g, event, detail)
		cancel()
		if err != nil {
			obs.Notification(string(ch), "error")
			obs.LogEvent(map[string]any{
				"ts":       time.Now().UTC().Format(time.RFC3339Nano),
				"level":    "warn",
				"msg":      "notification delivery failed",
				"channel":  string(ch),
				"event":    string(event),
				"grant_id": g.ID,
				"error":    err.Error(),
			})
			continue
		}
		obs.Notification(string(ch), "ok")
	}
}
