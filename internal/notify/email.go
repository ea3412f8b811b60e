package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"jitadmin.org/internal/grant"
)

// EmailSender submits a plain-text message per event over SMTP.
type EmailSender struct {
	addr string // host:port of the submission endpoint
	from string
	to   []string
	auth smtp.Auth

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender constructs an email sender. auth may be nil for
// unauthenticated relays.
func NewEmailSender(addr, from string, to []string, auth smtp.Auth) *EmailSender {
	return &EmailSender{addr: addr, from: from, to: to, auth: auth, send: smtp.SendMail}
}

func (s *EmailSender) Send(ctx context.Context, g *grant.Grant, event grant.Event, detail string) error {
	subject := fmt.Sprintf("[JIT] %s: %s (%s)", event, g.UserPrincipalName(), g.Tenant)

	var body strings.Builder
	fmt.Fprintf(&body, "Grant %s for %s in tenant %s is now %s.\r\n",
		g.ID, g.UserPrincipalName(), g.Tenant, g.State)
	fmt.Fprintf(&body, "Roles: %s\r\n", strings.Join(g.Roles, ", "))
	fmt.Fprintf(&body, "Window: %s - %s\r\n",
		g.Window.Start.Format(time.RFC3339), g.Window.End.Format(time.RFC3339))
	if detail != "" {
		fmt.Fprintf(&body, "Detail: %s\r\n", detail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.from, strings.Join(s.to, ", "), subject, body.String())

	// smtp.SendMail has no context support; run it in a goroutine so the
	// dispatcher timeout still bounds the call.
	done := make(chan error, 1)
	go func() { done <- s.send(s.addr, s.auth, s.from, s.to, []byte(msg)) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
