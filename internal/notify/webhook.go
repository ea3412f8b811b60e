package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"jitadmin.org/internal/grant"
)

// WebhookSender posts event payloads as JSON to a configured URL.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender constructs a webhook sender.
func NewWebhookSender(url string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, client: client}
}

type webhookPayload struct {
	DeliveryID string      `json:"delivery_id"`
	Event      grant.Event `json:"event"`
	GrantID    string      `json:"grant_id"`
	Tenant     string      `json:"tenant"`
	Subject    string      `json:"subject"`
	Roles      []string    `json:"roles"`
	State      grant.State `json:"state"`
	WindowEnd  time.Time   `json:"window_end"`
	Detail     string      `json:"detail,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (s *WebhookSender) Send(ctx context.Context, g *grant.Grant, event grant.Event, detail string) error {
	payload := webhookPayload{
		DeliveryID: uuid.NewString(),
		Event:      event,
		GrantID:    g.ID,
		Tenant:     g.Tenant,
		Subject:    g.UserPrincipalName(),
		Roles:      g.Roles,
		State:      g.State,
		WindowEnd:  g.Window.End,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Id", payload.DeliveryID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
