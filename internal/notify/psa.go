package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"jitadmin.org/internal/grant"
)

// PSASender creates a ticket in the configured PSA system for each event.
type PSASender struct {
	url    string
	apiKey string
	client *http.Client
}

// NewPSASender constructs a PSA sender.
func NewPSASender(url, apiKey string, client *http.Client) *PSASender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &PSASender{url: url, apiKey: apiKey, client: client}
}

type psaTicket struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Tenant      string `json:"tenant"`
	Reference   string `json:"reference"`
}

func (s *PSASender) Send(ctx context.Context, g *grant.Grant, event grant.Event, detail string) error {
	ticket := psaTicket{
		Summary: fmt.Sprintf("JIT admin %s: %s", event, g.UserPrincipalName()),
		Description: fmt.Sprintf("Grant %s in tenant %s transitioned to %s at %s. %s",
			g.ID, g.Tenant, g.State, time.Now().UTC().Format(time.RFC3339), detail),
		Tenant:    g.Tenant,
		Reference: g.ID,
	}
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("psa returned status %d", resp.StatusCode)
	}
	return nil
}
