package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"jitadmin.org/internal/auth"
	"jitadmin.org/internal/events"
	"jitadmin.org/internal/grant"
)

func TestStreamDeliversLifecycleEvents(t *testing.T) {
	api := newTestAPI(t)
	token := api.obtainToken("operator-1", []string{auth.RoleOperator})

	req, err := http.NewRequest(http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read opening comment: %v", err)
	}
	if !strings.HasPrefix(first, ":") {
		t.Fatalf("expected comment line, got %q", first)
	}

	// Let the subscription register, then publish.
	go func() {
		time.Sleep(50 * time.Millisecond)
		api.stream.Publish(events.LifecycleEvent{
			GrantID: "grant-1",
			Tenant:  "tenant-a",
			Event:   grant.EventActivated,
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	var data string
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}
	if data == "" {
		t.Fatal("no event received")
	}

	var evt events.LifecycleEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.GrantID != "grant-1" || evt.Event != grant.EventActivated {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/events", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
