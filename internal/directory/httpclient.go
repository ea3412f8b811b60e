package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"jitadmin.org/internal/grant"
)

const tokenExpiryBuffer = 30 * time.Second

// Client implements Directory against the directory service REST API,
// authenticating with machine-to-machine client credentials.
type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	callTimeout  time.Duration

	tokenMu     sync.RWMutex
	cachedToken *tokenCache
}

type tokenCache struct {
	accessToken string
	expiresAt   time.Time
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCallTimeout bounds each directory call. Timed-out calls surface as
// transient errors, never as success.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// NewClient constructs a directory client.
func NewClient(endpoint, clientID, clientSecret string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("directory: endpoint is required")
	}
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("directory: client credentials are required")
	}
	c := &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		callTimeout:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ Directory = (*Client)(nil)

func (c *Client) EnsureUser(ctx context.Context, tenant string, subject grant.Subject) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var userID string
	switch subject.Mode {
	case grant.SubjectSelect:
		userID = subject.UserID
		// Verify the id still resolves; a deleted user is a permanent error.
		var u struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		}
		if err := c.do(ctx, http.MethodGet, c.userPath(tenant, userID), nil, &u); err != nil {
			return "", err
		}
		if !u.Enabled {
			if err := c.do(ctx, http.MethodPost, c.userPath(tenant, userID)+"/enable", nil, nil); err != nil {
				return "", err
			}
		}
	case grant.SubjectCreate:
		id, err := c.findByUPN(ctx, tenant, subject.UPN())
		if err != nil {
			return "", err
		}
		if id == "" {
			id, err = c.createUser(ctx, tenant, subject)
			if err != nil {
				return "", err
			}
		} else {
			// Existing account may have been disabled since creation.
			if err := c.do(ctx, http.MethodPost, c.userPath(tenant, id)+"/enable", nil, nil); err != nil {
				return "", err
			}
		}
		userID = id
	default:
		return "", &Error{Op: "ensure_user", Err: fmt.Errorf("unknown subject mode %q", subject.Mode)}
	}
	return userID, nil
}

func (c *Client) GrantRoles(ctx context.Context, tenant, userID string, roles []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var succeeded, failed []string
	var lastErr error
	for _, role := range roles {
		path := c.userPath(tenant, userID) + "/roles/" + url.PathEscape(role)
		// PUT is idempotent on the service side: attaching an attached role
		// is a no-op 204.
		if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
			failed = append(failed, role)
			lastErr = err
			continue
		}
		succeeded = append(succeeded, role)
	}
	if len(failed) == 0 {
		return nil
	}
	if len(succeeded) == 0 {
		return lastErr
	}
	return &Error{Op: "grant_roles", Transient: IsTransient(lastErr),
		Err: &PartialFailure{Succeeded: succeeded, Failed: failed}}
}

func (c *Client) IssueTAP(ctx context.Context, tenant, userID string) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var cred Credential
	if err := c.do(ctx, http.MethodPost, c.userPath(tenant, userID)+"/tap", nil, &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

func (c *Client) ApplyExpireAction(ctx context.Context, tenant, userID string, action grant.ExpireAction, roles []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	switch action {
	case grant.ExpireRemoveRoles:
		for _, role := range roles {
			path := c.userPath(tenant, userID) + "/roles/" + url.PathEscape(role)
			err := c.do(ctx, http.MethodDelete, path, nil, nil)
			if err != nil && !isGone(err) {
				return err
			}
		}
		return nil
	case grant.ExpireDisableUser:
		err := c.do(ctx, http.MethodPost, c.userPath(tenant, userID)+"/disable", nil, nil)
		if isGone(err) {
			return nil
		}
		return err
	case grant.ExpireDeleteUser:
		err := c.do(ctx, http.MethodDelete, c.userPath(tenant, userID), nil, nil)
		if isGone(err) {
			return nil
		}
		return err
	}
	return &Error{Op: "apply_expire_action", Err: fmt.Errorf("unknown action %q", action)}
}

func (c *Client) findByUPN(ctx context.Context, tenant, upn string) (string, error) {
	path := fmt.Sprintf("/api/v1/tenants/%s/users?upn=%s", url.PathEscape(tenant), url.QueryEscape(upn))
	var out struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if isGone(err) {
			return "", nil
		}
		return "", err
	}
	if len(out.Users) == 0 {
		return "", nil
	}
	return out.Users[0].ID, nil
}

func (c *Client) createUser(ctx context.Context, tenant string, subject grant.Subject) (string, error) {
	body := map[string]string{
		"first_name":          subject.FirstName,
		"last_name":           subject.LastName,
		"user_principal_name": subject.UPN(),
	}
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tenants/%s/users", url.PathEscape(tenant)), body, &out)
	if err != nil {
		var de *Error
		// 409 means a concurrent creation won; resolve the winner.
		if errors.As(err, &de) && de.Status == http.StatusConflict {
			return c.findByUPN(ctx, tenant, subject.UPN())
		}
		return "", err
	}
	return out.ID, nil
}

func (c *Client) userPath(tenant, userID string) string {
	return fmt.Sprintf("/api/v1/tenants/%s/users/%s", url.PathEscape(tenant), url.PathEscape(userID))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{
		Op:        op,
		Status:    resp.StatusCode,
		Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:       fmt.Errorf("%s", strings.TrimSpace(string(data))),
	}
}

// token returns a cached M2M access token, refreshing it when near expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	if c.cachedToken != nil && time.Now().Add(tokenExpiryBuffer).Before(c.cachedToken.expiresAt) {
		token := c.cachedToken.accessToken
		c.tokenMu.RUnlock()
		return token, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	// Double-check after acquiring the write lock.
	if c.cachedToken != nil && time.Now().Add(tokenExpiryBuffer).Before(c.cachedToken.expiresAt) {
		return c.cachedToken.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Op: "token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Op: "token", Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &Error{
			Op:        "token",
			Status:    resp.StatusCode,
			Transient: resp.StatusCode >= 500,
			Err:       fmt.Errorf("%s", strings.TrimSpace(string(data))),
		}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &Error{Op: "token", Err: err}
	}
	if tok.AccessToken == "" {
		return "", &Error{Op: "token", Err: errors.New("empty access token")}
	}
	c.cachedToken = &tokenCache{
		accessToken: tok.AccessToken,
		expiresAt:   time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	return tok.AccessToken, nil
}

// isGone reports whether the error is a 404, which expire actions tolerate:
// the target already being absent is the desired end state.
func isGone(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Status == http.StatusNotFound
}
