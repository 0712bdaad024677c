// Package rest implements the identity backend contract against a hosted
// identity/database service exposing a GoTrue-style auth API (/auth/v1) and
// a PostgREST-style data API (/rest/v1). The gateway holds two credentials
// for the service: a service key with administrative privileges and an anon
// key used when impersonating an end-user session.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poolerhq/gateway/internal/identity"
)

// Config holds the connection settings for the hosted backend.
type Config struct {
	// BaseURL is the root of the hosted service, e.g. https://xyz.example.co.
	BaseURL string
	// ServiceKey grants administrative access; it bypasses row-level rules.
	ServiceKey string
	// AnonKey is the public key used together with a user's access token for
	// impersonated, row-level-scoped requests.
	AnonKey string
	// HTTPClient overrides the transport. Defaults to a 10s-timeout client.
	HTTPClient *http.Client
}

// Client is an identity backend backed by the hosted service. A Client is a
// fixed privilege level: New returns the administrative handle, Impersonate
// derives user-scoped ones. Clients hold no per-request state and are safe
// for concurrent use.
type Client struct {
	baseURL string
	apiKey  string // sent as the apikey header
	bearer  string // sent as the Authorization bearer
	anonKey string
	httpc   *http.Client
}

var _ identity.Backend = (*Client)(nil)

// New creates the administrative client handle.
func New(cfg Config) *Client {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.ServiceKey,
		bearer:  cfg.ServiceKey,
		anonKey: cfg.AnonKey,
		httpc:   httpc,
	}
}

// Impersonate returns a handle whose requests carry the user's access token,
// so the backend applies that session's row-level privileges instead of the
// service key's administrative ones.
func (c *Client) Impersonate(accessToken string) identity.Backend {
	scoped := *c
	scoped.bearer = accessToken
	if c.anonKey != "" {
		scoped.apiKey = c.anonKey
	}
	return &scoped
}

// ---------------------------------------------------------------------------
// Auth API
// ---------------------------------------------------------------------------

// authUser is the user object shape returned by the auth API.
type authUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u authUser) toIdentity() identity.User {
	return identity.User{ID: u.ID, Email: u.Email, Metadata: u.UserMetadata}
}

type sessionPayload struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	User         authUser `json:"user"`
}

func (p sessionPayload) toIdentity() *identity.Session {
	return &identity.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresIn:    p.ExpiresIn,
		User:         p.User.toIdentity(),
	}
}

// SignIn performs a password grant against the auth API.
func (c *Client) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	var payload sessionPayload
	err := c.do(ctx, http.MethodPost, "/auth/v1/token",
		url.Values{"grant_type": {"password"}},
		map[string]string{"email": email, "password": password},
		&payload)
	if err != nil {
		return nil, err
	}
	return payload.toIdentity(), nil
}

// RefreshSession exchanges a refresh token for a new session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	var payload sessionPayload
	err := c.do(ctx, http.MethodPost, "/auth/v1/token",
		url.Values{"grant_type": {"refresh_token"}},
		map[string]string{"refresh_token": refreshToken},
		&payload)
	if err != nil {
		return nil, err
	}
	return payload.toIdentity(), nil
}

// ValidateToken asks the auth API who the token belongs to. The token is
// passed as the request's own bearer so the backend judges its validity.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (*identity.User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var payload authUser
	if err := c.send(req, &payload); err != nil {
		return nil, err
	}
	if payload.ID == "" {
		return nil, identity.ErrInvalidCredentials
	}
	user := payload.toIdentity()
	return &user, nil
}

// ---------------------------------------------------------------------------
// Data API
// ---------------------------------------------------------------------------

// GetUserByID reads the user row from the data API's users table.
func (c *Client) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	var rows []authUser
	err := c.do(ctx, http.MethodGet, "/rest/v1/users",
		url.Values{"id": {"eq." + id}, "select": {"*"}}, nil, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, identity.ErrNotFound
	}
	user := rows[0].toIdentity()
	return &user, nil
}

// GetProfile reads the profile row for a user.
func (c *Client) GetProfile(ctx context.Context, userID string) (*identity.Profile, error) {
	var rows []identity.Profile
	err := c.do(ctx, http.MethodGet, "/rest/v1/profiles",
		url.Values{"id": {"eq." + userID}, "select": {"username,full_name,avatar_url"}},
		nil, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, identity.ErrNotFound
	}
	return &rows[0], nil
}

// GetAPIKeyByValue looks up an API key record by its raw key value.
func (c *Client) GetAPIKeyByValue(ctx context.Context, rawKey string) (*identity.APIKey, error) {
	var rows []identity.APIKey
	err := c.do(ctx, http.MethodGet, "/rest/v1/api_keys",
		url.Values{"key": {"eq." + rawKey}, "select": {"*"}}, nil, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, identity.ErrNotFound
	}
	return &rows[0], nil
}

// CreateAPIKey inserts a new API key record.
func (c *Client) CreateAPIKey(ctx context.Context, key *identity.APIKey) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/rest/v1/api_keys", nil, key)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return c.send(req, nil)
}

// ListAPIKeys returns all keys owned by userID, newest first.
func (c *Client) ListAPIKeys(ctx context.Context, userID string) ([]identity.APIKey, error) {
	var rows []identity.APIKey
	err := c.do(ctx, http.MethodGet, "/rest/v1/api_keys",
		url.Values{
			"user_id": {"eq." + userID},
			"select":  {"*"},
			"order":   {"created_at.desc"},
		}, nil, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetAPIKey returns the key with the given id if owned by userID.
func (c *Client) GetAPIKey(ctx context.Context, id, userID string) (*identity.APIKey, error) {
	var rows []identity.APIKey
	err := c.do(ctx, http.MethodGet, "/rest/v1/api_keys",
		url.Values{"id": {"eq." + id}, "user_id": {"eq." + userID}, "select": {"*"}},
		nil, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, identity.ErrNotFound
	}
	return &rows[0], nil
}

// DeactivateAPIKey flips is_active to false for the key if owned by userID.
// The representation preference tells us whether any row matched.
func (c *Client) DeactivateAPIKey(ctx context.Context, id, userID string) error {
	req, err := c.newRequest(ctx, http.MethodPatch, "/rest/v1/api_keys",
		url.Values{"id": {"eq." + id}, "user_id": {"eq." + userID}},
		map[string]any{"is_active": false})
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []identity.APIKey
	if err := c.send(req, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode backend response: %w", err)
		}
	}
	return nil
}

// backendError is the union of error body shapes the hosted service emits.
type backendError struct {
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error"`
}

func (e backendError) text() string {
	for _, s := range []string{e.Message, e.Msg, e.ErrorDescription, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (c *Client) statusError(status int, body []byte) error {
	var be backendError
	_ = json.Unmarshal(body, &be)
	msg := be.text()

	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		if msg == "" {
			msg = "invalid credentials"
		}
		return fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, msg)
	case http.StatusNotFound:
		return identity.ErrNotFound
	default:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return fmt.Errorf("backend error (status %d): %s", status, msg)
	}
}
