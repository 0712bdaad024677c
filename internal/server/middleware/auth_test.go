package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/poolerhq/gateway/internal/identity"
)

// fakeBackend is a scriptable identity.Backend that counts calls, so tests
// can assert which paths hit the backend at all.
type fakeBackend struct {
	validateCalls int
	keyCalls      int

	user *identity.User
	key  *identity.APIKey
}

func (f *fakeBackend) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	return nil, identity.ErrInvalidCredentials
}

func (f *fakeBackend) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	return nil, identity.ErrInvalidCredentials
}

func (f *fakeBackend) ValidateToken(ctx context.Context, accessToken string) (*identity.User, error) {
	f.validateCalls++
	if f.user == nil {
		return nil, identity.ErrInvalidCredentials
	}
	return f.user, nil
}

func (f *fakeBackend) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, identity.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeBackend) GetProfile(ctx context.Context, userID string) (*identity.Profile, error) {
	return nil, identity.ErrNotFound
}

func (f *fakeBackend) GetAPIKeyByValue(ctx context.Context, rawKey string) (*identity.APIKey, error) {
	f.keyCalls++
	if f.key == nil || f.key.Key != rawKey {
		return nil, identity.ErrNotFound
	}
	return f.key, nil
}

func (f *fakeBackend) CreateAPIKey(ctx context.Context, key *identity.APIKey) error { return nil }

func (f *fakeBackend) ListAPIKeys(ctx context.Context, userID string) ([]identity.APIKey, error) {
	return nil, nil
}

func (f *fakeBackend) GetAPIKey(ctx context.Context, id, userID string) (*identity.APIKey, error) {
	return nil, identity.ErrNotFound
}

func (f *fakeBackend) DeactivateAPIKey(ctx context.Context, id, userID string) error { return nil }

func (f *fakeBackend) Impersonate(accessToken string) identity.Backend { return f }

// okHandler records whether the request made it through the middleware and
// what auth context it carried.
type okHandler struct {
	called bool
	auth   *AuthContext
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.auth = GetAuth(r.Context())
	w.WriteHeader(http.StatusOK)
}

func doRequest(mw func(http.Handler) http.Handler, headers map[string]string) (*httptest.ResponseRecorder, *okHandler) {
	h := &okHandler{}
	req := httptest.NewRequest("GET", "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	mw(h).ServeHTTP(rr, req)
	return rr, h
}

// ---------------------------------------------------------------------------
// RequireBearer
// ---------------------------------------------------------------------------

// Malformed or absent Authorization headers must be rejected without a
// single backend call.
func TestRequireBearer_MalformedHeaderSkipsBackend(t *testing.T) {
	headers := []map[string]string{
		nil,
		{"Authorization": ""},
		{"Authorization": "Bearer"},
		{"Authorization": "Bearer "},
		{"Authorization": "Basic dXNlcjpwYXNz"},
		{"Authorization": "bearer lowercase-scheme"},
	}

	for _, hs := range headers {
		backend := &fakeBackend{}
		rr, h := doRequest(RequireBearer(backend), hs)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("headers %v: status = %d, want 401", hs, rr.Code)
		}
		if h.called {
			t.Errorf("headers %v: handler was called", hs)
		}
		if backend.validateCalls != 0 {
			t.Errorf("headers %v: backend called %d times, want 0", hs, backend.validateCalls)
		}
	}
}

func TestRequireBearer_ValidToken(t *testing.T) {
	backend := &fakeBackend{user: &identity.User{ID: "u1", Email: "dev@example.com"}}
	rr, h := doRequest(RequireBearer(backend), map[string]string{
		"Authorization": "Bearer sometoken",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	if !h.called {
		t.Fatal("handler was not called")
	}
	if h.auth.Method != MethodBearer {
		t.Errorf("method = %q, want bearer", h.auth.Method)
	}
	if h.auth.User.ID != "u1" {
		t.Errorf("user.id = %q, want u1", h.auth.User.ID)
	}
	if h.auth.Client == nil {
		t.Error("expected a scoped client on the auth context")
	}
}

func TestRequireBearer_InvalidToken(t *testing.T) {
	backend := &fakeBackend{}
	rr, h := doRequest(RequireBearer(backend), map[string]string{
		"Authorization": "Bearer badtoken",
	})

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if h.called {
		t.Error("handler was called with an invalid token")
	}
	if backend.validateCalls != 1 {
		t.Errorf("backend called %d times, want 1", backend.validateCalls)
	}
}

// ---------------------------------------------------------------------------
// RequireAPIKey
// ---------------------------------------------------------------------------

func validKey(userID string) *identity.APIKey {
	future := time.Now().Add(time.Hour)
	return &identity.APIKey{
		ID:          "k1",
		Key:         "rawkeyvalue",
		UserID:      userID,
		Permissions: []string{"read"},
		IsActive:    true,
		ExpiresAt:   &future,
	}
}

func TestRequireAPIKey_Valid(t *testing.T) {
	backend := &fakeBackend{
		user: &identity.User{ID: "u1"},
		key:  validKey("u1"),
	}
	rr, h := doRequest(RequireAPIKey(backend, nil), map[string]string{
		"x-api-key": "rawkeyvalue",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	if h.auth.Method != MethodAPIKey {
		t.Errorf("method = %q, want api_key", h.auth.Method)
	}
	if h.auth.KeyID != "k1" {
		t.Errorf("key id = %q, want k1", h.auth.KeyID)
	}
	if h.auth.Key != "[REDACTED]" {
		t.Errorf("key = %q, want the redaction marker", h.auth.Key)
	}
	if len(h.auth.Permissions) != 1 || h.auth.Permissions[0] != "read" {
		t.Errorf("permissions = %v, want [read]", h.auth.Permissions)
	}
}

// Every API-key failure mode must produce an identical response.
func TestRequireAPIKey_UniformRejection(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	inactive := validKey("u1")
	inactive.IsActive = false

	expired := validKey("u1")
	expired.ExpiresAt = &past

	orphaned := validKey("missing-user")

	cases := []struct {
		name    string
		backend *fakeBackend
		header  string
	}{
		{"missing header", &fakeBackend{}, ""},
		{"unknown key", &fakeBackend{}, "nosuchkey"},
		{"inactive key", &fakeBackend{user: &identity.User{ID: "u1"}, key: inactive}, "rawkeyvalue"},
		{"expired key", &fakeBackend{user: &identity.User{ID: "u1"}, key: expired}, "rawkeyvalue"},
		{"orphaned key", &fakeBackend{user: &identity.User{ID: "u1"}, key: orphaned}, "rawkeyvalue"},
	}

	var wantBody string
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.header != "" {
				headers["x-api-key"] = tc.header
			}
			rr, h := doRequest(RequireAPIKey(tc.backend, nil), headers)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
			if h.called {
				t.Error("handler was called")
			}
			if i == 0 {
				wantBody = rr.Body.String()
			} else if rr.Body.String() != wantBody {
				t.Errorf("body = %s, want identical to the first rejection %s", rr.Body.String(), wantBody)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RequireAuth (dual)
// ---------------------------------------------------------------------------

func TestRequireAuth_BearerWins(t *testing.T) {
	backend := &fakeBackend{
		user: &identity.User{ID: "u1"},
		key:  validKey("u1"),
	}
	rr, h := doRequest(RequireAuth(backend, nil), map[string]string{
		"Authorization": "Bearer sometoken",
		"x-api-key":     "rawkeyvalue",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if h.auth.Method != MethodBearer {
		t.Errorf("method = %q, want bearer", h.auth.Method)
	}
	if backend.keyCalls != 0 {
		t.Errorf("key lookup called %d times, want 0 when bearer succeeds", backend.keyCalls)
	}
}

func TestRequireAuth_FallsBackToKey(t *testing.T) {
	backend := &fakeBackend{
		user: &identity.User{ID: "u1"},
		key:  validKey("u1"),
	}
	// No Authorization header at all.
	rr, h := doRequest(RequireAuth(backend, nil), map[string]string{
		"x-api-key": "rawkeyvalue",
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if h.auth.Method != MethodAPIKey {
		t.Errorf("method = %q, want api_key", h.auth.Method)
	}
}

func TestRequireAuth_BothFail(t *testing.T) {
	backend := &fakeBackend{}
	rr, h := doRequest(RequireAuth(backend, nil), map[string]string{
		"Authorization": "Bearer badtoken",
		"x-api-key":     "nosuchkey",
	})

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if h.called {
		t.Error("handler was called")
	}
}

func TestRequireAuth_NoCredentials(t *testing.T) {
	backend := &fakeBackend{}
	rr, _ := doRequest(RequireAuth(backend, nil), nil)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if backend.validateCalls != 0 || backend.keyCalls != 0 {
		t.Errorf("backend called with no credentials: validate=%d key=%d",
			backend.validateCalls, backend.keyCalls)
	}
}

// ---------------------------------------------------------------------------
// RequirePermission
// ---------------------------------------------------------------------------

func TestRequirePermission(t *testing.T) {
	h := &okHandler{}
	mw := RequirePermission("write")

	// API-key context without the permission: 403.
	auth := &AuthContext{Method: MethodAPIKey, Permissions: []string{"read"}}
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), AuthContextKey, auth))
	rr := httptest.NewRecorder()
	mw(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
	if h.called {
		t.Error("handler was called without the permission")
	}

	// API-key context with the permission: pass.
	auth = &AuthContext{Method: MethodAPIKey, Permissions: []string{"read", "write"}}
	req = httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), AuthContextKey, auth))
	rr = httptest.NewRecorder()
	mw(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}

	// Bearer context: permissions are not declared, everything passes.
	auth = &AuthContext{Method: MethodBearer}
	req = httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), AuthContextKey, auth))
	rr = httptest.NewRecorder()
	mw(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("bearer status = %d, want 200", rr.Code)
	}

	// No auth context at all: 401.
	req = httptest.NewRequest("GET", "/", nil)
	rr = httptest.NewRecorder()
	mw(h).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// RequestID
// ---------------------------------------------------------------------------

func TestRequestID(t *testing.T) {
	var got string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	})

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	RequestID(h).ServeHTTP(rr, req)

	if got == "" {
		t.Error("expected a generated request id in the context")
	}
	if rr.Header().Get("X-Request-ID") != got {
		t.Errorf("response header = %q, want %q", rr.Header().Get("X-Request-ID"), got)
	}
}

func TestRequestID_Passthrough(t *testing.T) {
	var got string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied-id")
	rr := httptest.NewRecorder()
	RequestID(h).ServeHTTP(rr, req)

	if got != "client-supplied-id" {
		t.Errorf("request id = %q, want the client-supplied value", got)
	}
}
