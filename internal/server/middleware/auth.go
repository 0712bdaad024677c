package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/poolerhq/gateway/internal/identity"
)

type contextKeyAuth string

// AuthContextKey is the context key for the authenticated request context.
const AuthContextKey contextKeyAuth = "auth_context"

// Credential header and rejection messages. The API-key messages are
// deliberately generic: the same body is returned whether a key is missing,
// unknown, inactive, or expired, so a caller probing keys learns nothing
// about which check failed.
const (
	APIKeyHeader = "x-api-key"

	msgMissingBearer  = "Missing or invalid Authorization header"
	msgInvalidAPIKey  = "Invalid credentials"
	msgDualAuthFailed = "Valid Bearer token or API key required"

	redactedKey = "[REDACTED]"
)

// Method identifies which credential scheme authenticated the request.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// AuthContext is the per-request authenticated context attached by the auth
// middleware. It is created fresh per request and never shared.
//
// For bearer authentication, Client is a handle scoped to the caller's own
// session and Permissions is nil: the caller's privileges are whatever the
// backend's row-level rules grant that session. For API-key authentication,
// Client is the backend's administrative handle and Permissions carries the
// key's declared capability set, enforced by RequirePermission.
type AuthContext struct {
	Method      Method
	User        identity.User
	Client      identity.Backend
	Permissions []string
	KeyID       string
	Key         string // always the redaction marker, never the raw key
}

// HasPermission reports whether the context grants the named capability.
// Bearer contexts carry no permission set and implicitly grant everything.
func (a *AuthContext) HasPermission(perm string) bool {
	if a.Method != MethodAPIKey {
		return true
	}
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// GetAuth extracts the authenticated context from a request context.
// Returns nil for unauthenticated requests.
func GetAuth(ctx context.Context) *AuthContext {
	if a, ok := ctx.Value(AuthContextKey).(*AuthContext); ok {
		return a
	}
	return nil
}

// RequireBearer returns a middleware that authenticates requests with a
// bearer access token only. A missing or malformed Authorization header is
// rejected without any backend call.
func RequireBearer(backend identity.Backend) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, errMsg := bearerAuth(r, backend)
			if auth == nil {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}
			serveWithAuth(next, w, r, auth)
		})
	}
}

// RequireAPIKey returns a middleware that authenticates requests with a
// static API key only, with uniform rejection: every failure mode produces
// an identical response. Failures are audit-logged with the owning user id
// when known; the key value itself is never logged.
func RequireAPIKey(backend identity.Backend, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := apiKeyAuth(r, backend, logger)
			if auth == nil {
				writeAuthError(w, http.StatusUnauthorized, msgInvalidAPIKey)
				return
			}
			serveWithAuth(next, w, r, auth)
		})
	}
}

// RequireAuth returns the dual-mode middleware: the bearer path is tried
// first, and the API-key path only when no Authorization header is present
// or the bearer check fails. Bearer therefore takes precedence when both
// credentials are supplied.
func RequireAuth(backend identity.Backend, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth, _ := bearerAuth(r, backend); auth != nil {
				serveWithAuth(next, w, r, auth)
				return
			}

			if auth := apiKeyAuth(r, backend, logger); auth != nil {
				serveWithAuth(next, w, r, auth)
				return
			}

			writeAuthError(w, http.StatusUnauthorized, msgDualAuthFailed)
		})
	}
}

// RequirePermission returns a middleware that enforces a capability on
// API-key principals. It must run after one of the auth middlewares.
// Bearer principals pass: their privileges are the backend's row-level
// rules, not a declared permission set.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := GetAuth(r.Context())
			if auth == nil {
				writeAuthError(w, http.StatusUnauthorized, msgDualAuthFailed)
				return
			}
			if !auth.HasPermission(perm) {
				writeJSONError(w, http.StatusForbidden, "Forbidden",
					"Missing required permission: "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerAuth runs the bearer-token path. On failure it returns nil and the
// message to surface; the message echoes the backend's own wording where
// one exists and fabricates nothing beyond it.
func bearerAuth(r *http.Request, backend identity.Backend) (*AuthContext, string) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, msgMissingBearer
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return nil, msgMissingBearer
	}

	user, err := backend.ValidateToken(r.Context(), token)
	if err != nil {
		return nil, err.Error()
	}
	if user == nil {
		return nil, "Invalid authentication token"
	}

	return &AuthContext{
		Method: MethodBearer,
		User:   *user,
		Client: backend.Impersonate(token),
	}, ""
}

// apiKeyAuth runs the API-key path. It returns nil for every failure mode;
// callers map that to one uniform rejection so the response does not reveal
// whether the key was missing, unknown, inactive, or expired.
func apiKeyAuth(r *http.Request, backend identity.Backend, logger *slog.Logger) *AuthContext {
	rawKey := r.Header.Get(APIKeyHeader)
	if rawKey == "" {
		return nil
	}

	key, err := backend.GetAPIKeyByValue(r.Context(), rawKey)
	if err != nil || key == nil {
		auditKeyFailure(logger, "")
		return nil
	}
	if !key.IsActive || key.Expired(time.Now()) {
		auditKeyFailure(logger, key.UserID)
		return nil
	}

	user, err := backend.GetUserByID(r.Context(), key.UserID)
	if err != nil || user == nil {
		// Key points at a missing owner; a data-integrity failure, but the
		// caller sees the same generic rejection as any bad credential.
		auditKeyFailure(logger, key.UserID)
		return nil
	}

	return &AuthContext{
		Method:      MethodAPIKey,
		User:        *user,
		Client:      backend,
		Permissions: key.Permissions,
		KeyID:       key.ID,
		Key:         redactedKey,
	}
}

// auditKeyFailure records a failed API-key attempt. Only the owning user id
// is logged, never the key value.
func auditKeyFailure(logger *slog.Logger, userID string) {
	if logger == nil {
		return
	}
	if userID == "" {
		logger.Warn("api key authentication failed")
		return
	}
	logger.Warn("api key authentication failed", "user_id", userID)
}

func serveWithAuth(next http.Handler, w http.ResponseWriter, r *http.Request, auth *AuthContext) {
	ctx := context.WithValue(r.Context(), AuthContextKey, auth)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeJSONError(w, status, "Unauthorized", message)
}

func writeJSONError(w http.ResponseWriter, status int, errLabel, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"error":   errLabel,
		"message": message,
	})
}
