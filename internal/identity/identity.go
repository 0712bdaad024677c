// Package identity defines the contract the gateway expects from its
// identity backend: the service of record for credential validation, user
// lookup, and API key storage. Two implementations exist: a REST client for
// a hosted backend (internal/identity/rest) and a self-contained SQL store
// (internal/identity/store).
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCredentials is returned for any failed credential check:
	// wrong password, invalid or expired token, unknown API key.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is an authenticated actor as reported by the backend. The gateway
// never constructs users itself; it only relays what the backend returns.
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Profile is the public profile row associated with a user.
type Profile struct {
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

// Session is the result of a successful password or refresh-token grant.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         User   `json:"user"`
}

// APIKey is a long-lived static credential. The raw Key value is written
// once at creation and must never be re-displayed in full afterwards; list
// views show only a prefix (see Preview). Revocation is a soft delete:
// IsActive flips to false and the row is kept.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	Key         string     `json:"key" db:"key"`
	Name        string     `json:"name" db:"name"`
	UserID      string     `json:"user_id" db:"user_id"`
	Permissions []string   `json:"permissions" db:"-"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the key has an expiry in the past relative to now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Preview returns the first 8 characters of the key followed by an ellipsis,
// the only form in which a stored key may be shown after creation.
func (k *APIKey) Preview() string {
	if k.Key == "" {
		return ""
	}
	if len(k.Key) <= 8 {
		return k.Key + "..."
	}
	return k.Key[:8] + "..."
}

// Backend is the identity backend contract. All methods are blocking I/O
// and honor context cancellation. Implementations must be safe for
// concurrent use by multiple in-flight requests.
type Backend interface {
	// SignIn performs a password grant and returns a fresh session.
	SignIn(ctx context.Context, email, password string) (*Session, error)

	// RefreshSession exchanges a refresh token for a new session.
	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)

	// ValidateToken verifies a bearer access token and returns the user it
	// belongs to. Returns ErrInvalidCredentials for invalid or expired tokens.
	ValidateToken(ctx context.Context, accessToken string) (*User, error)

	// GetUserByID looks up a user record by its stable id.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// GetProfile returns the profile row for a user, or ErrNotFound.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// GetAPIKeyByValue looks up an API key record by its raw key value.
	// Returns the record regardless of active/expiry state; callers decide.
	GetAPIKeyByValue(ctx context.Context, rawKey string) (*APIKey, error)

	// CreateAPIKey persists a new key record. The caller supplies ID, Key,
	// and all other fields; the backend stores them as given.
	CreateAPIKey(ctx context.Context, key *APIKey) error

	// ListAPIKeys returns all key records owned by userID, newest first.
	ListAPIKeys(ctx context.Context, userID string) ([]APIKey, error)

	// GetAPIKey returns the key record with the given id only if it is owned
	// by userID; otherwise ErrNotFound. Ownership must not be leaked.
	GetAPIKey(ctx context.Context, id, userID string) (*APIKey, error)

	// DeactivateAPIKey soft-deletes the key with the given id if owned by
	// userID. Deactivating an already-inactive key is not an error.
	DeactivateAPIKey(ctx context.Context, id, userID string) error

	// Impersonate returns a handle that acts with the privileges of the
	// session holding accessToken, rather than the backend's administrative
	// privileges. Used for bearer-authenticated requests so that row-level
	// access rules apply to the caller, not the gateway.
	Impersonate(accessToken string) Backend
}
