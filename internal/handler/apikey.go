package handler

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/poolerhq/gateway/internal/identity"
	"github.com/poolerhq/gateway/internal/server/middleware"
)

const (
	apiKeyLength = 32
	apiKeyTTL    = 30 * 24 * time.Hour
)

var defaultPermissions = []string{"read", "write"}

// uuidPattern validates key record ids on the revocation path. Checked
// before any backend lookup so malformed ids never reach the backend.
var uuidPattern = regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// APIKeyHandler manages the API key lifecycle: issue, list, revoke. All
// three require bearer authentication; API-key holders cannot mint, view,
// or revoke keys.
type APIKeyHandler struct {
	backend identity.Backend
	logger  *slog.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(backend identity.Backend, logger *slog.Logger) *APIKeyHandler {
	return &APIKeyHandler{backend: backend, logger: logger}
}

type issueKeyResponse struct {
	ID          string     `json:"id"`
	APIKey      string     `json:"apiKey"` // raw secret, shown ONCE
	ExpiresAt   *time.Time `json:"expiresAt"`
	Permissions []string   `json:"permissions"`
}

// Issue generates a new API key for the authenticated user: a 32-character
// alphanumeric secret from crypto/rand, default read/write permissions, and
// a 30-day expiry. The raw secret appears in this response and nowhere else.
// POST /api/auth/api-key
func (h *APIKeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuth(r.Context())

	secret, err := generateKey(apiKeyLength)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate API key", err.Error())
		return
	}

	now := time.Now().UTC()
	expiresAt := now.Add(apiKeyTTL)
	key := &identity.APIKey{
		ID:          uuid.NewString(),
		Key:         secret,
		UserID:      auth.User.ID,
		Permissions: defaultPermissions,
		IsActive:    true,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
	}

	if err := h.backend.CreateAPIKey(r.Context(), key); err != nil {
		h.logger.Error("api key insert failed", "user_id", auth.User.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate API key",
			"Error inserting API key into database")
		return
	}

	h.logger.Info("api key issued", "user_id", auth.User.ID, "key_id", key.ID)

	writeJSON(w, http.StatusOK, issueKeyResponse{
		ID:          key.ID,
		APIKey:      secret,
		ExpiresAt:   key.ExpiresAt,
		Permissions: key.Permissions,
	})
}

type listedKey struct {
	ID          string     `json:"id"`
	KeyPreview  string     `json:"key_preview"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// List returns the caller's API keys, newest first. Each key is reduced to
// a preview; the full secret is never returned after issuance.
// GET /api/auth/api-keys
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuth(r.Context())

	keys, err := h.backend.ListAPIKeys(r.Context(), auth.User.ID)
	if err != nil {
		h.logger.Error("api key list failed", "user_id", auth.User.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch API keys", err.Error())
		return
	}

	listed := make([]listedKey, 0, len(keys))
	for i := range keys {
		k := &keys[i]
		listed = append(listed, listedKey{
			ID:          k.ID,
			KeyPreview:  k.Preview(),
			Name:        k.Name,
			Permissions: k.Permissions,
			IsActive:    k.IsActive,
			CreatedAt:   k.CreatedAt,
			ExpiresAt:   k.ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string][]listedKey{"data": listed})
}

// Revoke deactivates an API key by record id. The id must be UUID-shaped
// (400 otherwise, before any lookup) and owned by the caller (404 whether
// the id is unknown or owned by someone else, so ownership is not leaked).
// Revocation is an idempotent soft delete.
// DELETE /api/auth/api-key/{id}
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !uuidPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "Invalid ID format",
			"The API key ID must be a valid UUID. This is the ID returned when creating the key, not the API key string itself.")
		return
	}

	auth := middleware.GetAuth(r.Context())

	key, err := h.backend.GetAPIKey(r.Context(), id, auth.User.ID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found",
				"The specified API key does not exist or does not belong to you.")
			return
		}
		h.logger.Error("api key lookup failed", "user_id", auth.User.ID, "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to revoke API key", err.Error())
		return
	}

	if !key.IsActive {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "API key was already revoked",
		})
		return
	}

	if err := h.backend.DeactivateAPIKey(r.Context(), id, auth.User.ID); err != nil {
		h.logger.Error("api key revoke failed", "user_id", auth.User.ID, "key_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to revoke API key", err.Error())
		return
	}

	h.logger.Info("api key revoked", "user_id", auth.User.ID, "key_id", id)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked successfully",
	})
}

// generateKey returns a uniform-random alphanumeric secret of length n.
// Rejection sampling keeps the distribution uniform over the alphabet.
func generateKey(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// Largest multiple of len(alphabet) that fits in a byte.
	const limit = byte(256 - 256%len(alphabet))

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
