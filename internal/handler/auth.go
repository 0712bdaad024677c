package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/poolerhq/gateway/internal/identity"
	"github.com/poolerhq/gateway/internal/server/middleware"
)

// AuthHandler serves session endpoints: login, user info, session refresh,
// and the dual-auth whoami probe.
type AuthHandler struct {
	backend identity.Backend
	logger  *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(backend identity.Backend, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{backend: backend, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string        `json:"token"`
	User  identity.User `json:"user"`
}

// Login authenticates with email and password against the identity backend
// and returns the session's access token.
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "Email and password are required")
		return
	}

	session, err := h.backend.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Warn("login failed", "email", req.Email)
		writeError(w, http.StatusUnauthorized, "Authentication failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: session.AccessToken,
		User:  session.User,
	})
}

type userResponse struct {
	User    identity.User     `json:"user"`
	Profile *identity.Profile `json:"profile"`
}

// User returns the authenticated user together with its profile row. The
// profile read goes through the request's scoped client, so bearer callers
// see it under their own row-level privileges. A missing profile is not an
// error; the field is null.
// GET /api/auth/user
func (h *AuthHandler) User(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuth(r.Context())

	profile, err := auth.Client.GetProfile(r.Context(), auth.User.ID)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			h.logger.Warn("profile lookup failed", "user_id", auth.User.ID, "error", err)
		}
		profile = nil
	}

	writeJSON(w, http.StatusOK, userResponse{User: auth.User, Profile: profile})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new session.
// POST /api/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid request body"})
		return
	}

	session, err := h.backend.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("session refresh failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]identity.User{"user": session.User})
}

type whoamiResponse struct {
	User        identity.User `json:"user"`
	Method      string        `json:"method"`
	Permissions []string      `json:"permissions,omitempty"`
	KeyID       string        `json:"key_id,omitempty"`
}

// Whoami reports the authenticated identity and how it authenticated.
// Mounted behind the dual-auth middleware, it is the endpoint programmatic
// consumers use to verify a stored credential still works.
// GET /api/whoami
func (h *AuthHandler) Whoami(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuth(r.Context())

	writeJSON(w, http.StatusOK, whoamiResponse{
		User:        auth.User,
		Method:      string(auth.Method),
		Permissions: auth.Permissions,
		KeyID:       auth.KeyID,
	})
}
