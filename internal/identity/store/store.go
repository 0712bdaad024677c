// Package store implements the identity backend contract on top of a plain
// SQL database. It is the self-hosted alternative to the hosted backend
// client in internal/identity/rest: users and API keys live in local tables,
// passwords are bcrypt hashes, and session tokens are HS256 JWTs signed with
// a gateway-local secret. SQLite covers single-binary deployments and tests;
// Postgres covers shared ones.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/poolerhq/gateway/internal/identity"
)

const refreshTTL = 30 * 24 * time.Hour

// Options configures a Store.
type Options struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is the database connection string. For sqlite it may be empty, in
	// which case DataDir (or an in-memory database) is used instead.
	DSN string
	// DataDir is the directory holding the sqlite file when DSN is empty.
	// Empty DataDir with empty DSN means in-memory, which tests rely on.
	DataDir string
	// JWTSecret signs session and refresh tokens.
	JWTSecret string
	// TokenTTL is the access token lifetime. Defaults to 1 hour.
	TokenTTL time.Duration
}

// Store is a SQL-backed identity backend.
type Store struct {
	db        *sqlx.DB
	jwtSecret []byte
	tokenTTL  time.Duration
}

var _ identity.Backend = (*Store)(nil)

// Open connects to the configured database and runs migrations.
func Open(opts Options) (*Store, error) {
	if opts.JWTSecret == "" {
		return nil, errors.New("store: jwt secret is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}

	driver := opts.Driver
	if driver == "" {
		driver = "sqlite"
	}

	var db *sqlx.DB
	var err error
	switch driver {
	case "sqlite":
		dsn := opts.DSN
		if dsn == "" {
			if opts.DataDir == "" {
				dsn = ":memory:?_journal_mode=WAL"
			} else {
				if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
					return nil, fmt.Errorf("create data dir: %w", err)
				}
				dsn = filepath.Join(opts.DataDir, "pooler.db") + "?_journal_mode=WAL&_busy_timeout=5000"
			}
		}
		db, err = sqlx.Connect("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open identity database: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	case "postgres":
		db, err = sqlx.Connect("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open identity database: %w", err)
		}
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}

	s := &Store{
		db:        db,
		jwtSecret: []byte(opts.JWTSecret),
		tokenTTL:  opts.TokenTTL,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type userRow struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// CreateUser registers a new user with a bcrypt-hashed password and an empty
// profile row. Used by the CLI and by tests; the hosted backend owns signup
// in production deployments.
func (s *Store) CreateUser(ctx context.Context, email, password, username string) (*identity.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	row := userRow{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertUser = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES (:id, :email, :password_hash, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertUser, row); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	insertProfile := tx.Rebind(`INSERT INTO profiles (id, username) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, insertProfile, row.ID, username); err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &identity.User{ID: row.ID, Email: row.Email}, nil
}

// ListUsers returns all registered users ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]identity.User, error) {
	var rows []userRow
	q := s.db.Rebind("SELECT * FROM users ORDER BY email")
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]identity.User, len(rows))
	for i, r := range rows {
		users[i] = identity.User{ID: r.ID, Email: r.Email}
	}
	return users, nil
}

// SignIn verifies email and password and issues a fresh session.
func (s *Store) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	var row userRow
	q := s.db.Rebind("SELECT * FROM users WHERE email = ?")
	if err := s.db.GetContext(ctx, &row, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)); err != nil {
		return nil, identity.ErrInvalidCredentials
	}

	return s.issueSession(row.ID, row.Email)
}

// RefreshSession exchanges a refresh token for a new session.
func (s *Store) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	claims, err := s.parseToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "refresh" {
		return nil, identity.ErrInvalidCredentials
	}
	return s.issueSession(claims.Subject, claims.Email)
}

// ValidateToken verifies a bearer access token.
func (s *Store) ValidateToken(ctx context.Context, accessToken string) (*identity.User, error) {
	claims, err := s.parseToken(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "" {
		// Refresh tokens are not valid as bearer credentials.
		return nil, identity.ErrInvalidCredentials
	}
	return &identity.User{ID: claims.Subject, Email: claims.Email}, nil
}

// GetUserByID looks up a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	var row userRow
	q := s.db.Rebind("SELECT * FROM users WHERE id = ?")
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &identity.User{ID: row.ID, Email: row.Email}, nil
}

// GetProfile returns the profile row for a user.
func (s *Store) GetProfile(ctx context.Context, userID string) (*identity.Profile, error) {
	var p identity.Profile
	q := s.db.Rebind("SELECT username, full_name, avatar_url FROM profiles WHERE id = ?")
	if err := s.db.QueryRowxContext(ctx, q, userID).Scan(&p.Username, &p.FullName, &p.AvatarURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// apiKeyRow maps 1:1 to the api_keys table. The permissions column stores
// the JSON-encoded string slice.
type apiKeyRow struct {
	ID              string     `db:"id"`
	Key             string     `db:"key"`
	Name            string     `db:"name"`
	UserID          string     `db:"user_id"`
	PermissionsJSON string     `db:"permissions"`
	IsActive        bool       `db:"is_active"`
	ExpiresAt       *time.Time `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
}

func apiKeyRowFromModel(k *identity.APIKey) (apiKeyRow, error) {
	perms := k.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	return apiKeyRow{
		ID:              k.ID,
		Key:             k.Key,
		Name:            k.Name,
		UserID:          k.UserID,
		PermissionsJSON: string(permsJSON),
		IsActive:        k.IsActive,
		ExpiresAt:       k.ExpiresAt,
		CreatedAt:       k.CreatedAt,
	}, nil
}

func (r apiKeyRow) toModel() (identity.APIKey, error) {
	var perms []string
	if r.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(r.PermissionsJSON), &perms); err != nil {
			return identity.APIKey{}, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	if perms == nil {
		perms = []string{}
	}
	return identity.APIKey{
		ID:          r.ID,
		Key:         r.Key,
		Name:        r.Name,
		UserID:      r.UserID,
		Permissions: perms,
		IsActive:    r.IsActive,
		ExpiresAt:   r.ExpiresAt,
		CreatedAt:   r.CreatedAt,
	}, nil
}

// CreateAPIKey persists a new API key record as given by the caller.
func (s *Store) CreateAPIKey(ctx context.Context, key *identity.APIKey) error {
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, key, name, user_id, permissions, is_active, expires_at, created_at)
		VALUES
		(:id, :key, :name, :user_id, :permissions, :is_active, :expires_at, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByValue looks up an API key by its raw key value.
func (s *Store) GetAPIKeyByValue(ctx context.Context, rawKey string) (*identity.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind(`SELECT * FROM api_keys WHERE key = ?`)
	if err := s.db.GetContext(ctx, &row, q, rawKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("get api key by value: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns all keys owned by userID, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]identity.APIKey, error) {
	var rows []apiKeyRow
	q := s.db.Rebind(`SELECT * FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]identity.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// GetAPIKey returns the key with the given id if owned by userID.
func (s *Store) GetAPIKey(ctx context.Context, id, userID string) (*identity.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind(`SELECT * FROM api_keys WHERE id = ? AND user_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// DeactivateAPIKey marks the key inactive if owned by userID. Deactivating
// an already-inactive key matches a row and is therefore not an error.
func (s *Store) DeactivateAPIKey(ctx context.Context, id, userID string) error {
	q := s.db.Rebind(`UPDATE api_keys SET is_active = FALSE WHERE id = ? AND user_id = ?`)
	result, err := s.db.ExecContext(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate api key rows affected: %w", err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// Impersonate returns the store itself: the local store has no row-level
// security to scope, so user-scoped and administrative handles coincide.
func (s *Store) Impersonate(accessToken string) identity.Backend {
	return s
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

type sessionClaims struct {
	Email     string `json:"email,omitempty"`
	TokenType string `json:"typ,omitempty"` // empty for access, "refresh" for refresh
	jwt.RegisteredClaims
}

func (s *Store) issueSession(userID, email string) (*identity.Session, error) {
	now := time.Now()

	access, err := s.signToken(sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			Issuer:    "pooler",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := s.signToken(sessionClaims{
		Email:     email,
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(refreshTTL)),
			Issuer:    "pooler",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &identity.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.tokenTTL.Seconds()),
		User:         identity.User{ID: userID, Email: email},
	}, nil
}

func (s *Store) signToken(claims sessionClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Store) parseToken(tokenStr string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, identity.ErrInvalidCredentials
	}
	return claims, nil
}
