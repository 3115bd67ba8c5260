// Package store holds per-user OAuth credentials, Gmail watch state and
// encrypted LLM API keys.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/contactspidey/mail-infra/internal/apperr"
)

// Credential is the OAuth token pair for a user. The access token may be
// stale; the refresh token is the source of truth for re-authentication.
type Credential struct {
	UserEmail    string `json:"user_email"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// WatchState is the persisted Gmail watch subscription for a user.
type WatchState struct {
	UserEmail string    `json:"user_email"`
	Enabled   bool      `json:"enabled"`
	HistoryID string    `json:"history_id"`
	Expiry    int64     `json:"expiry"` // unix seconds
	TopicName string    `json:"topic_name"`
	StartedAt time.Time `json:"started_at"`
}

// Store is the credential database, shared by all services.
type Store struct {
	db *sql.DB
}

// Open opens or creates the credential database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			user_email TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS watches (
			user_email TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 0,
			history_id TEXT NOT NULL DEFAULT '',
			expiry INTEGER NOT NULL DEFAULT 0,
			topic_name TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			user_email TEXT NOT NULL,
			key_type TEXT NOT NULL,
			encrypted_value TEXT NOT NULL,
			PRIMARY KEY (user_email, key_type)
		)`,
		`CREATE TABLE IF NOT EXISTS selected_keys (
			user_email TEXT PRIMARY KEY,
			key_type TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCredential upserts the token pair for a user. An empty refresh token
// leaves any previously stored refresh token in place.
func (s *Store) SaveCredential(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_email, access_token, refresh_token, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(user_email) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = COALESCE(NULLIF(excluded.refresh_token, ''), credentials.refresh_token),
			updated_at = excluded.updated_at
	`, cred.UserEmail, cred.AccessToken, cred.RefreshToken, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Credential returns the stored token pair for a user.
func (s *Store) Credential(ctx context.Context, userEmail string) (*Credential, error) {
	cred := &Credential{UserEmail: userEmail}
	var refresh sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token FROM credentials WHERE user_email = ?
	`, userEmail).Scan(&cred.AccessToken, &refresh)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("OAuth credentials not found for this user")
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	cred.RefreshToken = refresh.String
	return cred, nil
}

// SaveAccessToken overwrites only the access token for a user.
func (s *Store) SaveAccessToken(ctx context.Context, userEmail, accessToken string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET access_token = ?, updated_at = ? WHERE user_email = ?
	`, accessToken, time.Now(), userEmail)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("OAuth credentials not found for this user")
	}
	return nil
}

// Watch returns the stored watch state for a user, or nil if none exists.
func (s *Store) Watch(ctx context.Context, userEmail string) (*WatchState, error) {
	w := &WatchState{UserEmail: userEmail}
	var started sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, history_id, expiry, topic_name, started_at
		FROM watches WHERE user_email = ?
	`, userEmail).Scan(&w.Enabled, &w.HistoryID, &w.Expiry, &w.TopicName, &started)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get watch: %w", err)
	}
	w.StartedAt = started.Time
	return w, nil
}

// SaveWatch upserts the watch state for a user.
func (s *Store) SaveWatch(ctx context.Context, w WatchState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watches (user_email, enabled, history_id, expiry, topic_name, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_email) DO UPDATE SET
			enabled = excluded.enabled,
			history_id = excluded.history_id,
			expiry = excluded.expiry,
			topic_name = excluded.topic_name,
			started_at = excluded.started_at
	`, w.UserEmail, w.Enabled, w.HistoryID, w.Expiry, w.TopicName, w.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// AllWatches returns the watch state of every user that has one.
func (s *Store) AllWatches(ctx context.Context) ([]WatchState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_email, enabled, history_id, expiry, topic_name, started_at
		FROM watches ORDER BY user_email
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watches: %w", err)
	}
	defer rows.Close()

	var watches []WatchState
	for rows.Next() {
		var w WatchState
		var started sql.NullTime
		if err := rows.Scan(&w.UserEmail, &w.Enabled, &w.HistoryID, &w.Expiry, &w.TopicName, &started); err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		w.StartedAt = started.Time
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

// SaveKey stores an encrypted API key of the given type for a user.
func (s *Store) SaveKey(ctx context.Context, userEmail, keyType, encryptedValue string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (user_email, key_type, encrypted_value)
		VALUES (?, ?, ?)
		ON CONFLICT(user_email, key_type) DO UPDATE SET
			encrypted_value = excluded.encrypted_value
	`, userEmail, keyType, encryptedValue)
	if err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	return nil
}

// KeyTypes returns the types of all keys stored for a user.
func (s *Store) KeyTypes(ctx context.Context, userEmail string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_type FROM api_keys WHERE user_email = ? ORDER BY key_type
	`, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan key type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// EncryptedKey returns the stored ciphertext for a user's key.
func (s *Store) EncryptedKey(ctx context.Context, userEmail, keyType string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT encrypted_value FROM api_keys WHERE user_email = ? AND key_type = ?
	`, userEmail, keyType).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", apperr.NotFound("key not found for this user")
		}
		return "", fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// SetSelectedKey records which stored key the user currently uses.
func (s *Store) SetSelectedKey(ctx context.Context, userEmail, keyType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO selected_keys (user_email, key_type) VALUES (?, ?)
		ON CONFLICT(user_email) DO UPDATE SET key_type = excluded.key_type
	`, userEmail, keyType)
	if err != nil {
		return fmt.Errorf("failed to set selected key: %w", err)
	}
	return nil
}

// SelectedKey returns the user's currently selected key type, or "" if unset.
func (s *Store) SelectedKey(ctx context.Context, userEmail string) (string, error) {
	var keyType string
	err := s.db.QueryRowContext(ctx, `
		SELECT key_type FROM selected_keys WHERE user_email = ?
	`, userEmail).Scan(&keyType)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get selected key: %w", err)
	}
	return keyType, nil
}
