// Package store persists chat records and account credentials in a
// relational, single-writer-friendly SQLite database, grounded on
// original_source/server/services/db_manager.py.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

// DefaultChannel is seeded onto every newly created account, matching
// original_source/server/services/db_manager.py's create_account default.
const DefaultChannel = "welcome"

// ChatRecord is one persisted chat message.
type ChatRecord struct {
	ID       string
	Username string
	Channel  string
	Content  string
	SentAt   string // ISO-8601 UTC, stamped by the Hub at dispatch time
}

// Credentials is the handshake-time lookup result.
type Credentials struct {
	PasswordHash string
	Disabled     bool
}

// Health reports whether the Store's schema is intact.
type Health struct {
	OK     bool
	Detail string
}

// Store wraps a pooled *sql.DB implementing the operations spec.md §4.2
// names.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the schema at path and returns a ready Store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite tolerates only one writer at a time; original_source uses
	// thread-local connections for the same reason. A single pooled
	// connection is the Go-idiomatic equivalent of that constraint.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password_hashed TEXT NOT NULL,
	disabled INTEGER NOT NULL DEFAULT 0,
	channels TEXT NOT NULL DEFAULT '[]',
	creation_date TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	channel TEXT NOT NULL,
	content TEXT NOT NULL,
	sent_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAccount hashes password and inserts a new user row seeded with
// DefaultChannel. Returns an error if the username already exists.
func (s *Store) CreateAccount(ctx context.Context, username, password string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE username = ?`, username).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("store: account %q already exists", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("store: hash password: %w", err)
	}

	channels, err := json.Marshal([]string{DefaultChannel})
	if err != nil {
		return fmt.Errorf("store: marshal default channels: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hashed, disabled, channels, creation_date) VALUES (?, ?, 0, ?, ?)`,
		username, string(hash), string(channels), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: insert account: %w", err)
	}
	return nil
}

// Credentials returns the stored password hash and disabled flag for
// username, or (Credentials{}, false, nil) if absent.
func (s *Store) Credentials(ctx context.Context, username string) (Credentials, bool, error) {
	var hash string
	var disabled int
	err := s.db.QueryRowContext(ctx, `SELECT password_hashed, disabled FROM users WHERE username = ?`, username).
		Scan(&hash, &disabled)
	if err == sql.ErrNoRows {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("store: credentials: %w", err)
	}
	return Credentials{PasswordHash: hash, Disabled: disabled != 0}, true, nil
}

// Subscriptions returns the channel set for username; missing rows or empty
// stored values return the empty set, never an error.
func (s *Store) Subscriptions(ctx context.Context, username string) (map[string]struct{}, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT channels FROM users WHERE username = ?`, username).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: subscriptions: %w", err)
	}
	if raw == "" {
		return map[string]struct{}{}, nil
	}

	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("store: subscriptions: decode channels: %w", err)
	}

	out := make(map[string]struct{}, len(list))
	for _, c := range list {
		out[c] = struct{}{}
	}
	return out, nil
}

// AddSubscription idempotently adds channel to username's persisted set.
func (s *Store) AddSubscription(ctx context.Context, username, channel string) error {
	return s.mutateSubscriptions(ctx, username, func(set map[string]struct{}) {
		set[channel] = struct{}{}
	})
}

// RemoveSubscription idempotently removes channel from username's
// persisted set.
func (s *Store) RemoveSubscription(ctx context.Context, username, channel string) error {
	return s.mutateSubscriptions(ctx, username, func(set map[string]struct{}) {
		delete(set, channel)
	})
}

func (s *Store) mutateSubscriptions(ctx context.Context, username string, mutate func(map[string]struct{})) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT channels FROM users WHERE username = ?`, username).Scan(&raw)
	if err != nil {
		return fmt.Errorf("store: read channels: %w", err)
	}

	var list []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return fmt.Errorf("store: decode channels: %w", err)
		}
	}
	set := make(map[string]struct{}, len(list))
	for _, c := range list {
		set[c] = struct{}{}
	}

	mutate(set)

	updated := make([]string, 0, len(set))
	for c := range set {
		updated = append(updated, c)
	}
	encoded, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("store: encode channels: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET channels = ? WHERE username = ?`, string(encoded), username); err != nil {
		return fmt.Errorf("store: update channels: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// InsertBatch writes every record in a single atomic transaction. On any
// failure the transaction rolls back and nothing is written; the caller
// retains the batch for retry — no partial loss per spec.md §4.2.
func (s *Store) InsertBatch(ctx context.Context, records []ChatRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (id, username, channel, content, sent_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, r.Username, r.Channel, r.Content, r.SentAt); err != nil {
			return fmt.Errorf("store: insert batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// CheckPassword verifies a plaintext password against its bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HealthCheck verifies both tables exist and are queryable.
func (s *Store) HealthCheck(ctx context.Context) Health {
	for _, table := range []string{"users", "messages"} {
		var name string
		err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			return Health{OK: false, Detail: fmt.Sprintf("table %q missing or unreadable: %v", table, err)}
		}
	}
	return Health{OK: true, Detail: "ok"}
}
