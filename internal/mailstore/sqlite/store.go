// Package sqlite implements the per-user mail document store: synced
// messages, drafts, the sync position and the event outbox.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a per-user mail database.
type Store struct {
	DB *sql.DB
}

// Message is a stored mail message. Immutable once stored except IsRead.
type Message struct {
	MessageID  string            `json:"message_id"`
	ThreadID   string            `json:"thread_id"`
	From       string            `json:"from"`
	To         []string          `json:"to"`
	Cc         []string          `json:"cc,omitempty"`
	Bcc        []string          `json:"bcc,omitempty"`
	Subject    string            `json:"subject"`
	Snippet    string            `json:"snippet"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Labels     []string          `json:"labels"`
	IsRead     bool              `json:"is_read"`
	IsSent     bool              `json:"is_sent"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Draft is a user-authored draft, independent of synced messages.
type Draft struct {
	DraftID   string    `json:"draft_id"`
	ToEmail   string    `json:"to_email"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadGroup is one conversation for the thread list view.
type ThreadGroup struct {
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	From         string    `json:"from"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"message_count"`
	IsRead       bool      `json:"is_read"`
	Messages     []Message `json:"messages"`
}

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// OpenUserDB opens or creates the mail database for one user under dataRoot.
func OpenUserDB(dataRoot, userEmail string) (*Store, error) {
	dbPath := filepath.Join(dataRoot, userEmail, "mail.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// LastSync returns the last sync position. ok is false when the user has
// never completed a sync.
func (s *Store) LastSync(ctx context.Context) (t time.Time, ok bool, err error) {
	var unix sql.NullInt64
	err = s.DB.QueryRowContext(ctx, `SELECT last_sync_at FROM sync_state WHERE id = 1`).Scan(&unix)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to load sync state: %w", err)
	}
	if !unix.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(unix.Int64, 0).UTC(), true, nil
}

// AdvanceLastSync moves the sync position forward. Callers only invoke this
// after at least one message was stored.
func (s *Store) AdvanceLastSync(ctx context.Context, t time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_sync_at, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
	`, t.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to advance sync position: %w", err)
	}
	return nil
}

// KnownMessageIDs returns the IDs of every stored message.
func (s *Store) KnownMessageIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT message_id FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("failed to query message ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// KnownThreadIDs returns the thread IDs of every stored message.
func (s *Store) KnownThreadIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT thread_id FROM messages WHERE thread_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// InsertMessage stores a message and, when an event payload is given,
// appends an outbox entry in the same transaction. Returns false without
// error when the message_id already exists.
func (s *Store) InsertMessage(ctx context.Context, m *Message, eventSubject, eventType string, eventPayload []byte, eventMsgID string) (bool, error) {
	toJSON, _ := json.Marshal(m.To)
	ccJSON, _ := json.Marshal(m.Cc)
	bccJSON, _ := json.Marshal(m.Bcc)
	headersJSON, _ := json.Marshal(m.Headers)
	labelsJSON, _ := json.Marshal(m.Labels)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(message_id, thread_id, sender, to_addrs, cc_addrs, bcc_addrs, subject, snippet, body,
		 headers_json, labels_json, is_read, is_sent, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.ThreadID, m.From, string(toJSON), string(ccJSON), string(bccJSON),
		m.Subject, m.Snippet, m.Body, string(headersJSON), string(labelsJSON),
		boolToInt(m.IsRead), boolToInt(m.IsSent), m.Timestamp.Unix(), time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Duplicate message_id; nothing to publish either.
		return false, nil
	}

	if eventPayload != nil {
		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, eventSubject, eventType, eventPayload, eventMsgID, now)
		if err != nil {
			return false, fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// SetRead updates the read flag of a stored message.
func (s *Store) SetRead(ctx context.Context, messageID string, read bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET is_read = ? WHERE message_id = ?`,
		boolToInt(read), messageID)
	if err != nil {
		return fmt.Errorf("failed to update read flag: %w", err)
	}
	return nil
}

// ListThreads returns one page of conversations, newest first. Messages are
// grouped by thread_id; a thread counts as read only when every member is.
func (s *Store) ListThreads(ctx context.Context, page, perPage int) (threads []ThreadGroup, total int, hasMore bool, err error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT message_id, thread_id, sender, to_addrs, cc_addrs, bcc_addrs, subject, snippet, body,
		       headers_json, labels_json, is_read, is_sent, ts
		FROM messages ORDER BY ts DESC
	`)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	groups := make(map[string][]Message)
	var order []string
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, false, err
		}
		key := m.ThreadID
		if key == "" {
			key = m.MessageID
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}

	all := make([]ThreadGroup, 0, len(order))
	for _, key := range order {
		msgs := groups[key]
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.After(msgs[j].Timestamp) })

		latest := msgs[0]
		allRead := true
		for _, m := range msgs {
			if !m.IsRead {
				allRead = false
				break
			}
		}
		all = append(all, ThreadGroup{
			ThreadID:     key,
			Subject:      latest.Subject,
			From:         latest.From,
			Timestamp:    latest.Timestamp,
			MessageCount: len(msgs),
			IsRead:       allRead,
			Messages:     msgs,
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })

	total = len(all)
	offset := (page - 1) * perPage
	if offset >= total {
		return []ThreadGroup{}, total, false, nil
	}
	end := offset + perPage
	if end > total {
		end = total
	}
	return all[offset:end], total, end < total, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var toJSON, ccJSON, bccJSON, headersJSON, labelsJSON string
	var isRead, isSent int
	var ts int64
	if err := rows.Scan(&m.MessageID, &m.ThreadID, &m.From, &toJSON, &ccJSON, &bccJSON,
		&m.Subject, &m.Snippet, &m.Body, &headersJSON, &labelsJSON, &isRead, &isSent, &ts); err != nil {
		return m, fmt.Errorf("failed to scan message: %w", err)
	}
	_ = json.Unmarshal([]byte(toJSON), &m.To)
	_ = json.Unmarshal([]byte(ccJSON), &m.Cc)
	_ = json.Unmarshal([]byte(bccJSON), &m.Bcc)
	_ = json.Unmarshal([]byte(headersJSON), &m.Headers)
	_ = json.Unmarshal([]byte(labelsJSON), &m.Labels)
	m.IsRead = isRead != 0
	m.IsSent = isSent != 0
	m.Timestamp = time.Unix(ts, 0).UTC()
	return m, nil
}

// CreateDraft inserts a new draft.
func (s *Store) CreateDraft(ctx context.Context, d *Draft) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO drafts (draft_id, to_email, subject, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.DraftID, d.ToEmail, d.Subject, d.Body, d.CreatedAt.Unix(), d.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create draft: %w", err)
	}
	return nil
}

// UpdateDraft rewrites an existing draft. Returns false when absent.
func (s *Store) UpdateDraft(ctx context.Context, d *Draft) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE drafts SET to_email = ?, subject = ?, body = ?, updated_at = ?
		WHERE draft_id = ?
	`, d.ToEmail, d.Subject, d.Body, time.Now().Unix(), d.DraftID)
	if err != nil {
		return false, fmt.Errorf("failed to update draft: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteDraft removes a draft. Returns false when absent.
func (s *Store) DeleteDraft(ctx context.Context, draftID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM drafts WHERE draft_id = ?`, draftID)
	if err != nil {
		return false, fmt.Errorf("failed to delete draft: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListDrafts returns one page of drafts, newest first.
func (s *Store) ListDrafts(ctx context.Context, page, perPage int) (drafts []Draft, total int, hasMore bool, err error) {
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM drafts`).Scan(&total); err != nil {
		return nil, 0, false, fmt.Errorf("failed to count drafts: %w", err)
	}

	offset := (page - 1) * perPage
	rows, err := s.DB.QueryContext(ctx, `
		SELECT draft_id, to_email, subject, body, created_at, updated_at
		FROM drafts ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`, perPage, offset)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	drafts = []Draft{}
	for rows.Next() {
		var d Draft
		var created, updated int64
		if err := rows.Scan(&d.DraftID, &d.ToEmail, &d.Subject, &d.Body, &created, &updated); err != nil {
			return nil, 0, false, fmt.Errorf("failed to scan draft: %w", err)
		}
		d.CreatedAt = time.Unix(created, 0).UTC()
		d.UpdatedAt = time.Unix(updated, 0).UTC()
		drafts = append(drafts, d)
	}
	return drafts, total, offset+len(drafts) < total, rows.Err()
}

// DequeueOutbox fetches unpublished events ready for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and defers the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
