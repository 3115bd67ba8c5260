// Package sync implements incremental mailbox synchronization: it pulls
// new messages from Gmail, filters them against what is already stored,
// appends only the unseen ones and advances the per-user sync position.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/apperr"
	"github.com/contactspidey/mail-infra/internal/gmail"
	"github.com/contactspidey/mail-infra/internal/mailstore/sqlite"
	"github.com/contactspidey/mail-infra/internal/store"
)

// MailDB is the per-user mail database surface the engine writes to.
type MailDB interface {
	LastSync(ctx context.Context) (time.Time, bool, error)
	AdvanceLastSync(ctx context.Context, t time.Time) error
	KnownMessageIDs(ctx context.Context) (map[string]struct{}, error)
	KnownThreadIDs(ctx context.Context) (map[string]struct{}, error)
	InsertMessage(ctx context.Context, m *sqlite.Message, eventSubject, eventType string, eventPayload []byte, eventMsgID string) (bool, error)
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	Close() error
}

// Opener opens the mail database for one user.
type Opener func(userEmail string) (MailDB, error)

// CredentialStore is the slice of the credential store the engine reads.
type CredentialStore interface {
	Credential(ctx context.Context, userEmail string) (*store.Credential, error)
}

// Refresher recovers from a stale access token.
type Refresher interface {
	Refresh(ctx context.Context, userEmail string) (string, error)
}

// Publisher delivers outbox events to the broker. Optional.
type Publisher interface {
	EnsureStream(ctx context.Context) error
	Publish(subject string, payload []byte, msgID string) error
}

// Result reports the outcome of one sync run.
type Result struct {
	EmailsSynced int
	LastSync     time.Time
	// NoUser is set when the user has no credential record; callers map
	// this to the benign "no emails present" response.
	NoUser bool
}

// Engine runs per-user sync operations. All fields but Publisher and
// Locker are required.
type Engine struct {
	Creds     CredentialStore
	Open      Opener
	Dial      gmail.Dialer
	Refresher Refresher
	Publisher Publisher
	Locker    Locker
	// Window is the backfill window for users with no sync position yet.
	Window time.Duration
	Log    zerolog.Logger
}

// Sync pulls messages with an internal date after the user's last sync
// position.
func (e *Engine) Sync(ctx context.Context, userEmail string) (*Result, error) {
	return e.run(ctx, userEmail, 0)
}

// SyncFromHistory pulls messages added since the given history ID. The
// history ID only scopes the fetch window for this one call; the stored
// timestamp position stays authoritative and is advanced on success like
// any other sync.
func (e *Engine) SyncFromHistory(ctx context.Context, userEmail string, historyID uint64) (*Result, error) {
	return e.run(ctx, userEmail, historyID)
}

func (e *Engine) run(ctx context.Context, userEmail string, historyID uint64) (*Result, error) {
	locker := e.Locker
	if locker == nil {
		locker = NopLocker()
	}
	ok, err := locker.Acquire(ctx, userEmail)
	if err != nil {
		return nil, apperr.Internal(err, "failed to acquire sync lock")
	}
	if !ok {
		return nil, apperr.Conflict("sync already in progress for this user")
	}
	defer locker.Release(ctx, userEmail)

	cred, err := e.Creds.Credential(ctx, userEmail)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return &Result{NoUser: true}, nil
		}
		return nil, err
	}

	db, err := e.Open(userEmail)
	if err != nil {
		return nil, apperr.Internal(err, "failed to open mail store")
	}
	defer db.Close()

	last, hasLast, err := db.LastSync(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load sync position")
	}
	if !hasLast {
		window := e.Window
		if window <= 0 {
			window = 30 * 24 * time.Hour
		}
		last = time.Now().Add(-window)
	}

	client, refs, err := e.fetchRefs(ctx, userEmail, cred.AccessToken, last, historyID)
	if err != nil {
		return nil, err
	}

	knownIDs, err := db.KnownMessageIDs(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load known messages")
	}
	knownThreads, err := db.KnownThreadIDs(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load known threads")
	}

	synced := 0
	var maxTS time.Time
	for _, ref := range refs {
		if _, exists := knownIDs[ref.ID]; exists {
			continue
		}
		_, inTrackedThread := knownThreads[ref.ThreadID]

		full, err := client.Get(ctx, ref.ID)
		if err != nil {
			e.Log.Warn().Err(err).Str("user", userEmail).Str("message_id", ref.ID).
				Msg("failed to fetch message, skipping")
			continue
		}

		// A reply within a tracked thread is always kept; a message in a
		// new thread is kept only when this application sent it.
		if !inTrackedThread && !full.HasMarker() {
			continue
		}

		inserted, err := e.storeMessage(ctx, db, userEmail, full, "email.received")
		if err != nil {
			e.Log.Error().Err(err).Str("user", userEmail).Str("message_id", ref.ID).
				Msg("failed to store message")
			continue
		}
		if !inserted {
			continue
		}

		synced++
		if full.ThreadID != "" {
			knownThreads[full.ThreadID] = struct{}{}
		}
		if full.InternalDate.After(maxTS) {
			maxTS = full.InternalDate
		}
	}

	result := &Result{EmailsSynced: synced, LastSync: last}
	if synced > 0 {
		// The position only moves when something was stored, so an empty
		// window can never skip messages that arrive out of order.
		if err := db.AdvanceLastSync(ctx, maxTS); err != nil {
			return nil, apperr.Internal(err, "failed to advance sync position")
		}
		result.LastSync = maxTS
		e.drainOutbox(ctx, db)
	}

	e.Log.Info().Str("user", userEmail).Int("synced", synced).
		Time("last_sync", result.LastSync).Msg("sync complete")
	return result, nil
}

// fetchRefs lists candidate messages, recovering once from a stale access
// token by refreshing and redialing. The returned client carries whichever
// token ended up working.
func (e *Engine) fetchRefs(ctx context.Context, userEmail, accessToken string, after time.Time, historyID uint64) (gmail.Client, []gmail.MessageRef, error) {
	client, err := e.Dial(ctx, accessToken)
	if err != nil {
		return nil, nil, apperr.RemoteUnavailable(err, "failed to connect to mailbox")
	}

	refs, err := e.listRefs(ctx, client, after, historyID)
	if gmail.IsAuthError(err) {
		token, rerr := e.Refresher.Refresh(ctx, userEmail)
		if rerr != nil {
			return nil, nil, rerr
		}
		client, err = e.Dial(ctx, token)
		if err != nil {
			return nil, nil, apperr.RemoteUnavailable(err, "failed to connect to mailbox")
		}
		refs, err = e.listRefs(ctx, client, after, historyID)
	}
	if err != nil {
		return nil, nil, apperr.RemoteUnavailable(err, "failed to list mailbox changes")
	}
	return client, refs, nil
}

func (e *Engine) listRefs(ctx context.Context, client gmail.Client, after time.Time, historyID uint64) ([]gmail.MessageRef, error) {
	if historyID == 0 {
		return client.ListAfter(ctx, after)
	}
	refs, _, err := client.HistorySince(ctx, historyID)
	if gmail.IsHistoryExpired(err) {
		// The provider dropped the requested history window; fall back to
		// the time-based path.
		return client.ListAfter(ctx, after)
	}
	return refs, err
}

func (e *Engine) storeMessage(ctx context.Context, db MailDB, userEmail string, m *gmail.Message, eventType string) (bool, error) {
	stored := &sqlite.Message{
		MessageID: m.ID,
		ThreadID:  m.ThreadID,
		From:      m.From,
		To:        m.To,
		Cc:        m.Cc,
		Bcc:       m.Bcc,
		Subject:   m.Subject,
		Snippet:   m.Snippet,
		Body:      m.Body,
		Headers:   m.Headers,
		Labels:    m.Labels,
		IsRead:    m.IsRead(),
		IsSent:    m.IsSent(),
		Timestamp: m.InternalDate,
	}

	event := map[string]any{
		"event_id":   uuid.NewString(),
		"event_type": eventType,
		"ts":         time.Now().Unix(),
		"msg_date":   m.InternalDate.Unix(),
		"provider":   "gmail",
		"user_email": userEmail,
		"message_id": m.ID,
		"thread_id":  m.ThreadID,
		"subject":    m.Subject,
		"sender":     m.From,
		"to_addrs":   m.To,
		"snippet":    m.Snippet,
		"labels":     m.Labels,
	}
	payload, _ := json.Marshal(event)

	subject := fmt.Sprintf("user.%s.%s", subjectToken(userEmail), eventType)
	msgID := fmt.Sprintf("%s|gmail|%s", eventType, m.ID)

	return db.InsertMessage(ctx, stored, subject, eventType, payload, msgID)
}

// subjectToken makes an email address safe as a NATS subject token.
func subjectToken(email string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(email)
}
