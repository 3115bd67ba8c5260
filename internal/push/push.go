// Package push processes Gmail Pub/Sub push notifications. Every outcome
// is soft: the HTTP layer acknowledges with 2xx regardless, because a non-2xx
// would make Pub/Sub redeliver a message that will never become valid.
package push

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	syncer "github.com/contactspidey/mail-infra/internal/sync"
)

// Processing outcomes reported back in the acknowledgement body.
const (
	StatusNoData        = "no_data"
	StatusDecodeError   = "decode_error"
	StatusMissingFields = "missing_fields"
	StatusDuplicate     = "duplicate"
	StatusUnknownUser   = "unknown_user"
	StatusSyncFailed    = "sync_failed"
	StatusProcessed     = "processed"
)

const dedupTTL = 5 * time.Minute

// Syncer triggers a history-scoped sync for a notified user.
type Syncer interface {
	SyncFromHistory(ctx context.Context, userEmail string, historyID uint64) (*syncer.Result, error)
}

// Outcome is the result of processing one push delivery.
type Outcome struct {
	Status       string `json:"status"`
	UserEmail    string `json:"user_email,omitempty"`
	HistoryID    uint64 `json:"history_id,omitempty"`
	EmailsSynced int    `json:"emails_synced,omitempty"`
}

// Handler decodes push envelopes and dispatches syncs.
type Handler struct {
	Syncer Syncer
	// Redis deduplicates Pub/Sub redeliveries by message ID. Optional;
	// without it every delivery is processed (sync itself is idempotent).
	Redis *redis.Client
	Log   zerolog.Logger
}

type envelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type notification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// Process handles one push delivery body.
func (h *Handler) Process(ctx context.Context, body []byte) Outcome {
	if len(bytes.TrimSpace(body)) == 0 {
		return Outcome{Status: StatusNoData}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.Log.Warn().Err(err).Msg("unparseable push envelope")
		return Outcome{Status: StatusDecodeError}
	}
	if env.Message.Data == "" {
		return Outcome{Status: StatusNoData}
	}

	raw, err := decodeData(env.Message.Data)
	if err != nil {
		h.Log.Warn().Err(err).Msg("push data is not valid base64")
		return Outcome{Status: StatusDecodeError}
	}

	var note notification
	if err := json.Unmarshal(raw, &note); err != nil {
		h.Log.Warn().Err(err).Msg("push data is not valid JSON")
		return Outcome{Status: StatusDecodeError}
	}
	historyID, _ := note.HistoryID.Int64()
	if note.EmailAddress == "" || historyID <= 0 {
		return Outcome{Status: StatusMissingFields}
	}
	out := Outcome{UserEmail: note.EmailAddress, HistoryID: uint64(historyID)}

	if dup := h.seen(ctx, env.Message.MessageID); dup {
		out.Status = StatusDuplicate
		return out
	}

	result, err := h.Syncer.SyncFromHistory(ctx, note.EmailAddress, uint64(historyID))
	if err != nil {
		h.Log.Error().Err(err).Str("user", note.EmailAddress).Msg("push-triggered sync failed")
		out.Status = StatusSyncFailed
		return out
	}
	if result.NoUser {
		out.Status = StatusUnknownUser
		return out
	}
	out.Status = StatusProcessed
	out.EmailsSynced = result.EmailsSynced
	return out
}

// seen records the Pub/Sub message ID and reports whether it was already
// processed recently.
func (h *Handler) seen(ctx context.Context, messageID string) bool {
	if h.Redis == nil || messageID == "" {
		return false
	}
	ok, err := h.Redis.SetNX(ctx, "webhook:msg:"+messageID, "1", dedupTTL).Result()
	if err != nil {
		// Dedup is best effort; a redis outage must not drop notifications.
		h.Log.Warn().Err(err).Msg("webhook dedup unavailable")
		return false
	}
	return !ok
}

// decodeData accepts both standard and URL-safe base64, padded or not.
func decodeData(data string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(data); err == nil {
			return raw, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(data)
	return nil, err
}
