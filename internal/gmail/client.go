// Package gmail wraps the narrow slice of the Gmail API the mail services
// need: after-timestamp listing, history deltas, message fetch, watch
// registration and send.
package gmail

import (
	"context"
	"time"
)

// Marker header stamped on every message this application sends. A message
// in an untracked thread is only ingested when it carries this header.
const (
	MarkerHeader = "X-MyApp-ID"
	MarkerValue  = "ContactSpidey"
)

// MessageRef identifies a message and its conversation.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Message is a fully fetched mail message.
type Message struct {
	ID           string
	ThreadID     string
	From         string
	To           []string
	Cc           []string
	Bcc          []string
	Subject      string
	Snippet      string
	Body         string
	Headers      map[string]string
	Labels       []string
	InternalDate time.Time
}

// HasMarker reports whether the message carries the application marker
// header, i.e. it was originally sent by this application.
func (m *Message) HasMarker() bool {
	return m.Headers[MarkerHeader] == MarkerValue
}

// IsRead derives the read flag from provider labels.
func (m *Message) IsRead() bool {
	return !hasLabel(m.Labels, "UNREAD")
}

// IsSent derives the sent flag from provider labels.
func (m *Message) IsSent() bool {
	return hasLabel(m.Labels, "SENT")
}

// WatchResult is the provider response to a watch registration.
type WatchResult struct {
	HistoryID string
	// Expiry is zero when the provider returned no expiration.
	Expiry time.Time
}

// SendResult identifies a sent message.
type SendResult struct {
	ID       string
	ThreadID string
}

// Client is the mailbox surface used by the sync engine and watch manager.
type Client interface {
	// ListAfter returns refs for every message with an internal date
	// after the given time, paginating internally.
	ListAfter(ctx context.Context, after time.Time) ([]MessageRef, error)

	// HistorySince returns refs for messages added since startHistoryID,
	// plus the latest history ID observed.
	HistorySince(ctx context.Context, startHistoryID uint64) ([]MessageRef, uint64, error)

	// Get fetches one message in full.
	Get(ctx context.Context, id string) (*Message, error)

	// Watch registers (or re-registers) a push notification subscription
	// delivering to the given Pub/Sub topic.
	Watch(ctx context.Context, topic string) (*WatchResult, error)

	// Send submits a raw RFC 822 message, optionally into a thread.
	Send(ctx context.Context, raw []byte, threadID string) (*SendResult, error)
}

// Dialer builds a Client for an access token. The sync engine redials
// after a token refresh.
type Dialer func(ctx context.Context, accessToken string) (Client, error)

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
