package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Service is the real Client backed by the Gmail API.
type Service struct {
	svc *gmailapi.Service
}

var _ Client = (*Service)(nil)

// Dial creates a Service authenticated with the given access token.
func Dial(ctx context.Context, accessToken string) (Client, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Service{svc: svc}, nil
}

// IsAuthError reports whether err is a 401 from the provider, i.e. a stale
// access token worth one refresh-and-retry.
func IsAuthError(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusUnauthorized
}

// IsHistoryExpired reports whether the provider no longer has history for
// the requested start ID.
func IsHistoryExpired(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusNotFound
}

func (s *Service) ListAfter(ctx context.Context, after time.Time) ([]MessageRef, error) {
	query := fmt.Sprintf("after:%d", after.Unix())
	call := s.svc.Users.Messages.List("me").Q(query).MaxResults(100)

	var refs []MessageRef
	err := call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		for _, m := range page.Messages {
			refs = append(refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return refs, nil
}

func (s *Service) HistorySince(ctx context.Context, startHistoryID uint64) ([]MessageRef, uint64, error) {
	call := s.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(100)

	latest := startHistoryID
	seen := make(map[string]bool)
	var refs []MessageRef

	err := call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				msg := added.Message
				if msg == nil || seen[msg.Id] {
					continue
				}
				seen[msg.Id] = true
				refs = append(refs, MessageRef{ID: msg.Id, ThreadID: msg.ThreadId})
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list history: %w", err)
	}
	return refs, latest, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	msg, err := s.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return parseMessage(msg), nil
}

func (s *Service) Watch(ctx context.Context, topic string) (*WatchResult, error) {
	req := &gmailapi.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := s.svc.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to start watch: %w", err)
	}

	result := &WatchResult{HistoryID: fmt.Sprintf("%d", resp.HistoryId)}
	if resp.Expiration > 0 {
		result.Expiry = time.Unix(resp.Expiration/1000, 0)
	}
	return result, nil
}

func (s *Service) Send(ctx context.Context, raw []byte, threadID string) (*SendResult, error) {
	msg := &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}
	if threadID != "" {
		msg.ThreadId = threadID
	}

	sent, err := s.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &SendResult{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// parseMessage converts a Gmail message into the normalized form.
func parseMessage(m *gmailapi.Message) *Message {
	msg := &Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Snippet:      m.Snippet,
		Labels:       m.LabelIds,
		Headers:      make(map[string]string),
		InternalDate: time.UnixMilli(m.InternalDate).UTC(),
	}

	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			msg.Headers[h.Name] = h.Value
			switch h.Name {
			case "From":
				msg.From = h.Value
			case "To":
				msg.To = splitAddrs(h.Value)
			case "Cc":
				msg.Cc = splitAddrs(h.Value)
			case "Bcc":
				msg.Bcc = splitAddrs(h.Value)
			case "Subject":
				msg.Subject = h.Value
			}
		}
		msg.Body = extractBody(m.Payload)
	}

	return msg
}

// decodeBodyData decodes a Gmail body part. Gmail sends base64url mostly
// without padding, occasionally with, so try the raw alphabet first.
func decodeBodyData(data string) (string, bool) {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	return "", false
}

// extractBody returns the first text/plain part, falling back to text/html.
func extractBody(payload *gmailapi.MessagePart) string {
	if payload == nil {
		return ""
	}
	if payload.Body != nil && payload.Body.Data != "" &&
		(payload.MimeType == "text/plain" || payload.MimeType == "text/html" || payload.MimeType == "") {
		if body, ok := decodeBodyData(payload.Body.Data); ok {
			return body
		}
	}

	var html string
	for _, part := range payload.Parts {
		if part.Body == nil || part.Body.Data == "" {
			continue
		}
		if part.MimeType == "text/plain" {
			if body, ok := decodeBodyData(part.Body.Data); ok {
				return body
			}
		}
		if part.MimeType == "text/html" && html == "" {
			html, _ = decodeBodyData(part.Body.Data)
		}
	}
	if html != "" {
		return html
	}
	for _, part := range payload.Parts {
		if body := extractBody(part); body != "" {
			return body
		}
	}
	return ""
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
