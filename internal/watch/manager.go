// Package watch maintains Gmail push notification subscriptions. Watches
// expire on the provider side after about a week, so they are re-registered
// when less than a day of validity remains.
package watch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/contactspidey/mail-infra/internal/apperr"
	"github.com/contactspidey/mail-infra/internal/gmail"
	"github.com/contactspidey/mail-infra/internal/store"
)

// RenewalThreshold is how much remaining validity a watch must have to be
// left alone. Anything closer to expiry gets re-registered.
const RenewalThreshold = 24 * time.Hour

// DefaultValidity is assumed when the provider omits an expiration.
const DefaultValidity = 6 * 24 * time.Hour

// Store is the watch-state slice of the credential database.
type Store interface {
	Watch(ctx context.Context, userEmail string) (*store.WatchState, error)
	SaveWatch(ctx context.Context, w store.WatchState) error
	AllWatches(ctx context.Context) ([]store.WatchState, error)
}

// CredentialStore resolves a user's access token.
type CredentialStore interface {
	Credential(ctx context.Context, userEmail string) (*store.Credential, error)
}

// Refresher recovers from a stale access token.
type Refresher interface {
	Refresh(ctx context.Context, userEmail string) (string, error)
}

// Manager registers and renews watches.
type Manager struct {
	Watches   Store
	Creds     CredentialStore
	Dial      gmail.Dialer
	Refresher Refresher
	Topic     string
	Log       zerolog.Logger

	// now is swapped in tests.
	now func() time.Time
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// EnsureWatch guarantees the user has an active watch with at least
// RenewalThreshold of validity left. A still-healthy watch is returned as
// is without touching the provider; renewed reports whether a remote
// registration happened.
func (m *Manager) EnsureWatch(ctx context.Context, userEmail string) (state *store.WatchState, renewed bool, err error) {
	existing, err := m.Watches.Watch(ctx, userEmail)
	if err != nil {
		return nil, false, apperr.Internal(err, "failed to load watch state")
	}
	now := m.clock()
	if existing != nil && existing.Enabled && !time.Unix(existing.Expiry, 0).Before(now.Add(RenewalThreshold)) {
		return existing, false, nil
	}

	cred, err := m.Creds.Credential(ctx, userEmail)
	if err != nil {
		return nil, false, err
	}

	result, err := m.register(ctx, userEmail, cred.AccessToken)
	if err != nil {
		return nil, false, err
	}

	expiry := result.Expiry
	if expiry.IsZero() {
		expiry = now.Add(DefaultValidity)
	}
	fresh := store.WatchState{
		UserEmail: userEmail,
		Enabled:   true,
		HistoryID: result.HistoryID,
		Expiry:    expiry.Unix(),
		TopicName: m.Topic,
		StartedAt: now,
	}
	if err := m.Watches.SaveWatch(ctx, fresh); err != nil {
		return nil, false, apperr.Internal(err, "failed to save watch state")
	}

	m.Log.Info().Str("user", userEmail).Str("history_id", result.HistoryID).
		Time("expiry", expiry).Msg("watch registered")
	return &fresh, true, nil
}

func (m *Manager) register(ctx context.Context, userEmail, accessToken string) (*gmail.WatchResult, error) {
	client, err := m.Dial(ctx, accessToken)
	if err != nil {
		return nil, apperr.RemoteUnavailable(err, "failed to connect to mailbox")
	}

	result, err := client.Watch(ctx, m.Topic)
	if gmail.IsAuthError(err) {
		token, rerr := m.Refresher.Refresh(ctx, userEmail)
		if rerr != nil {
			return nil, rerr
		}
		client, err = m.Dial(ctx, token)
		if err != nil {
			return nil, apperr.RemoteUnavailable(err, "failed to connect to mailbox")
		}
		result, err = client.Watch(ctx, m.Topic)
	}
	if err != nil {
		return nil, apperr.RemoteUnavailable(err, "failed to register watch")
	}
	return result, nil
}

// RenewExpired re-registers every enabled watch that is within
// RenewalThreshold of expiry. checked counts every stored watch examined,
// disabled ones included. One user's failure never blocks the rest.
func (m *Manager) RenewExpired(ctx context.Context) (checked, renewed int, err error) {
	watches, err := m.Watches.AllWatches(ctx)
	if err != nil {
		return 0, 0, apperr.Internal(err, "failed to list watches")
	}

	cutoff := m.clock().Add(RenewalThreshold)
	for _, w := range watches {
		checked++
		if !w.Enabled {
			continue
		}
		if !time.Unix(w.Expiry, 0).Before(cutoff) {
			continue
		}
		if _, didRenew, rerr := m.EnsureWatch(ctx, w.UserEmail); rerr != nil {
			m.Log.Error().Err(rerr).Str("user", w.UserEmail).Msg("failed to renew watch")
		} else if didRenew {
			renewed++
		}
	}

	m.Log.Info().Int("checked", checked).Int("renewed", renewed).Msg("watch renewal pass complete")
	return checked, renewed, nil
}
