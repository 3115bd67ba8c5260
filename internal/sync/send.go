package sync

import (
	"context"

	"github.com/contactspidey/mail-infra/internal/apperr"
	"github.com/contactspidey/mail-infra/internal/gmail"
)

// Send composes and sends an email as the user, then stores the sent copy
// so that replies to its thread are picked up by later syncs.
func (e *Engine) Send(ctx context.Context, userEmail string, out gmail.Outgoing) (*gmail.SendResult, error) {
	cred, err := e.Creds.Credential(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	if out.From == "" {
		out.From = userEmail
	}
	raw := gmail.BuildRaw(out)

	client, err := e.Dial(ctx, cred.AccessToken)
	if err != nil {
		return nil, apperr.RemoteUnavailable(err, "failed to connect to mailbox")
	}

	result, err := client.Send(ctx, raw, out.ThreadID)
	if gmail.IsAuthError(err) {
		token, rerr := e.Refresher.Refresh(ctx, userEmail)
		if rerr != nil {
			return nil, rerr
		}
		client, err = e.Dial(ctx, token)
		if err != nil {
			return nil, apperr.RemoteUnavailable(err, "failed to connect to mailbox")
		}
		result, err = client.Send(ctx, raw, out.ThreadID)
	}
	if err != nil {
		return nil, apperr.RemoteUnavailable(err, "failed to send email")
	}

	// Best effort: fetching the sent copy back marks its thread as tracked.
	// The send already succeeded, so failures here only cost thread tracking
	// until the message shows up in a later sync.
	db, err := e.Open(userEmail)
	if err != nil {
		e.Log.Warn().Err(err).Str("user", userEmail).Msg("failed to open mail store after send")
		return result, nil
	}
	defer db.Close()

	full, err := client.Get(ctx, result.ID)
	if err != nil {
		e.Log.Warn().Err(err).Str("user", userEmail).Str("message_id", result.ID).
			Msg("failed to fetch sent copy")
		return result, nil
	}
	if _, err := e.storeMessage(ctx, db, userEmail, full, "email.sent"); err != nil {
		e.Log.Warn().Err(err).Str("user", userEmail).Str("message_id", result.ID).
			Msg("failed to store sent copy")
		return result, nil
	}
	e.drainOutbox(ctx, db)

	return result, nil
}
