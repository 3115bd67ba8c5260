package sync

import (
	"context"
	"time"
)

const (
	dispatchBatch   = 100
	dispatchRetryIn = 10 * time.Second
)

// drainOutbox pushes pending outbox rows to the broker. Failures are left
// in the outbox with a retry delay; a later sync picks them up again.
func (e *Engine) drainOutbox(ctx context.Context, db MailDB) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.EnsureStream(ctx); err != nil {
		e.Log.Warn().Err(err).Msg("failed to ensure event stream, leaving outbox pending")
		return
	}

	for i := 0; i < 10; i++ {
		msgs, err := db.DequeueOutbox(ctx, dispatchBatch)
		if err != nil {
			e.Log.Error().Err(err).Msg("failed to read outbox")
			return
		}
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if err := e.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				e.Log.Warn().Err(err).Int64("outbox_id", msg.ID).Msg("failed to publish event")
				if rerr := db.MarkOutboxRetry(ctx, msg.ID, dispatchRetryIn); rerr != nil {
					e.Log.Error().Err(rerr).Int64("outbox_id", msg.ID).Msg("failed to reschedule outbox row")
				}
				continue
			}
			if err := db.MarkPublished(ctx, msg.ID); err != nil {
				e.Log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to mark outbox row published")
				return
			}
		}
		if len(msgs) < dispatchBatch {
			return
		}
	}
}
