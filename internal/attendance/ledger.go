package attendance

import (
	"context"
	"encoding/json"
	"fmt"

	"otpattend/internal/log"
	"otpattend/internal/otp"
	"otpattend/internal/queue"
)

// QueueLedger hands accepted redemptions to the worker through a queue.
type QueueLedger struct {
	q queue.Queue
}

// NewQueueLedger wraps q.
func NewQueueLedger(q queue.Queue) *QueueLedger {
	return &QueueLedger{q: q}
}

// RecordRedemption implements Ledger.
func (l *QueueLedger) RecordRedemption(ctx context.Context, rec otp.RedemptionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.q.Publish(ctx, queue.Message{Type: queue.TypeRedemption, Body: body})
}

// Drain copies redemption messages into dst until msgs closes. Malformed
// messages are logged and skipped; a failed write is logged and dropped
// because the store still holds the authoritative record.
func Drain(ctx context.Context, msgs <-chan queue.Message, dst Ledger) (processed int) {
	for msg := range msgs {
		if msg.Type != queue.TypeRedemption {
			continue
		}
		var rec otp.RedemptionRecord
		if err := json.Unmarshal(msg.Body, &rec); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("decode redemption message")
			continue
		}
		if err := dst.RecordRedemption(ctx, rec); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Str("session_id", rec.SessionID).
				Str("subject_id", rec.SubjectID).
				Msg("ledger write failed")
			continue
		}
		processed++
		log.Ctx(ctx).Debug().
			Str("session_id", rec.SessionID).
			Str("subject_id", rec.SubjectID).
			Uint64("generation", rec.Generation).
			Msg("redemption recorded")
	}
	return processed
}

// MultiLedger fans a redemption out to several ledgers.
type MultiLedger []Ledger

// RecordRedemption implements Ledger. Every ledger is tried; the first
// error is returned.
func (m MultiLedger) RecordRedemption(ctx context.Context, rec otp.RedemptionRecord) error {
	var first error
	for i, l := range m {
		if err := l.RecordRedemption(ctx, rec); err != nil && first == nil {
			first = fmt.Errorf("ledger %d: %w", i, err)
		}
	}
	return first
}
