package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/notify"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/store"
)

// DispatchTick drains the due slice of the delay queue once. Failed
// deliveries migrate to the retry queue; everything else is removed on the
// spot. Items are isolated: one failing message never aborts the rest of the
// tick, only an unreadable store does.
func (e *Engine) DispatchTick(ctx context.Context) {
	if !e.dispatchGuard.tryAcquire() {
		e.logger.Warn("dispatch_overlap_skipped")
		return
	}
	defer e.dispatchGuard.release()
	e.runTick(ctx, store.QueueDelay)
}

// RetryTick is the dispatcher loop over the retry queue.
func (e *Engine) RetryTick(ctx context.Context) {
	if !e.retryGuard.tryAcquire() {
		e.logger.Warn("retry_overlap_skipped")
		return
	}
	defer e.retryGuard.release()
	e.runTick(ctx, store.QueueRetry)
}

func (e *Engine) runTick(ctx context.Context, q store.Queue) {
	tickID := uuid.NewString()
	logger := e.logger.With(slog.String("tick", tickID), slog.String("queue", string(q)))

	due, err := e.store.Due(q, e.now())
	if err != nil {
		logger.Error("tick_read_failed", slog.Any("err", err))
		return
	}
	if len(due) == 0 {
		return
	}
	logger.Debug("tick_started", slog.Int("due", len(due)))

	for _, msg := range due {
		if ctx.Err() != nil {
			return
		}
		e.deliver(ctx, logger, q, msg)
	}
}

func (e *Engine) deliver(ctx context.Context, logger *slog.Logger, q store.Queue, msg store.Message) {
	res := e.notifier.Send(ctx, notify.Push{
		DeviceToken: msg.DeviceToken,
		Title:       msg.Title(),
		Body:        msg.Body,
	})

	if res.OK() {
		e.finish(logger, q, msg, OutcomeDelivered)
		logger.Info("message_delivered",
			slog.String("key", msg.Key()),
			slog.String("recipient", msg.RecipientID),
			slog.Int("retry_count", msg.RetryCount),
		)
		return
	}

	nextRetry := msg.RetryCount + 1
	if !res.Retryable() || nextRetry > e.cfg.MaxRetries {
		reason := "permanent_failure"
		if res.Retryable() {
			reason = "retry_exhausted"
		}
		e.finish(logger, q, msg, OutcomeDropped)
		logger.Warn("message_dropped",
			slog.String("key", msg.Key()),
			slog.String("recipient", msg.RecipientID),
			slog.String("reason", reason),
			slog.Int("retry_count", msg.RetryCount),
			slog.Int("status", res.StatusCode),
			slog.Any("err", res.Err),
		)
		return
	}

	// Remove-before-reinsert doubles as the membership check: if the entry
	// is already gone, a concurrent purge or tick won it, and re-enqueueing
	// here would resurrect cancelled work.
	if err := e.store.Remove(q, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("message_gone_before_retry", slog.String("key", msg.Key()))
			return
		}
		logger.Error("retry_migration_failed",
			slog.String("key", msg.Key()),
			slog.Any("err", err),
		)
		return
	}

	retryMsg := msg
	retryMsg.RetryCount = nextRetry
	retryMsg.ScheduledAt = e.now().Add(e.cfg.RetryBackoff)

	if err := e.store.Enqueue(store.QueueRetry, retryMsg); err != nil {
		// The original entry is gone and the clone never landed; the
		// message is lost, which at-least-once does not excuse silently.
		logger.Error("retry_enqueue_failed",
			slog.String("key", msg.Key()),
			slog.Any("err", err),
		)
		return
	}
	if msg.RoutineID != "" {
		if err := e.store.Record(msg.RoutineID, store.QueueRetry, retryMsg); err != nil {
			logger.Error("retry_index_failed",
				slog.String("key", retryMsg.Key()),
				slog.Any("err", err),
			)
		}
		if err := e.store.Unrecord(msg.RoutineID, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("retry_unindex_failed",
				slog.String("key", msg.Key()),
				slog.Any("err", err),
			)
		}
	}

	e.observe(OutcomeRetried)
	logger.Info("message_retry_scheduled",
		slog.String("key", msg.Key()),
		slog.String("recipient", msg.RecipientID),
		slog.Int("retry_count", retryMsg.RetryCount),
		slog.Time("next_attempt", retryMsg.ScheduledAt),
		slog.Int("status", res.StatusCode),
		slog.Any("err", res.Err),
	)
}

// finish removes a handled message from its queue and the owner index. Queue
// removal happens first so an interruption leaves a stale index entry, which
// purge treats as a no-op, rather than an unindexed live message.
func (e *Engine) finish(logger *slog.Logger, q store.Queue, msg store.Message, outcome Outcome) {
	if err := e.store.Remove(q, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("message_remove_failed",
			slog.String("key", msg.Key()),
			slog.Any("err", err),
		)
		return
	}
	if msg.RoutineID != "" {
		if err := e.store.Unrecord(msg.RoutineID, msg); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("message_unindex_failed",
				slog.String("key", msg.Key()),
				slog.Any("err", err),
			)
		}
	}
	e.observe(outcome)
}
