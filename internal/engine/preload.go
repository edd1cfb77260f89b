package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/store"
)

// preload translates the routine's weekly schedule into messages for today.
// With includePast false, only occurrences strictly after the current time
// are enqueued; the daily sweep passes true because at day start everything
// scheduled that day is still ahead.
func (e *Engine) preload(ctx context.Context, routineID string, includePast bool) error {
	routine, err := e.provider.GetRoutine(ctx, routineID)
	if err != nil {
		return fmt.Errorf("load routine %q: %w", routineID, err)
	}
	owner, err := e.provider.GetOwner(ctx, routineID)
	if err != nil {
		return fmt.Errorf("load routine %q owner: %w", routineID, err)
	}
	if owner.DeviceToken == "" {
		// Normal account state, not a failure: nothing to deliver to.
		e.logger.Debug("preload_skipped_no_token",
			slog.String("routine", routineID),
			slog.String("recipient", owner.RecipientID),
		)
		return nil
	}

	now := e.now()
	enqueued := 0
	for _, occ := range routine.Occurrences {
		if !occ.AlarmEnabled {
			continue
		}
		if occ.Weekday != now.Weekday() {
			continue
		}
		at := occ.At.On(now, e.cfg.Location)
		if !includePast && !at.After(now) {
			continue
		}

		msg := store.Message{
			RoutineID:     routineID,
			RoutineTitle:  routine.Title,
			RecipientID:   owner.RecipientID,
			RecipientName: owner.DisplayName,
			DeviceToken:   owner.DeviceToken,
			ScheduledAt:   at,
			RetryCount:    0,
		}
		// Queue write first, index write second: a crash in between risks
		// one uncancellable message, never a cancellation that misses live
		// work it knew about.
		if err := e.store.Enqueue(store.QueueDelay, msg); err != nil {
			return fmt.Errorf("enqueue occurrence %s for routine %q: %w", occ.At, routineID, err)
		}
		if err := e.store.Record(routineID, store.QueueDelay, msg); err != nil {
			return fmt.Errorf("index occurrence %s for routine %q: %w", occ.At, routineID, err)
		}
		enqueued++
	}

	if enqueued > 0 {
		e.logger.Info("routine_preloaded",
			slog.String("routine", routineID),
			slog.Int("enqueued", enqueued),
		)
	}
	return nil
}

// Purge removes every pending message owned by the routine from whichever
// queue currently holds it, then clears its owner index entry. Entries the
// dispatcher removed concurrently are treated as already handled; a stale
// index reference is corrected, never surfaced as an error.
func (e *Engine) Purge(ctx context.Context, routineID string) error {
	entries, err := e.store.Entries(routineID)
	if err != nil {
		return fmt.Errorf("read index for routine %q: %w", routineID, err)
	}

	removed := 0
	for _, entry := range entries {
		err := e.store.Remove(entry.Queue, entry.Message)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("remove %q from %s queue: %w", entry.Message.Key(), entry.Queue, err)
		}
		removed++
	}

	if err := e.store.Clear(routineID); err != nil {
		return fmt.Errorf("clear index for routine %q: %w", routineID, err)
	}
	e.logger.Info("routine_purged",
		slog.String("routine", routineID),
		slog.Int("indexed", len(entries)),
		slog.Int("removed", removed),
	)
	return nil
}

// RunDailySweep seeds the delay queue for the current weekday. It runs from
// the midnight cron entry; the admin API can also trigger it. At day start
// nothing is in the past yet, so the sweep enqueues every matching
// occurrence without the preloader's already-past filter.
func (e *Engine) RunDailySweep(ctx context.Context) {
	if !e.sweepGuard.tryAcquire() {
		e.logger.Warn("sweep_overlap_skipped")
		return
	}
	defer e.sweepGuard.release()

	day := e.now().Weekday()
	ids, err := e.provider.ListForWeekday(ctx, day)
	if err != nil {
		e.logger.Error("sweep_failed", slog.String("weekday", day.String()), slog.Any("err", err))
		return
	}

	failed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := e.preload(ctx, id, true); err != nil {
			// One bad routine must not starve the rest of the sweep.
			failed++
			e.logger.Error("sweep_routine_failed", slog.String("routine", id), slog.Any("err", err))
		}
	}
	e.logger.Info("sweep_finished",
		slog.String("weekday", day.String()),
		slog.Int("routines", len(ids)),
		slog.Int("failed", failed),
	)
}
