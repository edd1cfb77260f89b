// Package engine turns recurring routine schedules into time-precise push
// deliveries. It owns the delay queue, the retry queue, and the owner index,
// and runs the periodic tasks that drain them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/notify"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/schedule"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/store"
)

// Outcome classifies one finished delivery attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetried   Outcome = "retried"
	OutcomeDropped   Outcome = "dropped"
)

type Config struct {
	// DispatchInterval is the delay-queue poll period.
	DispatchInterval time.Duration
	// RetryInterval is the retry-queue poll period.
	RetryInterval time.Duration
	// RetryBackoff is the fixed delay before a failed delivery is
	// re-attempted.
	RetryBackoff time.Duration
	// MaxRetries bounds re-delivery attempts; a message that has failed
	// MaxRetries times after its first attempt is dropped for good.
	MaxRetries int
	// Location anchors day-of-week and time-of-day arithmetic, and the
	// midnight sweep.
	Location *time.Location
}

func (c *Config) applyDefaults() {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Engine wires the stores, the schedule provider, and the notifier together.
// All mutations that touch both a queue and the owner index run as separate
// store calls with no transaction around them. The ordering (queue write
// before index write on insert, queue removal before index removal on
// delete) bounds the damage of a crash in between: at worst a stale index
// entry, which purge self-heals, or a single uncancellable message.
type Engine struct {
	store    store.Store
	provider schedule.Provider
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config

	nowFn func() time.Time

	// ObserveDelivery, when set, receives one call per finished delivery
	// attempt. The app layer hangs its counters here.
	ObserveDelivery func(Outcome)

	dispatchGuard tickGuard
	retryGuard    tickGuard
	sweepGuard    tickGuard

	ctx      context.Context
	cancel   context.CancelFunc
	cron     *cron.Cron
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type Option func(*Engine)

// WithNowFunc overrides the engine clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

func New(st store.Store, provider schedule.Provider, notifier notify.Notifier, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	e := &Engine{
		store:    st,
		provider: provider,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.nowFn().In(e.cfg.Location)
}

// Start launches the dispatcher tick, the retry tick, and the midnight sweep.
// Call Drain to stop them.
func (e *Engine) Start() error {
	if e.ctx != nil {
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(2)
	go e.tickLoop("dispatch", e.cfg.DispatchInterval, e.DispatchTick)
	go e.tickLoop("retry", e.cfg.RetryInterval, e.RetryTick)

	e.cron = cron.New(cron.WithLocation(e.cfg.Location))
	if _, err := e.cron.AddFunc("0 0 * * *", func() { e.RunDailySweep(e.ctx) }); err != nil {
		return fmt.Errorf("schedule daily sweep: %w", err)
	}
	e.cron.Start()

	e.logger.Info("engine_started",
		slog.Duration("dispatch_interval", e.cfg.DispatchInterval),
		slog.Duration("retry_interval", e.cfg.RetryInterval),
		slog.Duration("retry_backoff", e.cfg.RetryBackoff),
		slog.Int("max_retries", e.cfg.MaxRetries),
		slog.String("timezone", e.cfg.Location.String()),
	)
	return nil
}

// Drain stops the periodic tasks and waits for in-flight ticks to finish.
// Returns true if everything stopped before the timeout.
func (e *Engine) Drain(timeout time.Duration) bool {
	if e.cancel == nil {
		return true
	}
	e.stopOnce.Do(func() {
		e.cancel()
		if e.cron != nil {
			<-e.cron.Stop().Done()
		}
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) tickLoop(name string, interval time.Duration, tick func(context.Context)) {
	defer e.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			tick(e.ctx)
		}
	}
}

// OnRoutineCreated preloads today's still-future occurrences for the routine.
func (e *Engine) OnRoutineCreated(ctx context.Context, routineID string) error {
	return e.preload(ctx, routineID, false)
}

// OnRoutineUpdated drops everything pending for the routine, then preloads
// from its current schedule.
func (e *Engine) OnRoutineUpdated(ctx context.Context, routineID string) error {
	if err := e.Purge(ctx, routineID); err != nil {
		return err
	}
	return e.preload(ctx, routineID, false)
}

// OnRoutineDeleted drops everything pending for the routine.
func (e *Engine) OnRoutineDeleted(ctx context.Context, routineID string) error {
	return e.Purge(ctx, routineID)
}

// EnqueueAdhoc schedules a one-shot message outside any routine schedule.
// Messages without an owning routine are not tracked in the owner index.
func (e *Engine) EnqueueAdhoc(ctx context.Context, msg store.Message) error {
	if msg.RecipientID == "" {
		return errors.New("adhoc message requires a recipient id")
	}
	if msg.DeviceToken == "" {
		return errors.New("adhoc message requires a device token")
	}
	if msg.ScheduledAt.IsZero() {
		return errors.New("adhoc message requires a scheduled instant")
	}
	msg.RetryCount = 0

	if err := e.store.Enqueue(store.QueueDelay, msg); err != nil {
		return fmt.Errorf("enqueue adhoc message: %w", err)
	}
	if msg.RoutineID != "" {
		if err := e.store.Record(msg.RoutineID, store.QueueDelay, msg); err != nil {
			return fmt.Errorf("index adhoc message: %w", err)
		}
	}
	e.logger.Info("adhoc_enqueued",
		slog.String("recipient", msg.RecipientID),
		slog.Time("scheduled_at", msg.ScheduledAt),
	)
	return nil
}

// Stats exposes store depths for the admin surface.
func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats()
}

func (e *Engine) observe(outcome Outcome) {
	if e.ObserveDelivery != nil {
		e.ObserveDelivery(outcome)
	}
}

// tickGuard is the per-task single-flight latch: a tick never starts while
// the previous tick of the same task is still running.
type tickGuard struct {
	busy atomic.Bool
}

func (g *tickGuard) tryAcquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

func (g *tickGuard) release() {
	g.busy.Store(false)
}
