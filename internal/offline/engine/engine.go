// Package engine drains the offline action queue against the remote
// generation services.
//
// One goroutine does all the work. Each round it:
//
//  1. waits while the remote is unreachable,
//  2. claims the queue head (strict FIFO, one action in flight),
//  3. dispatches it under a per-dispatch timeout,
//  4. applies the result and completes the action in one transaction, or
//     classifies the failure and either schedules a retry or fails the
//     action with a single error notification.
//
// When nothing is claimable the loop sleeps until the earliest of the head's
// backoff gate, the poll interval, the next sweep, an enqueue, a
// connectivity change or shutdown. All sleeping goes through one clockwork
// timer so tests can drive time.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/storyforge/storyforge/internal/notify"
	"github.com/storyforge/storyforge/internal/offline/db"
	"github.com/storyforge/storyforge/internal/offline/schema"
	"github.com/storyforge/storyforge/internal/remote"
)

// Remote is the set of services actions are dispatched to.
type Remote interface {
	remote.SceneDecomposer
	remote.ImageGenerator
	remote.VideoRenderer
}

// Reachability reports and announces connectivity changes.
type Reachability interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Mirror copies generated media into durable storage.
type Mirror interface {
	Mirror(ctx context.Context, sourceURL, objectName string) (string, error)
}

// Config holds engine settings.
type Config struct {
	// Retry bounds transient-failure retries.
	Retry db.RetryPolicy

	// DispatchTimeout bounds a single remote call.
	DispatchTimeout time.Duration

	// PollInterval is the longest the loop sleeps without a wake-up. Change
	// events are in-process only, so this bounds how long work queued by
	// another process waits.
	PollInterval time.Duration

	// SweepInterval is how often completed actions are swept.
	SweepInterval time.Duration

	// Retention is how long completed actions are kept.
	Retention time.Duration

	// Mirror, when set, copies generated images and videos before their
	// URLs are stored.
	Mirror Mirror

	// Clock drives all timers. Defaults to the store's clock.
	Clock clockwork.Clock

	// Logger for engine activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Retry:           db.DefaultRetryPolicy(),
		DispatchTimeout: 2 * time.Minute,
		PollInterval:    5 * time.Second,
		SweepInterval:   time.Hour,
		Retention:       24 * time.Hour,
	}
}

// Engine is the sync engine.
type Engine struct {
	store    *db.DB
	remote   Remote
	net      Reachability
	notifier notify.Notifier
	cfg      Config
	clock    clockwork.Clock
	logger   *log.Logger

	// mu serializes Run and Drain so there is only ever one dispatcher.
	mu        sync.Mutex
	nextSweep time.Time
	unsettled *settlement
}

// settlement is a failure that could not be recorded because the store was
// unavailable. It is retried before the next claim, since the action is
// still processing and blocks the queue.
type settlement struct {
	action *schema.QueuedAction
	cause  error
}

// New creates an engine with the default configuration.
func New(store *db.DB, rem Remote, net Reachability, notifier notify.Notifier) *Engine {
	return NewWithConfig(store, rem, net, notifier, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration. Zero fields
// take their defaults.
func NewWithConfig(store *db.DB, rem Remote, net Reachability, notifier notify.Notifier, cfg Config) *Engine {
	defaults := DefaultConfig()
	if cfg.Retry == (db.RetryPolicy{}) {
		cfg.Retry = defaults.Retry
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaults.DispatchTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.Clock == nil {
		cfg.Clock = store.Clock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.Discard
	}

	return &Engine{
		store:    store,
		remote:   rem,
		net:      net,
		notifier: notifier,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Run processes the queue until ctx is cancelled. Dispatch failures never
// escape: each becomes a queue transition. Run returns nil on shutdown and
// an error only if the engine cannot start.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	events, cancelEvents := e.store.Subscribe(64)
	defer cancelEvents()
	netChanges, cancelNet := e.net.Subscribe()
	defer cancelNet()

	n, err := e.store.RequeueInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted actions: %w", err)
	}
	if n > 0 {
		e.logger.Printf("Recovered %d interrupted action(s)", n)
	}

	e.logger.Printf("Sync engine started (poll: %v, max retries: %d)", e.cfg.PollInterval, e.cfg.Retry.MaxRetries)
	e.nextSweep = e.clock.Now()

	for {
		if ctx.Err() != nil {
			e.logger.Printf("Sync engine stopped")
			return nil
		}

		e.maybeSweep(ctx)

		if !e.net.Online() {
			e.logger.Printf("Offline, waiting for connectivity")
			select {
			case <-ctx.Done():
			case <-netChanges:
			}
			continue
		}

		processed, err := e.step(ctx)
		if err != nil {
			e.logger.Printf("Warning: queue step failed: %v", err)
		}
		if processed {
			continue
		}

		events = discardPending(events)
		e.wait(ctx, e.sleepDuration(ctx, err != nil), events, netChanges)
	}
}

// discardPending drops the change events already buffered, mostly the
// engine's own claim and settle writes. They committed before sleepDuration
// reads the next due time, so that read reflects them. Returns nil once the
// channel is closed.
func discardPending(events <-chan db.Event) <-chan db.Event {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return nil
			}
		default:
			return events
		}
	}
}

// sleepDuration picks the idle wait: the head's backoff gate, the next
// sweep or the poll interval, whichever comes first.
func (e *Engine) sleepDuration(ctx context.Context, storeTrouble bool) time.Duration {
	now := e.clock.Now()
	wait := e.cfg.PollInterval
	if storeTrouble {
		return wait
	}

	if due, ok, err := e.store.NextDue(ctx); err == nil && ok {
		if d := due.Sub(now); d < wait {
			wait = d
		}
	}
	if d := e.nextSweep.Sub(now); d < wait {
		wait = d
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (e *Engine) wait(ctx context.Context, d time.Duration, events <-chan db.Event, netChanges <-chan bool) {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			return
		case <-netChanges:
			return
		case ev, ok := <-events:
			if !ok {
				// Store closed; nothing more will wake us but the timer.
				events = nil
				continue
			}
			if ev.Kind == db.EventActionEnqueued || ev.Kind == db.EventActionUpdated {
				return
			}
		}
	}
}

// DrainResult summarizes a Drain call.
type DrainResult struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Drain processes every action that is claimable now and returns. It does
// nothing while offline. Actions backing off past now are left for later.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res DrainResult
	for ctx.Err() == nil {
		if !e.net.Online() {
			return res, nil
		}
		outcome, processed, err := e.stepOutcome(ctx)
		if err != nil {
			return res, err
		}
		if !processed {
			return res, nil
		}
		res.Processed++
		switch outcome {
		case outcomeCompleted:
			res.Completed++
		case outcomeRetry:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		}
	}
	return res, ctx.Err()
}

// Sweep deletes completed actions older than the retention window.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.store.SweepCompleted(ctx, e.clock.Now().Add(-e.cfg.Retention))
}

func (e *Engine) maybeSweep(ctx context.Context) {
	now := e.clock.Now()
	if now.Before(e.nextSweep) {
		return
	}
	e.nextSweep = now.Add(e.cfg.SweepInterval)

	n, err := e.Sweep(ctx)
	if err != nil {
		e.logger.Printf("Warning: failed to sweep completed actions: %v", err)
		return
	}
	if n > 0 {
		e.logger.Printf("Swept %d completed action(s)", n)
	}
}

func (e *Engine) step(ctx context.Context) (bool, error) {
	_, processed, err := e.stepOutcome(ctx)
	return processed, err
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeRetry
	outcomeFailed
	outcomeInterrupted
)

// stepOutcome settles any outstanding failure, then claims and processes
// at most one action.
func (e *Engine) stepOutcome(ctx context.Context) (outcome, bool, error) {
	if s := e.unsettled; s != nil {
		if _, err := e.settleFailure(ctx, s.action, s.cause); err != nil {
			return outcomeNone, false, err
		}
		e.unsettled = nil
	}

	a, err := e.store.ClaimNext(ctx, e.clock.Now())
	if err != nil {
		return outcomeNone, false, err
	}
	if a == nil {
		return outcomeNone, false, nil
	}

	return e.process(ctx, a), true, nil
}

// process runs one claimed action to a queue transition.
func (e *Engine) process(ctx context.Context, a *schema.QueuedAction) outcome {
	payload, err := schema.DecodePayload(a.Type, a.RawPayload)
	if err == nil {
		err = e.dispatch(ctx, a, payload)
	}
	if err == nil {
		return outcomeCompleted
	}

	if ctx.Err() != nil {
		// Shutting down: leave the action processing so the next start
		// requeues it without spending a retry.
		e.logger.Printf("Interrupted %s %s: %v", a.Type, a.ID, err)
		return outcomeInterrupted
	}

	out, serr := e.settleFailure(ctx, a, err)
	if serr != nil {
		e.logger.Printf("Warning: failed to record failure of %s %s: %v", a.Type, a.ID, serr)
		e.unsettled = &settlement{action: a, cause: err}
		return outcomeNone
	}
	return out
}

// settleFailure records a dispatch failure. Terminal failures notify the
// user exactly once; retries are only logged.
func (e *Engine) settleFailure(ctx context.Context, a *schema.QueuedAction, cause error) (outcome, error) {
	if classify(cause) == permanent {
		if _, err := e.store.MarkPermanentlyFailed(ctx, a.ID, cause); err != nil {
			return outcomeNone, err
		}
		e.logger.Printf("%s %s failed permanently: %v", a.Type, a.ID, cause)
		e.notifier.Notify(notify.Error, failureMessage(a, cause))
		return outcomeFailed, nil
	}

	updated, err := e.store.MarkFailed(ctx, a.ID, cause, e.cfg.Retry)
	if err != nil {
		return outcomeNone, err
	}
	if updated.Status == schema.ActionFailed {
		e.logger.Printf("%s %s failed after %d retries: %v", a.Type, a.ID, updated.RetryCount, cause)
		e.notifier.Notify(notify.Error, failureMessage(a, cause))
		return outcomeFailed, nil
	}

	e.logger.Printf("%s %s failed (retry %d/%d at %s): %v",
		a.Type, a.ID, updated.RetryCount, e.cfg.Retry.MaxRetries,
		updated.NextAttemptAt.Format(time.RFC3339), cause)
	return outcomeRetry, nil
}

func failureMessage(a *schema.QueuedAction, cause error) string {
	switch a.Type {
	case schema.ActionGenerateScenes:
		return fmt.Sprintf("Couldn't generate scenes: %v", cause)
	case schema.ActionGenerateImage:
		return fmt.Sprintf("Couldn't generate scene image: %v", cause)
	case schema.ActionGenerateVideo:
		return fmt.Sprintf("Couldn't render video: %v", cause)
	case schema.ActionUpdateScene:
		return fmt.Sprintf("Couldn't save scene edit: %v", cause)
	}
	return fmt.Sprintf("Action %s failed: %v", a.ID, cause)
}
