// Package engine implements the recurring-reminder scheduling engine: it
// owns the schedule store, plans fire instants, runs the wake loop, and
// dispatches due reminders to the injected notifier.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"studysync/internal/clock"
	"studysync/internal/eventbus"
	"studysync/internal/schedule"
	"studysync/pkg/logx"
)

// Notifier is the outbound messaging collaborator. A single call per
// dispatch attempt; the engine never retries on its own.
type Notifier interface {
	Send(ctx context.Context, recipient, body string) error
}

// MessageBuilder renders the reminder body for an entry. Owned by the
// template collaborator, injected so the engine knows nothing about
// message formats.
type MessageBuilder func(e schedule.Entry) string

type Config struct {
	// DispatchWorkers bounds concurrent sends when several entries come due
	// at the same wake.
	DispatchWorkers int
	// SendTimeout bounds each notifier call.
	SendTimeout time.Duration
	// DefaultTimezone applies to entries registered without an explicit zone.
	DefaultTimezone string
}

func (c Config) withDefaults() Config {
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Engine is the sole scheduling authority for one deployment.
//
// All per-entry state transitions (version bumps, in-flight marks, schedule
// advances) happen inside a single critical section (mu), so the automatic
// wake path and the manual-trigger path can never race on one entry.
type Engine struct {
	mu sync.Mutex

	cfg   Config
	store *schedule.Store
	clk   clock.Clock
	send  Notifier
	build MessageBuilder
	bus   eventbus.Bus
	log   logx.Logger

	// inFlight maps entry id to the version currently being dispatched.
	// Guarded by mu.
	inFlight map[string]uint64

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}
	loopWG   sync.WaitGroup
	sendWG   sync.WaitGroup
	sem      chan struct{}
}

func New(cfg Config, store *schedule.Store, clk clock.Clock, send Notifier, build MessageBuilder, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		clk:      clk,
		send:     send,
		build:    build,
		bus:      bus,
		log:      log,
		inFlight: map[string]uint64{},
		wakeCh:   make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.DispatchWorkers),
	}
}

// Store exposes the entry index for read-only collaborators (HTTP layer,
// status snapshot). Mutation goes through engine operations only.
func (en *Engine) Store() *schedule.Store { return en.store }

// Register validates the entry, plans its first fire and enters it into
// the store as Pending. A missing id is assigned; a missing timezone falls
// back to the configured default.
func (en *Engine) Register(e schedule.Entry) (schedule.Entry, error) {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if strings.TrimSpace(e.Timezone) == "" {
		e.Timezone = en.cfg.DefaultTimezone
	}
	if err := e.Validate(); err != nil {
		return schedule.Entry{}, err
	}

	en.mu.Lock()
	if _, err := en.store.Get(e.ID); err == nil {
		en.mu.Unlock()
		return schedule.Entry{}, &schedule.ValidationError{Field: "id", Reason: "already registered"}
	}
	e.Active = true
	e.Version = 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = en.clk.Now()
	}
	e.NextFireAt = schedule.NextFire(en.clk, e, en.clk.Now())
	en.store.Put(e)
	en.mu.Unlock()

	en.publishScheduled(e)
	en.wake()
	return e, nil
}

// Update applies the given field changes, bumps the version and, when a
// time-affecting field changed, replans the next fire from now. An
// in-flight dispatch for the old version self-discards via the stale
// check.
func (en *Engine) Update(id string, fields Update) (schedule.Entry, error) {
	en.mu.Lock()
	e, err := en.store.Get(id)
	if err != nil {
		en.mu.Unlock()
		return schedule.Entry{}, err
	}

	timeChanged := fields.apply(&e)
	if err := e.Validate(); err != nil {
		en.mu.Unlock()
		return schedule.Entry{}, err
	}
	e.Version++
	if timeChanged && e.Active {
		e.NextFireAt = schedule.NextFire(en.clk, e, en.clk.Now())
	}
	en.store.Put(e)
	en.mu.Unlock()

	if timeChanged && e.Active {
		en.publishScheduled(e)
	}
	en.wake()
	return e, nil
}

// Deactivate retains the entry but removes it from scheduling. Any
// in-flight send for the prior version completes and is discarded.
func (en *Engine) Deactivate(id string) error {
	en.mu.Lock()
	e, err := en.store.Get(id)
	if err != nil {
		en.mu.Unlock()
		return err
	}
	if e.Active {
		e.Active = false
		e.NextFireAt = time.Time{}
		e.Version++
		en.store.Put(e)
	}
	en.mu.Unlock()
	en.wake()
	return nil
}

// Activate re-enables a deactivated entry and plans a fresh fire.
func (en *Engine) Activate(id string) (schedule.Entry, error) {
	en.mu.Lock()
	e, err := en.store.Get(id)
	if err != nil {
		en.mu.Unlock()
		return schedule.Entry{}, err
	}
	if !e.Active {
		e.Active = true
		e.Version++
		e.NextFireAt = schedule.NextFire(en.clk, e, en.clk.Now())
		en.store.Put(e)
	}
	en.mu.Unlock()

	en.publishScheduled(e)
	en.wake()
	return e, nil
}

// Delete removes the entry. Returns schedule.ErrNotFound for unknown ids.
func (en *Engine) Delete(id string) error {
	en.mu.Lock()
	_, err := en.store.Get(id)
	if err != nil {
		en.mu.Unlock()
		return err
	}
	// A concurrent dispatch for the removed entry resolves as stale.
	en.store.Remove(id)
	en.mu.Unlock()
	en.wake()
	return nil
}

// ManualFire sends the reminder for the entry right now, bypassing the wake
// loop but going through the same stale-check and at-most-once logic as
// automatic fires. A duplicate call while a dispatch is outstanding is a
// benign no-op (ResultSkippedInFlight).
func (en *Engine) ManualFire(ctx context.Context, id string) (Result, error) {
	en.mu.Lock()
	e, err := en.store.Get(id)
	if err != nil {
		en.mu.Unlock()
		return ResultFailed, err
	}
	version := e.Version
	en.mu.Unlock()

	return en.dispatch(ctx, id, en.clk.Now(), version), nil
}

// Update describes a partial entry mutation. Nil fields are left unchanged.
type Update struct {
	ChildName   *string
	Subject     *string
	Recipient   *string
	Day         *time.Weekday
	Hour        *int
	Minute      *int
	LeadMinutes *int
	Timezone    *string
}

// apply mutates e and reports whether any time-affecting field changed.
func (u Update) apply(e *schedule.Entry) bool {
	timeChanged := false
	if u.ChildName != nil {
		e.ChildName = *u.ChildName
	}
	if u.Subject != nil {
		e.Subject = *u.Subject
	}
	if u.Recipient != nil {
		e.Recipient = *u.Recipient
	}
	if u.Day != nil && *u.Day != e.Day {
		e.Day = *u.Day
		timeChanged = true
	}
	if u.Hour != nil && *u.Hour != e.Hour {
		e.Hour = *u.Hour
		timeChanged = true
	}
	if u.Minute != nil && *u.Minute != e.Minute {
		e.Minute = *u.Minute
		timeChanged = true
	}
	if u.LeadMinutes != nil && *u.LeadMinutes != e.LeadMinutes {
		e.LeadMinutes = *u.LeadMinutes
		timeChanged = true
	}
	if u.Timezone != nil && *u.Timezone != e.Timezone {
		e.Timezone = *u.Timezone
		timeChanged = true
	}
	return timeChanged
}

// wake nudges the loop to recompute its sleep after a mutation changed the
// earliest pending instant. Non-blocking; a pending nudge is enough.
func (en *Engine) wake() {
	select {
	case en.wakeCh <- struct{}{}:
	default:
	}
}
