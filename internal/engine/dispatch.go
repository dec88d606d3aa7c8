package engine

import (
	"context"
	"errors"
	"time"

	"studysync/internal/eventbus"
	"studysync/internal/schedule"
	"studysync/pkg/logx"
)

// Result classifies one dispatch attempt.
type Result int

const (
	ResultSent Result = iota
	ResultSkippedStale
	ResultSkippedInFlight
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultSkippedStale:
		return "skipped_stale"
	case ResultSkippedInFlight:
		return "skipped_in_flight"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Skip reasons surfaced in reminder.skipped events.
const (
	SkipStaleVersion = "stale_version"
	SkipInFlight     = "in_flight"
	SkipInactive     = "inactive"
)

// ReminderEvent is the payload for reminder.* bus events.
type ReminderEvent struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	FireAt    time.Time `json:"fire_at"`
	Version   uint64    `json:"version"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// dispatch performs one at-most-once send attempt for (id, version).
//
// Both the wake loop and ManualFire land here, so the stale check and the
// per-(id, version) in-flight guard are cross-path. On Sent or Failed the
// schedule advances to the next weekly occurrence; skips leave the entry
// untouched (whoever invalidated the version already replanned it).
func (en *Engine) dispatch(ctx context.Context, id string, fireAt time.Time, version uint64) Result {
	en.mu.Lock()
	e, err := en.store.Get(id)
	if err != nil {
		// Deleted after the fire was planned.
		en.mu.Unlock()
		en.publishSkipped(schedule.Entry{ID: id}, fireAt, version, SkipStaleVersion)
		return ResultSkippedStale
	}
	if _, busy := en.inFlight[id]; busy {
		en.mu.Unlock()
		en.log.Debug("dispatch already in flight",
			logx.String("id", id), logx.Uint64("version", version))
		en.publishSkipped(e, fireAt, version, SkipInFlight)
		return ResultSkippedInFlight
	}
	if !e.Active {
		en.mu.Unlock()
		en.publishSkipped(e, fireAt, version, SkipInactive)
		return ResultSkippedStale
	}
	if e.Version != version {
		// Edited after the fire was planned; the stale payload must not go out.
		en.mu.Unlock()
		en.log.Debug("stale dispatch discarded",
			logx.String("id", id), logx.Uint64("planned", version), logx.Uint64("current", e.Version))
		en.publishSkipped(e, fireAt, version, SkipStaleVersion)
		return ResultSkippedStale
	}
	en.inFlight[id] = version
	en.mu.Unlock()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		en.mu.Lock()
		delete(en.inFlight, id)
		en.mu.Unlock()
	}
	defer release()

	body := en.build(e)
	sendCtx, cancel := context.WithTimeout(ctx, en.cfg.SendTimeout)
	sendErr := en.send.Send(sendCtx, e.Recipient, body)
	cancel()

	// Release the claim and advance the schedule in one critical section so
	// no second dispatch can slot in between. If the entry was edited,
	// deactivated or deleted while the send was running, the send could not
	// be cancelled mid-flight, but its result is discarded: no advance, and
	// the dispatch resolves as stale.
	en.mu.Lock()
	delete(en.inFlight, id)
	released = true
	cur, curErr := en.store.Get(id)
	if curErr != nil || !cur.Active || cur.Version != version {
		en.mu.Unlock()
		en.publishSkipped(e, fireAt, version, SkipStaleVersion)
		return ResultSkippedStale
	}
	en.advanceLocked(id, version)
	en.mu.Unlock()

	if sendErr != nil {
		reason := "notifier"
		if errors.Is(sendErr, context.DeadlineExceeded) {
			reason = "timeout"
		}
		en.log.Warn("reminder send failed",
			logx.String("id", id), logx.String("recipient", e.Recipient),
			logx.String("reason", reason), logx.Err(sendErr))
		en.publish(eventbus.TypeReminderFailed, ReminderEvent{
			ID: id, Recipient: e.Recipient, Subject: e.Subject,
			FireAt: fireAt, Version: version, Reason: reason, Error: sendErr.Error(),
		})
		return ResultFailed
	}

	en.log.Info("reminder sent",
		logx.String("id", id), logx.String("recipient", e.Recipient),
		logx.String("subject", e.Subject), logx.Time("fire_at", fireAt))
	en.publish(eventbus.TypeReminderFired, ReminderEvent{
		ID: id, Recipient: e.Recipient, Subject: e.Subject,
		FireAt: fireAt, Version: version,
	})
	return ResultSent
}

// advanceLocked moves the entry from the consumed occurrence to the next
// one, recomputing from now so long process pauses produce exactly one
// future fire instead of a catch-up burst. No-op when the entry was edited,
// deactivated or deleted while the send was in flight. Call with mu held.
func (en *Engine) advanceLocked(id string, version uint64) {
	e, err := en.store.Get(id)
	if err != nil || !e.Active || e.Version != version {
		return
	}
	e.Version++
	e.NextFireAt = schedule.NextFire(en.clk, e, en.clk.Now())
	en.store.Put(e)
	en.publishScheduled(e)
	en.wake()
}

func (en *Engine) publish(typ string, data ReminderEvent) {
	if en.bus == nil {
		return
	}
	en.bus.Publish(eventbus.Event{Type: typ, Time: en.clk.Now(), Data: data})
}

func (en *Engine) publishScheduled(e schedule.Entry) {
	en.publish(eventbus.TypeReminderScheduled, ReminderEvent{
		ID: e.ID, Recipient: e.Recipient, Subject: e.Subject,
		FireAt: e.NextFireAt, Version: e.Version,
	})
}

func (en *Engine) publishSkipped(e schedule.Entry, fireAt time.Time, version uint64, reason string) {
	en.publish(eventbus.TypeReminderSkipped, ReminderEvent{
		ID: e.ID, Recipient: e.Recipient, Subject: e.Subject,
		FireAt: fireAt, Version: version, Reason: reason,
	})
}
