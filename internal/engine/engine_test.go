package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"studysync/internal/clock"
	"studysync/internal/eventbus"
	"studysync/internal/schedule"
	"studysync/pkg/logx"
)

type sentMsg struct {
	Recipient string
	Body      string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
	gate chan struct{} // when non-nil, Send blocks until the gate closes
}

func (f *fakeNotifier) Send(ctx context.Context, recipient, body string) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMsg{Recipient: recipient, Body: body})
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// monday10 is 2024-01-01T10:00Z, a Monday.
var monday10 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *clock.Fake, *fakeNotifier, eventbus.Bus) {
	t.Helper()
	clk := clock.NewFake(monday10)
	n := &fakeNotifier{}
	bus := eventbus.New()
	en := New(Config{DispatchWorkers: 2, SendTimeout: time.Second, DefaultTimezone: "UTC"},
		schedule.NewStore(), clk, n,
		func(e schedule.Entry) string { return fmt.Sprintf("reminder: %s for %s", e.Subject, e.ChildName) },
		bus, logx.Nop())
	return en, clk, n, bus
}

func testEntry() schedule.Entry {
	return schedule.Entry{
		ID:          "c1",
		Recipient:   "+15550001111",
		ChildName:   "Mia",
		Subject:     "Math",
		Day:         time.Monday,
		Hour:        16,
		Minute:      0,
		LeadMinutes: 30,
		Timezone:    "UTC",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterPlansFirstFire(t *testing.T) {
	t.Parallel()
	en, _, _, bus := newTestEngine(t)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	got, err := en.Register(testEntry())
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	want := time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC)
	if !got.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
	if got.Version != 1 || !got.Active {
		t.Fatalf("unexpected entry state: version=%d active=%v", got.Version, got.Active)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeReminderScheduled {
			t.Fatalf("event type = %s, want %s", ev.Type, eventbus.TypeReminderScheduled)
		}
	case <-time.After(time.Second):
		t.Fatal("no scheduled event published")
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	t.Parallel()
	en, _, _, _ := newTestEngine(t)

	e := testEntry()
	e.LeadMinutes = 3
	if _, err := en.Register(e); err == nil {
		t.Fatal("expected validation error for lead below minimum")
	} else {
		var verr *schedule.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %T", err)
		}
	}

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if _, err := en.Register(testEntry()); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestUpdateReplansFromNow(t *testing.T) {
	t.Parallel()
	en, clk, n, _ := newTestEngine(t)

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// 15:00, before the original 15:30 fire: bumping the lead to 45 moves
	// the fire to 15:15 and discards the old pending instant without a send.
	clk.Set(time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC))
	lead := 45
	got, err := en.Update("c1", Update{LeadMinutes: &lead})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	want := time.Date(2024, 1, 1, 15, 15, 0, 0, time.UTC)
	if !got.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
	if got.Version != 2 {
		t.Fatalf("Version = %d, want 2", got.Version)
	}
	if n.count() != 0 {
		t.Fatalf("unexpected sends: %d", n.count())
	}
}

func TestUpdateNonTimeFieldKeepsFireInstant(t *testing.T) {
	t.Parallel()
	en, _, _, _ := newTestEngine(t)

	reg, _ := en.Register(testEntry())
	name := "Noah"
	got, err := en.Update("c1", Update{ChildName: &name})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if !got.NextFireAt.Equal(reg.NextFireAt) {
		t.Fatalf("fire instant moved on non-time edit: %v -> %v", reg.NextFireAt, got.NextFireAt)
	}
	if got.Version != 2 {
		t.Fatalf("Version = %d, want 2", got.Version)
	}
}

func TestManualFireIdempotent(t *testing.T) {
	t.Parallel()
	en, _, n, _ := newTestEngine(t)

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()

	first := make(chan Result, 1)
	go func() {
		r, err := en.ManualFire(context.Background(), "c1")
		if err != nil {
			t.Errorf("ManualFire error: %v", err)
		}
		first <- r
	}()
	waitFor(t, "first dispatch in flight", func() bool { return en.Snapshot().InFlight == 1 })

	// Duplicate trigger while the first send is outstanding: benign no-op.
	dup, err := en.ManualFire(context.Background(), "c1")
	if err != nil {
		t.Fatalf("duplicate ManualFire error: %v", err)
	}
	if dup != ResultSkippedInFlight {
		t.Fatalf("duplicate result = %v, want %v", dup, ResultSkippedInFlight)
	}

	close(gate)
	if r := <-first; r != ResultSent {
		t.Fatalf("first result = %v, want %v", r, ResultSent)
	}
	if n.count() != 1 {
		t.Fatalf("sends = %d, want exactly 1", n.count())
	}
}

func TestStaleVersionDiscarded(t *testing.T) {
	t.Parallel()
	en, _, n, _ := newTestEngine(t)

	reg, _ := en.Register(testEntry())

	// Plan a fire against version 1, then edit before it dispatches.
	lead := 60
	if _, err := en.Update("c1", Update{LeadMinutes: &lead}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if r := en.dispatch(context.Background(), "c1", reg.NextFireAt, reg.Version); r != ResultSkippedStale {
		t.Fatalf("result = %v, want %v", r, ResultSkippedStale)
	}
	if n.count() != 0 {
		t.Fatalf("stale dispatch must not send, got %d sends", n.count())
	}

	// The entry reschedules using the new fields.
	e, err := en.Store().Get("c1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	want := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", e.NextFireAt, want)
	}
}

func TestEditDuringSendDiscardsResult(t *testing.T) {
	t.Parallel()
	en, _, n, _ := newTestEngine(t)

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()

	resCh := make(chan Result, 1)
	go func() {
		r, _ := en.ManualFire(context.Background(), "c1")
		resCh <- r
	}()
	waitFor(t, "dispatch in flight", func() bool { return en.Snapshot().InFlight == 1 })

	subject := "Physics"
	if _, err := en.Update("c1", Update{Subject: &subject}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	close(gate)

	if r := <-resCh; r != ResultSkippedStale {
		t.Fatalf("result = %v, want %v (edit races send, result discarded)", r, ResultSkippedStale)
	}
	e, _ := en.Store().Get("c1")
	if e.Subject != "Physics" || e.Version != 2 {
		t.Fatalf("entry not updated: %+v", e)
	}
}

func TestForwardProgressAfterDowntime(t *testing.T) {
	t.Parallel()
	en, clk, n, _ := newTestEngine(t)

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// Process "paused" for two weeks: two occurrences missed.
	clk.Set(monday10.AddDate(0, 0, 14))
	en.fireDue(context.Background())
	waitFor(t, "catch-up send", func() bool { return n.count() == 1 })
	waitFor(t, "reschedule", func() bool {
		e, err := en.Store().Get("c1")
		return err == nil && e.NextFireAt.After(clk.Now())
	})

	// Exactly one future pending fire, no queued catch-up burst.
	e, _ := en.Store().Get("c1")
	want := time.Date(2024, 1, 15, 15, 30, 0, 0, time.UTC)
	if !e.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", e.NextFireAt, want)
	}
	en.fireDue(context.Background())
	time.Sleep(20 * time.Millisecond)
	if n.count() != 1 {
		t.Fatalf("sends = %d, want exactly 1", n.count())
	}
}

func TestDeactivatedEntryNeverFires(t *testing.T) {
	t.Parallel()
	en, clk, n, bus := newTestEngine(t)

	events, unsub := bus.Subscribe(32)
	defer unsub()

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := en.Deactivate("c1"); err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}

	clk.Set(time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)) // past the old 15:30 fire
	en.fireDue(context.Background())
	time.Sleep(20 * time.Millisecond)

	if n.count() != 0 {
		t.Fatalf("deactivated entry sent %d messages", n.count())
	}
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeReminderFired {
				t.Fatal("fired event emitted for deactivated entry")
			}
		default:
			return
		}
	}
}

func TestReactivatePlansFreshFire(t *testing.T) {
	t.Parallel()
	en, clk, _, _ := newTestEngine(t)

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := en.Deactivate("c1"); err != nil {
		t.Fatalf("Deactivate error: %v", err)
	}
	clk.Set(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)) // Tuesday
	got, err := en.Activate("c1")
	if err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	want := time.Date(2024, 1, 8, 15, 30, 0, 0, time.UTC) // next Monday
	if !got.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
}

func TestNotifierFailureStillAdvances(t *testing.T) {
	t.Parallel()
	en, clk, n, bus := newTestEngine(t)

	events, unsub := bus.Subscribe(32)
	defer unsub()

	n.mu.Lock()
	n.err = errors.New("provider unavailable")
	n.mu.Unlock()

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	clk.Set(time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC))
	en.fireDue(context.Background())

	waitFor(t, "failed event", func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == eventbus.TypeReminderFailed {
					return true
				}
			default:
				return false
			}
		}
	})

	// A failed send must not wedge future occurrences.
	waitFor(t, "advance after failure", func() bool {
		e, err := en.Store().Get("c1")
		return err == nil && e.NextFireAt.After(clk.Now()) && e.Version == 2
	})
}

func TestUnknownIDReturnsNotFound(t *testing.T) {
	t.Parallel()
	en, _, _, _ := newTestEngine(t)

	if _, err := en.Update("nope", Update{}); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Update err = %v, want ErrNotFound", err)
	}
	if err := en.Deactivate("nope"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Deactivate err = %v, want ErrNotFound", err)
	}
	if err := en.Delete("nope"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("Delete err = %v, want ErrNotFound", err)
	}
	if _, err := en.ManualFire(context.Background(), "nope"); !errors.Is(err, schedule.ErrNotFound) {
		t.Fatalf("ManualFire err = %v, want ErrNotFound", err)
	}
}

func TestWakeLoopDispatchesDueEntry(t *testing.T) {
	t.Parallel()
	en, clk, n, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	en.Start(ctx)
	defer en.Stop(context.Background())

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	clk.Set(time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC))
	en.wake()

	waitFor(t, "wake loop send", func() bool { return n.count() == 1 })
	waitFor(t, "reschedule after send", func() bool {
		e, err := en.Store().Get("c1")
		return err == nil && e.NextFireAt.After(clk.Now())
	})
}

func TestSendTimeoutFails(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(monday10)
	n := &fakeNotifier{gate: make(chan struct{})} // never opens: Send blocks until ctx expires
	en := New(Config{DispatchWorkers: 1, SendTimeout: 20 * time.Millisecond, DefaultTimezone: "UTC"},
		schedule.NewStore(), clk, n,
		func(e schedule.Entry) string { return e.Subject },
		eventbus.New(), logx.Nop())

	if _, err := en.Register(testEntry()); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	r, err := en.ManualFire(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ManualFire error: %v", err)
	}
	if r != ResultFailed {
		t.Fatalf("result = %v, want %v", r, ResultFailed)
	}
}
