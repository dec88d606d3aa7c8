package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"studysync/internal/schedule"
	"studysync/pkg/logx"
)

type stubDriver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *stubDriver) Name() string { return "stub" }

func (d *stubDriver) Send(ctx context.Context, recipient, body string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.err
}

type memRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func (r *memRecorder) RecordMessage(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func TestServiceRecordsOutcome(t *testing.T) {
	t.Parallel()
	d := &stubDriver{}
	rec := &memRecorder{}
	s := NewService(Config{RatePerSec: 100}, d, rec, logx.Nop())

	if err := s.Send(context.Background(), "+15550001111", "hello"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	d.mu.Lock()
	d.err = errors.New("provider down")
	d.mu.Unlock()
	if err := s.Send(context.Background(), "+15550001111", "again"); err == nil {
		t.Fatal("expected send error")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recs) != 2 {
		t.Fatalf("records = %d, want 2", len(rec.recs))
	}
	if rec.recs[0].Status != "sent" || rec.recs[1].Status != "failed" {
		t.Fatalf("statuses = %s/%s", rec.recs[0].Status, rec.recs[1].Status)
	}
	if rec.recs[1].Error == "" {
		t.Fatal("failed record missing error text")
	}
}

func TestServiceRateLimitHonorsContext(t *testing.T) {
	t.Parallel()
	d := &stubDriver{}
	s := NewService(Config{RatePerSec: 1}, d, nil, logx.Nop())

	// Exhaust the burst, then a tight deadline must fail in the limiter.
	if err := s.Send(context.Background(), "x", "one"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, "x", "two")
	if err == nil {
		t.Fatal("expected rate limit timeout")
	}
	d.mu.Lock()
	calls := d.calls
	d.mu.Unlock()
	if calls != 1 {
		t.Fatalf("driver calls = %d, want 1 (second blocked by limiter)", calls)
	}
}

func TestNewDriverSelection(t *testing.T) {
	t.Parallel()
	d, err := NewDriver(Config{Driver: "log"}, logx.Nop())
	if err != nil || d.Name() != "log" {
		t.Fatalf("log driver: %v, %v", d, err)
	}
	if d, err := NewDriver(Config{}, logx.Nop()); err != nil || d.Name() != "log" {
		t.Fatalf("empty driver should default to log: %v, %v", d, err)
	}
	if _, err := NewDriver(Config{Driver: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestClassReminderTemplate(t *testing.T) {
	t.Parallel()
	e := schedule.Entry{
		ChildName:   "Mia",
		Subject:     "Math",
		Day:         time.Monday,
		Hour:        16,
		Minute:      0,
		LeadMinutes: 30,
	}
	body := ClassReminder(e)
	for _, want := range []string{"Math", "Mia", "16:00", "Monday", "30 minutes"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
