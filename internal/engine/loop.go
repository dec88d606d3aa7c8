package engine

import (
	"context"
	"runtime/debug"
	"time"

	"studysync/pkg/logx"
)

// Start launches the wake loop. Idempotent; a second Start while running is
// a no-op.
func (en *Engine) Start(ctx context.Context) {
	en.mu.Lock()
	if en.stopCh != nil {
		en.mu.Unlock()
		return
	}
	en.stopCh = make(chan struct{})
	en.stopDone = make(chan struct{})
	stopCh := en.stopCh
	en.mu.Unlock()

	en.loopWG.Add(1)
	go func() {
		defer en.loopWG.Done()
		defer func() {
			if r := recover(); r != nil {
				en.log.Error("panic in wake loop",
					logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		en.loop(ctx, stopCh)
	}()
	en.log.Info("engine started",
		logx.Int("dispatch_workers", en.cfg.DispatchWorkers),
		logx.Duration("send_timeout", en.cfg.SendTimeout))
}

// Stop signals the wake loop and waits for the loop and any in-flight
// dispatches to finish, or for ctx to expire.
func (en *Engine) Stop(ctx context.Context) {
	en.mu.Lock()
	if en.stopCh == nil {
		en.mu.Unlock()
		return
	}
	stopCh := en.stopCh
	done := en.stopDone
	en.stopCh = nil
	en.mu.Unlock()

	close(stopCh)
	go func() {
		en.loopWG.Wait()
		en.sendWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		en.log.Info("engine stopped")
	case <-ctx.Done():
		// shutdown continues in background
	}
}

// loop sleeps until the earliest pending fire instant, or until a mutation
// wakes it early, then hands due entries to the dispatch pool.
func (en *Engine) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		en.fireDue(ctx)

		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := en.earliestPending(); ok {
			d := next.Sub(en.clk.Now())
			if d < 0 {
				d = 0
			}
			// Floor guards against a tight spin when an entry is due but its
			// dispatch is still claiming the in-flight slot.
			if d < 10*time.Millisecond {
				d = 10 * time.Millisecond
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-stopCh:
			stopTimer(timer)
			return
		case <-en.wakeCh:
			stopTimer(timer)
		case <-timerC:
		}
	}
}

func stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// earliestPending returns the soonest NextFireAt among active entries that
// are not currently in flight.
func (en *Engine) earliestPending() (time.Time, bool) {
	en.mu.Lock()
	defer en.mu.Unlock()

	var best time.Time
	found := false
	for _, e := range en.store.ListActive() {
		if _, busy := en.inFlight[e.ID]; busy {
			continue
		}
		if e.NextFireAt.IsZero() {
			continue
		}
		if !found || e.NextFireAt.Before(best) {
			best = e.NextFireAt
			found = true
		}
	}
	return best, found
}

// fireDue dispatches every entry whose fire instant has arrived. Sends run
// concurrently on a bounded pool; each is wrapped in its own panic
// boundary so one broken entry cannot halt the loop or its peers.
func (en *Engine) fireDue(ctx context.Context) {
	now := en.clk.Now()

	type due struct {
		id      string
		fireAt  time.Time
		version uint64
	}
	var batch []due

	en.mu.Lock()
	for _, e := range en.store.ListActive() {
		if e.NextFireAt.IsZero() {
			continue
		}
		if e.NextFireAt.After(now) {
			break // list is ordered by NextFireAt
		}
		if _, busy := en.inFlight[e.ID]; busy {
			continue
		}
		batch = append(batch, due{id: e.ID, fireAt: e.NextFireAt, version: e.Version})
	}
	en.mu.Unlock()

	for _, d := range batch {
		d := d
		select {
		case en.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		en.sendWG.Add(1)
		go func() {
			defer en.sendWG.Done()
			defer func() { <-en.sem }()
			defer func() {
				if r := recover(); r != nil {
					en.log.Error("panic dispatching reminder",
						logx.String("id", d.id), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			en.dispatch(ctx, d.id, d.fireAt, d.version)
		}()
	}
}
