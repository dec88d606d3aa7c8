package engine

import "time"

// UpcomingFire is one pending reminder in the status snapshot.
type UpcomingFire struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	FireAt  time.Time `json:"fire_at"`
	Version uint64    `json:"version"`
}

type Snapshot struct {
	Running    bool           `json:"running"`
	Entries    int            `json:"entries"`
	Active     int            `json:"active"`
	InFlight   int            `json:"in_flight"`
	NextFireAt time.Time      `json:"next_fire_at,omitzero"`
	Upcoming   []UpcomingFire `json:"upcoming"`
}

// Snapshot reports engine state for the health endpoint. Read-only; safe
// to call concurrently with dispatches.
func (en *Engine) Snapshot() Snapshot {
	en.mu.Lock()
	running := en.stopCh != nil
	inFlight := len(en.inFlight)
	en.mu.Unlock()

	active := en.store.ListActive()
	snap := Snapshot{
		Running:  running,
		Entries:  en.store.Len(),
		Active:   len(active),
		InFlight: inFlight,
		Upcoming: make([]UpcomingFire, 0, len(active)),
	}
	for i, e := range active {
		if i == 0 {
			snap.NextFireAt = e.NextFireAt
		}
		snap.Upcoming = append(snap.Upcoming, UpcomingFire{
			ID: e.ID, Subject: e.Subject, FireAt: e.NextFireAt, Version: e.Version,
		})
	}
	return snap
}
