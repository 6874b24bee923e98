package core

import (
	"time"
)

type presenceKey struct {
	room     string
	username string
}

// Debouncer remembers recent departures so that a user who comes back to the
// same room within the window is treated as never having left.
//
// Debouncer is not safe for concurrent use; the hub owns it.
type Debouncer struct {
	window time.Duration
	now    func() time.Time
	left   map[presenceKey]time.Time
}

// NewDebouncer returns a debouncer with the given window. A window <= 0
// disables suppression.
func NewDebouncer(window time.Duration, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	return &Debouncer{
		window: window,
		now:    now,
		left:   make(map[presenceKey]time.Time),
	}
}

func (d *Debouncer) Window() time.Duration {
	return d.window
}

// RecordLeave notes that username left room now.
func (d *Debouncer) RecordLeave(room, username string) {
	if d.window <= 0 {
		return
	}
	now := d.now()
	d.prune(now)
	d.left[presenceKey{room: room, username: username}] = now
}

// ShouldSuppressJoin reports whether username left room less than a window
// ago. A hit consumes the record.
func (d *Debouncer) ShouldSuppressJoin(room, username string) bool {
	if d.window <= 0 {
		return false
	}
	k := presenceKey{room: room, username: username}
	at, ok := d.left[k]
	if !ok {
		return false
	}
	delete(d.left, k)
	return d.now().Sub(at) < d.window
}

// Forget drops the record for username in room, if any.
func (d *Debouncer) Forget(room, username string) {
	delete(d.left, presenceKey{room: room, username: username})
}

// Len returns the number of records, expired ones included until the next
// prune.
func (d *Debouncer) Len() int {
	return len(d.left)
}

func (d *Debouncer) prune(now time.Time) {
	for k, at := range d.left {
		if now.Sub(at) >= d.window {
			delete(d.left, k)
		}
	}
}
