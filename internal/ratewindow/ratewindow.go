// Package ratewindow implements the sliding-window counter shared by
// correlation modules that need "N occurrences of X within T seconds"
// logic (login-failure lockouts, noisy-source throttling, and similar).
// Add appends a timestamp to an identifier's list, first discarding
// entries older than the window, and returns the resulting count; Clear
// resets an identifier.
package ratewindow

import (
	"sync"
	"time"
)

// Window counts timestamped occurrences per identifier within a trailing
// duration.
type Window struct {
	mu     sync.Mutex
	expiry time.Duration
	store  map[string][]time.Time
}

// New creates a Window with the given trailing expiry duration.
func New(expiry time.Duration) *Window {
	return &Window{expiry: expiry, store: make(map[string][]time.Time)}
}

// Add records an occurrence for identifier at timestamp, prunes entries
// older than the window, and returns the number remaining in the window
// (including the one just added, unless timestamp itself is already
// older than the window, in which case it is not recorded).
func (w *Window) Add(identifier string, timestamp time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	earliest := time.Now().Add(-w.expiry)
	kept := w.store[identifier][:0]
	for _, t := range w.store[identifier] {
		if !t.Before(earliest) {
			kept = append(kept, t)
		}
	}
	if !timestamp.Before(earliest) {
		kept = append(kept, timestamp)
	}
	w.store[identifier] = kept
	return len(kept)
}

// Clear discards all recorded occurrences for identifier, used when a
// module observes a successful outcome that should reset the count (e.g.
// a successful login after prior failures).
func (w *Window) Clear(identifier string) {
	w.mu.Lock()
	delete(w.store, identifier)
	w.mu.Unlock()
}
