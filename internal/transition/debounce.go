package transition

import (
	"sync"
	"time"
)

// Debounce suppresses events that follow an accepted event within a window.
// Suppressed events do not extend the window.
type Debounce struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewDebounce creates a Debounce with the given window. A window of zero
// accepts every event.
func NewDebounce(window time.Duration) *Debounce {
	return &Debounce{window: window, now: time.Now}
}

// Allow reports whether an event arriving now should be acted on.
func (d *Debounce) Allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	return true
}
