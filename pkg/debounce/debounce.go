// Package debounce drops events that arrive too soon after the last accepted
// one.  It is safe to call from an edge-interrupt goroutine while another
// goroutine reads it.
package debounce

import (
	"sync/atomic"
	"time"
)

type Debouncer struct {
	Window time.Duration
	// Strict requires more than Window to have elapsed; otherwise exactly
	// Window is enough.
	Strict bool

	// Unix nanoseconds of the last accepted event; 0 until the first one.
	last int64
}

func New(window time.Duration) *Debouncer {
	return &Debouncer{Window: window}
}

func NewStrict(window time.Duration) *Debouncer {
	return &Debouncer{Window: window, Strict: true}
}

// Accept reports whether an event at now is honoured, and if so records it.
// Events inside the window are dropped, never queued.
func (d *Debouncer) Accept(now time.Time) bool {
	n := now.UnixNano()
	for {
		last := atomic.LoadInt64(&d.last)
		if last != 0 && d.tooSoon(time.Duration(n-last)) {
			return false
		}
		if atomic.CompareAndSwapInt64(&d.last, last, n) {
			return true
		}
	}
}

// Last returns the time of the last accepted event, or the zero time.
func (d *Debouncer) Last() time.Time {
	last := atomic.LoadInt64(&d.last)
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

func (d *Debouncer) tooSoon(elapsed time.Duration) bool {
	if d.Strict {
		return elapsed <= d.Window
	}
	return elapsed < d.Window
}
