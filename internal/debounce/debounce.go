// Package debounce collapses bursts of calls into a leading call plus one
// trailing call after a quiet period.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type state int

const (
	stateIdle state = iota
	statePending
)

// Debouncer is a two-state (idle/pending) timer.
//
// Trigger on an idle debouncer calls fn immediately and starts the quiet
// period. Triggers during the quiet period restart it and mark a trailing
// call, which runs once the period elapses without further triggers.
//
// fn runs outside the debouncer's lock, on the triggering goroutine for the
// leading call and on a timer goroutine for the trailing call.
type Debouncer struct {
	clock clockwork.Clock
	wait  time.Duration
	fn    func()

	mu    sync.Mutex
	state state
	dirty bool
	timer clockwork.Timer
	gen   uint64
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock sets the clock used for the quiet period. Tests pass a
// clockwork.FakeClock to advance time deterministically.
func WithClock(c clockwork.Clock) Option {
	return func(d *Debouncer) {
		d.clock = c
	}
}

// New creates an idle Debouncer.
func New(wait time.Duration, fn func(), opts ...Option) *Debouncer {
	d := &Debouncer{
		clock: clockwork.NewRealClock(),
		wait:  wait,
		fn:    fn,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger requests a call to fn.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.state == statePending {
		d.dirty = true
		d.scheduleLocked()
		d.mu.Unlock()
		return
	}
	d.state = statePending
	d.scheduleLocked()
	d.mu.Unlock()

	d.fn()
}

// Cancel drops any pending trailing call and returns to idle.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.state = stateIdle
	d.dirty = false
}

// Flush runs a pending trailing call now. It returns whether fn ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if d.state != statePending || !d.dirty {
		d.mu.Unlock()
		return false
	}
	d.stopLocked()
	d.state = stateIdle
	d.dirty = false
	d.mu.Unlock()

	d.fn()
	return true
}

// Pending reports whether a trailing call is waiting for the quiet period.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == statePending && d.dirty
}

func (d *Debouncer) scheduleLocked() {
	d.stopLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.wait, func() { d.expire(gen) })
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.state != statePending {
		d.mu.Unlock()
		return
	}
	run := d.dirty
	d.timer = nil
	d.state = stateIdle
	d.dirty = false
	d.mu.Unlock()

	if run {
		d.fn()
	}
}
