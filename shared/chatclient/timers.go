package chatclient

import (
	"sync"
	"time"
)

// stopper is the part of *time.Timer the transport uses.
type stopper interface {
	Stop() bool
}

// afterFunc schedules f after d. Tests substitute a manual clock.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// decayValue holds a value that resets to "" when not touched for a while.
// It backs the local typing flag and the remote typing name.
type decayValue struct {
	after afterFunc
	ttl   time.Duration
	set   func(v string)

	mu  sync.Mutex
	gen uint64
	t   stopper
}

func newDecayValue(after afterFunc, ttl time.Duration, set func(v string)) *decayValue {
	return &decayValue{after: after, ttl: ttl, set: set}
}

// Touch sets v and (re)arms the decay timer.
func (d *decayValue) Touch(v string) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	if d.t != nil {
		d.t.Stop()
	}
	d.t = d.after(d.ttl, func() {
		d.mu.Lock()
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		d.t = nil
		d.mu.Unlock()
		d.set("")
	})
	d.mu.Unlock()

	d.set(v)
}

// Clear resets the value and cancels the pending decay.
func (d *decayValue) Clear() {
	d.mu.Lock()
	d.gen++
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
	d.mu.Unlock()

	d.set("")
}
