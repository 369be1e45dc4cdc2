// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"sync"

	"github.com/creachadair/corun/loop"
)

// A Defer is an event source that fires from the deferred (idle) phase of the
// event loop, after other pending events have been processed.
//
// A firing that occurs while no task is waiting is remembered, and satisfies
// the next call to Next immediately. Repeated firings without a waiter
// coalesce into one.
type Defer struct {
	idle *loop.Idle

	μ       sync.Mutex
	pending bool           // fired with no waiter
	armed   Receiver[Void] // the waiting receiver, or nil
	closed  bool
}

// NewDefer registers a deferred source on the event loop of c. The source
// fires once during the first loop iteration after it is created.
func NewDefer(c *Context) (*Defer, error) {
	d := new(Defer)
	idle, err := c.loop.AddDefer(d.fire)
	if err != nil {
		return nil, err
	}
	d.idle = idle
	return d, nil
}

func (d *Defer) fire() {
	d.μ.Lock()
	r := d.armed
	if r == nil {
		d.pending = true
		d.μ.Unlock()
		return
	}
	d.armed = nil
	d.μ.Unlock()

	r.SetValue(Void{})
}

// Next returns a sender that completes at the next firing of d. At most one
// awaiter of Next may be pending at a time; starting a second one panics with
// a *Violation.
func (d *Defer) Next() Sender[Void] {
	return senderFunc[Void](func(r Receiver[Void]) {
		d.μ.Lock()
		if d.armed != nil {
			d.μ.Unlock()
			panic(violation("Defer.Next", "another awaiter is already pending"))
		} else if d.closed {
			d.μ.Unlock()
			r.SetStopped()
			return
		} else if d.pending {
			d.pending = false
			d.μ.Unlock()
			r.SetValue(Void{})
			return
		}
		d.armed = r
		d.μ.Unlock()
		d.idle.Enable()
	})
}

// Close unregisters d. A task waiting on Next is stopped, and never resumes.
func (d *Defer) Close() {
	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return
	}
	d.closed = true
	r := d.armed
	d.armed = nil
	d.μ.Unlock()

	d.idle.Close()
	if r != nil {
		r.SetStopped()
	}
}
