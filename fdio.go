// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/corun/loop"
)

// An FDIO is an event source that fires when a file descriptor becomes
// readable. If it has a timeout, each await of Next that is not satisfied
// within the timeout fails with an error wrapping ErrTimeout.
//
// The FDIO does not own the descriptor; the caller must keep it open until
// the FDIO is closed.
type FDIO struct {
	fd      int
	timeout time.Duration
	lp      *loop.Loop
	watch   *loop.Watch

	μ      sync.Mutex
	armed  *fdArm // the pending await, or nil
	closed bool
}

// fdArm is the state of a single await of Next.
type fdArm struct {
	r     Receiver[loop.Events]
	timer *loop.Timer // nil if there is no timeout
}

// NewFDIO registers a readiness source for fd on the event loop of c.
func NewFDIO(c *Context, fd int) (*FDIO, error) { return NewTimedFDIO(c, fd, 0) }

// NewTimedFDIO registers a readiness source for fd on the event loop of c,
// with the specified timeout for each await. A timeout ≤ 0 means awaits do
// not time out.
func NewTimedFDIO(c *Context, fd int, timeout time.Duration) (*FDIO, error) {
	f := &FDIO{fd: fd, timeout: timeout, lp: c.loop}
	w, err := c.loop.WatchFD(fd, loop.Readable, f.ready)
	if err != nil {
		return nil, fmt.Errorf("watch fd %d: %w", fd, err)
	}
	f.watch = w
	return f, nil
}

// FD reports the file descriptor watched by f.
func (f *FDIO) FD() int { return f.fd }

func (f *FDIO) ready(ev loop.Events) {
	f.μ.Lock()
	a := f.armed
	if a == nil {
		f.μ.Unlock()
		return
	}
	f.armed = nil
	f.μ.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	a.r.SetValue(ev)
}

func (f *FDIO) expire(a *fdArm) {
	f.μ.Lock()
	if f.armed != a {
		f.μ.Unlock()
		return // the descriptor fired first
	}
	f.armed = nil
	f.μ.Unlock()

	f.watch.Disarm()
	a.r.SetError(fmt.Errorf("fd %d: %w", f.fd, ErrTimeout))
}

// Next returns a sender that completes with the readiness events of the
// descriptor the next time it becomes ready. At most one awaiter of Next may
// be pending at a time; starting a second one panics with a *Violation.
func (f *FDIO) Next() Sender[loop.Events] {
	return senderFunc[loop.Events](func(r Receiver[loop.Events]) {
		f.μ.Lock()
		if f.armed != nil {
			f.μ.Unlock()
			panic(violation("FDIO.Next", "another awaiter is already pending"))
		} else if f.closed {
			f.μ.Unlock()
			r.SetStopped()
			return
		}

		a := &fdArm{r: r}
		err := f.watch.Arm()
		if err == nil && f.timeout > 0 {
			a.timer, err = f.lp.AfterFunc(f.timeout, func() { f.expire(a) })
			if err != nil {
				f.watch.Disarm()
			}
		}
		if err != nil {
			f.μ.Unlock()
			r.SetError(fmt.Errorf("arm fd %d: %w", f.fd, err))
			return
		}
		f.armed = a
		f.μ.Unlock()
	})
}

// Close unregisters f. A task waiting on Next is stopped, and never resumes.
func (f *FDIO) Close() error {
	f.μ.Lock()
	if f.closed {
		f.μ.Unlock()
		return nil
	}
	f.closed = true
	a := f.armed
	f.armed = nil
	f.μ.Unlock()

	err := f.watch.Close()
	if a != nil {
		if a.timer != nil {
			a.timer.Stop()
		}
		a.r.SetStopped()
	}
	return err
}
