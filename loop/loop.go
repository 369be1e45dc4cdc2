// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package loop implements a single-threaded dispatch loop over file
// descriptor readiness, one-shot timers, deferred callbacks, and posted
// functions.
//
// Registration methods are safe for concurrent use by multiple goroutines.
// Callbacks are invoked by the goroutine calling [Loop.RunOnce], outside of
// any lock held by the loop, so a callback may register, arm, or close loop
// sources freely.
package loop

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// ErrClosed is reported by operations on a closed loop.
var ErrClosed = errors.New("loop is closed")

// Events is a set of file descriptor readiness conditions.
type Events uint32

const (
	Readable Events = 1 << iota // data is available to read
	Writable                    // the descriptor accepts writes
	Error                       // an error condition is pending
	Hangup                      // the peer closed its end
)

func (e Events) String() string {
	var s string
	for _, b := range []struct {
		bit  Events
		name string
	}{{Readable, "r"}, {Writable, "w"}, {Error, "e"}, {Hangup, "h"}} {
		if e&b.bit != 0 {
			s += b.name
		} else {
			s += "-"
		}
	}
	return s
}

// A Loop dispatches callbacks for registered event sources. Construct a loop
// with New, and drive it by calling RunOnce repeatedly from one goroutine.
type Loop struct {
	p *poller

	μ      sync.Mutex
	closed bool
	posts  *queue.Queue // of func()
	timers timerHeap
	seq    uint64 // timer insertion order, for ties
	idles  []*Idle
}

// New constructs a new loop. It reports an error if the underlying poller
// could not be created.
func New() (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{p: p, posts: queue.New()}, nil
}

// Post schedules fn to be called by the next iteration of the loop, and wakes
// the loop if it is blocked. Posted functions run in order of posting.
func (l *Loop) Post(fn func()) error {
	l.μ.Lock()
	if l.closed {
		l.μ.Unlock()
		return ErrClosed
	}
	l.posts.Add(fn)
	l.μ.Unlock()
	l.Wake()
	return nil
}

// Wake interrupts a blocked call to RunOnce. If no call is blocked, the next
// call returns without waiting.
func (l *Loop) Wake() { l.p.wake() }

// AfterFunc registers fn to be called once by the loop after at least d has
// elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (*Timer, error) {
	l.μ.Lock()
	if l.closed {
		l.μ.Unlock()
		return nil, ErrClosed
	}
	l.seq++
	t := &Timer{l: l, when: time.Now().Add(d), seq: l.seq, fn: fn}
	heap.Push(&l.timers, t)
	l.μ.Unlock()

	// The new timer may be earlier than the one the loop is waiting for.
	l.Wake()
	return t, nil
}

// AddDefer registers fn as a deferred callback. The callback is initially
// enabled, and runs once at the end of each loop iteration in which it is
// enabled. Running the callback disables it until Enable is called again.
func (l *Loop) AddDefer(fn func()) (*Idle, error) {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	d := &Idle{l: l, fn: fn, enabled: true}
	l.idles = append(l.idles, d)
	l.p.wake()
	return d, nil
}

// WatchFD registers fn to be called when fd becomes ready for any of the
// specified events. The watch is created disarmed; call Arm to enable
// delivery of a single readiness notification.
func (l *Loop) WatchFD(fd int, events Events, fn func(Events)) (*Watch, error) {
	l.μ.Lock()
	closed := l.closed
	l.μ.Unlock()
	if closed {
		return nil, ErrClosed
	}
	w := &Watch{p: l.p, fd: fd, events: events, fn: fn}
	if err := l.p.add(w); err != nil {
		return nil, err
	}
	return w, nil
}

// RunOnce runs a single iteration of the loop. It waits until a file
// descriptor is ready, a timer expires, a function is posted, a deferred
// callback is enabled, Wake is called, or maxWait elapses. A negative maxWait
// means there is no bound. It then invokes the callbacks for all ready
// sources.
//
// RunOnce must not be called concurrently with itself or Close.
func (l *Loop) RunOnce(maxWait time.Duration) error {
	l.μ.Lock()
	if l.closed {
		l.μ.Unlock()
		return ErrClosed
	}
	timeout := l.timeoutLocked(maxWait)
	l.μ.Unlock()

	ready, err := l.p.wait(timeout)
	if err != nil {
		return err
	}
	for _, r := range ready {
		r.fn(r.events)
	}
	l.runTimers()
	l.runPosts()
	l.runIdles()
	return nil
}

// timeoutLocked reports the poll timeout in milliseconds, rounded up so that
// the loop does not wake before the earliest timer is due.
func (l *Loop) timeoutLocked(maxWait time.Duration) int {
	if l.posts.Length() != 0 {
		return 0
	}
	for _, d := range l.idles {
		if d.enabled {
			return 0
		}
	}
	wait := maxWait
	if len(l.timers) != 0 {
		due := max(time.Until(l.timers[0].when), 0)
		if wait < 0 || due < wait {
			wait = due
		}
	}
	if wait < 0 {
		return -1
	}
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) runTimers() {
	now := time.Now()
	var due []func()

	l.μ.Lock()
	for len(l.timers) != 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		due = append(due, t.fn)
	}
	l.μ.Unlock()

	for _, fn := range due {
		fn()
	}
}

func (l *Loop) runPosts() {
	l.μ.Lock()
	fns := make([]func(), 0, l.posts.Length())
	for l.posts.Length() != 0 {
		fns = append(fns, l.posts.Remove().(func()))
	}
	l.μ.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (l *Loop) runIdles() {
	var fns []func()
	l.μ.Lock()
	for _, d := range l.idles {
		if d.enabled {
			d.enabled = false
			fns = append(fns, d.fn)
		}
	}
	l.μ.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Close closes the loop and releases its poller. Pending timers, posted
// functions, and deferred callbacks are discarded without being called.
func (l *Loop) Close() error {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	l.timers = nil
	l.idles = nil
	for l.posts.Length() != 0 {
		l.posts.Remove()
	}
	return l.p.close()
}

// A Timer is a one-shot timer registered by [Loop.AfterFunc].
type Timer struct {
	l     *Loop
	when  time.Time
	seq   uint64
	fn    func()
	index int // position in the heap, or -1
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer, false if the timer already fired or was stopped.
func (t *Timer) Stop() bool {
	t.l.μ.Lock()
	defer t.l.μ.Unlock()
	if t.index < 0 || t.index >= len(t.l.timers) || t.l.timers[t.index] != t {
		return false
	}
	heap.Remove(&t.l.timers, t.index)
	return true
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// An Idle is a deferred callback registered by [Loop.AddDefer].
type Idle struct {
	l       *Loop
	fn      func()
	enabled bool // protected by l.μ
	closed  bool // protected by l.μ
}

// Enable arranges for the callback to run at the end of the next loop
// iteration. Enabling an already-enabled callback has no further effect.
func (d *Idle) Enable() {
	d.l.μ.Lock()
	defer d.l.μ.Unlock()
	if !d.closed && !d.l.closed {
		d.enabled = true
		d.l.p.wake()
	}
}

// Close unregisters the callback. It is safe to call Close more than once.
func (d *Idle) Close() {
	d.l.μ.Lock()
	defer d.l.μ.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.enabled = false
	for i, v := range d.l.idles {
		if v == d {
			d.l.idles = append(d.l.idles[:i], d.l.idles[i+1:]...)
			break
		}
	}
}

// A Watch is a file descriptor readiness registration created by
// [Loop.WatchFD]. Each call to Arm enables at most one notification.
type Watch struct {
	p      *poller
	fd     int
	events Events
	fn     func(Events)
}

// FD reports the file descriptor watched by w.
func (w *Watch) FD() int { return w.fd }

// Arm enables a single readiness notification for w.
func (w *Watch) Arm() error { return w.p.modify(w, true) }

// Disarm disables any pending readiness notification for w.
func (w *Watch) Disarm() error { return w.p.modify(w, false) }

// Close unregisters w. It does not close the file descriptor.
func (w *Watch) Close() error { return w.p.remove(w) }

type readyWatch struct {
	fn     func(Events)
	events Events
}
