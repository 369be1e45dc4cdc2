// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"fmt"
	"sync"

	"github.com/creachadair/mds/queue"
)

// A Scope tracks a dynamic set of child tasks spawned on a Context, and
// collects the errors they report. Use Empty to wait for the children to
// finish, and Close when the scope is no longer needed.
//
// Errors from children are delivered one at a time, oldest first, across
// repeated awaits of Empty.
type Scope struct {
	c *Context

	μ       sync.Mutex
	count   int
	started bool
	errs    *queue.Queue[error]
	waiter  Receiver[Void]
	closed  bool
	onEnd   func() // called after each task ends, if set
}

// NewScope returns a new empty scope whose tasks run on c.
func (c *Context) NewScope() *Scope { return newScope(c) }

func newScope(c *Context) *Scope {
	return &Scope{c: c, errs: queue.New[error]()}
}

// Spawn starts s as a child of the scope.
func (s *Scope) Spawn(snd Sender[Void]) {
	s.startedTask()
	snd.Connect(scopeReceiver{s}).Start()
}

// Go starts a task running f as a child of the scope.
func (s *Scope) Go(f func(*Co) error) {
	s.Spawn(NewTask(func(co *Co) (Void, error) { return Void{}, f(co) }))
}

// Pending reports the number of children that have not yet finished.
func (s *Scope) Pending() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.count
}

func (s *Scope) startedTask() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.count++
	s.started = true
}

func (s *Scope) endedTask(err error) {
	s.μ.Lock()
	if s.count <= 0 {
		s.μ.Unlock()
		panic(violation("Scope", "task ended with no pending tasks"))
	}
	s.count--
	if err != nil {
		s.errs.Add(err)
	}
	var w Receiver[Void]
	var werr error
	if s.waiter != nil && (s.count == 0 || s.errs.Len() != 0) {
		w, s.waiter = s.waiter, nil
		werr, _ = s.errs.Pop()
	}
	onEnd := s.onEnd
	s.μ.Unlock()

	// Complete the waiter outside the lock, it may spawn again.
	if w != nil {
		completeVoid(w, werr)
	}
	if onEnd != nil {
		onEnd()
	}
}

// Empty returns a sender that completes when the scope has started at least
// one task and has no pending tasks. If any child reported an error that has
// not yet been delivered, the sender instead completes with the oldest such
// error. At most one awaiter of Empty may be pending at a time.
func (s *Scope) Empty() Sender[Void] {
	return senderFunc[Void](func(r Receiver[Void]) {
		s.μ.Lock()
		if s.waiter != nil {
			s.μ.Unlock()
			panic(violation("Scope.Empty", "another awaiter is already pending"))
		}
		if s.closed {
			s.μ.Unlock()
			r.SetStopped()
			return
		}
		if err, ok := s.errs.Pop(); ok {
			s.μ.Unlock()
			r.SetError(err)
			return
		}
		if s.started && s.count == 0 {
			s.μ.Unlock()
			r.SetValue(Void{})
			return
		}
		s.waiter = r
		s.μ.Unlock()
	})
}

// Close releases the scope. It panics with a *Violation if any child task is
// still pending. A pending awaiter of Empty is stopped.
func (s *Scope) Close() {
	s.μ.Lock()
	if s.count != 0 {
		n := s.count
		s.μ.Unlock()
		panic(violation("Scope.Close", fmt.Sprintf("%d tasks still pending", n)))
	}
	s.closed = true
	w := s.waiter
	s.waiter = nil
	s.μ.Unlock()

	if w != nil {
		w.SetStopped()
	}
}

// drainErrors removes and returns all undelivered child errors.
func (s *Scope) drainErrors() []error {
	s.μ.Lock()
	defer s.μ.Unlock()
	var out []error
	for s.errs.Len() != 0 {
		err, _ := s.errs.Pop()
		out = append(out, err)
	}
	return out
}

// scopeReceiver is connected to each child of a scope.
type scopeReceiver struct{ s *Scope }

func (r scopeReceiver) SetValue(Void) { r.s.endedTask(nil) }
func (r scopeReceiver) SetError(err error) { r.s.endedTask(err) }
func (r scopeReceiver) SetStopped() { r.s.endedTask(nil) }
func (r scopeReceiver) Context() *Context { return r.s.c }

func completeVoid(r Receiver[Void], err error) {
	if err != nil {
		r.SetError(err)
	} else {
		r.SetValue(Void{})
	}
}
