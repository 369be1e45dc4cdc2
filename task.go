// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"runtime"
	"sync/atomic"
)

// A Co is the handle a task body uses to await senders. It is valid only
// within the body it was passed to.
type Co struct {
	c *Context
}

// Context reports the context on which the task is running.
func (co *Co) Context() *Context { return co.c }

// A Task is a lazily-started coroutine producing a value of type T.  A task
// is itself a Sender: its body does not begin until the task is spawned on a
// Context, or awaited by another task. Each connection of the task runs the
// body anew.
//
// If the body panics, the task reports a *PanicError. A panic whose value is
// a *Violation is not recovered.
type Task[T any] struct {
	body func(*Co) (T, error)
}

// NewTask constructs a task that runs body.
func NewTask[T any](body func(*Co) (T, error)) *Task[T] {
	return &Task[T]{body: body}
}

// Connect implements the Sender interface. The receiver must report the
// context on which to run the task; receivers supplied by Spawn, Scope, and
// Await do so.
func (t *Task[T]) Connect(r Receiver[T]) Operation {
	return OperationFunc(func() {
		c := receiverContext(r)
		if c == nil {
			panic("task connected to a receiver without a context")
		}
		t.start(c, r)
	})
}

// start runs the body of t on a new goroutine holding the execution token of
// c, and reports its outcome to r after releasing the token.
func (t *Task[T]) start(c *Context, r Receiver[T]) {
	co := &Co{c: c}
	go func() {
		c.acquire()
		finished := false
		defer func() {
			if !finished {
				// The body exited without returning: an awaited operation
				// was abandoned, so this task is abandoned too.
				c.release()
				r.SetStopped()
			}
		}()
		v, err := t.call(co)
		finished = true
		c.release()
		if err != nil {
			r.SetError(err)
		} else {
			r.SetValue(v)
		}
	}()
}

// call runs the body of t on the calling goroutine.
func (t *Task[T]) call(co *Co) (_ T, err error) {
	defer func() {
		if x := recover(); x != nil {
			if v, ok := x.(*Violation); ok {
				panic(v)
			}
			err = &PanicError{Value: x}
		}
	}()
	return t.body(co)
}

// Await starts s and suspends the calling task until s completes. It returns
// the value or error reported by s.
//
// If s is a *Task, its body runs directly on the calling goroutine. Otherwise
// the calling task releases its context while it waits, allowing other tasks
// on the same context to run.
//
// If s reports that it was stopped, Await does not return: the calling task
// is abandoned, its deferred calls run, and its own awaiter (if any) observes
// the stop in turn.
func Await[T any](co *Co, s Sender[T]) (T, error) {
	if t, ok := s.(*Task[T]); ok {
		return t.call(co)
	}

	a := &awaiter[T]{c: co.c, done: make(chan struct{})}
	s.Connect(a).Start()
	select {
	case <-a.done:
		// Completed synchronously, keep running.
	default:
		co.c.release()
		<-a.done
		co.c.acquire()
	}
	if a.stopped {
		runtime.Goexit()
	}
	return a.value, a.err
}

// awaiter is the receiver connected by Await.
type awaiter[T any] struct {
	c     *Context
	fired atomic.Bool
	done  chan struct{}

	value   T
	err     error
	stopped bool
}

func (a *awaiter[T]) complete(set func()) {
	if !a.fired.CompareAndSwap(false, true) {
		panic(violation("Await", "operation completed more than once"))
	}
	set()
	close(a.done)
}

func (a *awaiter[T]) SetValue(v T) { a.complete(func() { a.value = v }) }
func (a *awaiter[T]) SetError(err error) { a.complete(func() { a.err = err }) }
func (a *awaiter[T]) SetStopped() { a.complete(func() { a.stopped = true }) }
func (a *awaiter[T]) Context() *Context { return a.c }
