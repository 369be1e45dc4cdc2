// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

// Void is the value type of senders that complete without a result.
type Void = struct{}

// A Receiver consumes the outcome of an asynchronous operation. Exactly one
// of its methods is called, exactly once, when the operation completes.
type Receiver[T any] interface {
	// SetValue reports successful completion with a value.
	SetValue(T)

	// SetError reports completion with an error.
	SetError(error)

	// SetStopped reports that the operation was abandoned without a result.
	SetStopped()
}

// An Operation is a sender connected to a receiver, ready to start.
type Operation interface {
	// Start begins the operation. The receiver may be completed before Start
	// returns, or later by another goroutine.
	Start()
}

// A Sender describes an asynchronous operation that has not yet started.
// Connecting a sender to a receiver yields an operation; the sender does no
// work until that operation is started.
type Sender[T any] interface {
	Connect(Receiver[T]) Operation
}

// OperationFunc adapts a function to the Operation interface.
type OperationFunc func()

// Start calls f.
func (f OperationFunc) Start() { f() }

// senderFunc is a sender whose operation calls the function with the
// connected receiver.
type senderFunc[T any] func(Receiver[T])

func (f senderFunc[T]) Connect(r Receiver[T]) Operation {
	return OperationFunc(func() { f(r) })
}

// contextReceiver is implemented by receivers that know the Context on which
// their operation runs. Tasks use it to find their execution context.
type contextReceiver interface {
	Context() *Context
}

func receiverContext(r any) *Context {
	if cr, ok := r.(contextReceiver); ok {
		return cr.Context()
	}
	return nil
}

// Just returns a sender that completes immediately with v.
func Just[T any](v T) Sender[T] {
	return senderFunc[T](func(r Receiver[T]) { r.SetValue(v) })
}

// Fail returns a sender that completes immediately with err.
func Fail[T any](err error) Sender[T] {
	return senderFunc[T](func(r Receiver[T]) { r.SetError(err) })
}

// Then returns a sender that completes with the result of applying f to the
// value of s. Errors and stops from s are passed through without calling f.
// The function f runs on whatever goroutine completes s, so it should not
// block.
func Then[T, U any](s Sender[T], f func(T) (U, error)) Sender[U] {
	return senderFunc[U](func(r Receiver[U]) {
		s.Connect(thenReceiver[T, U]{next: r, f: f}).Start()
	})
}

type thenReceiver[T, U any] struct {
	next Receiver[U]
	f    func(T) (U, error)
}

func (t thenReceiver[T, U]) SetValue(v T) {
	u, err := t.f(v)
	if err != nil {
		t.next.SetError(err)
	} else {
		t.next.SetValue(u)
	}
}

func (t thenReceiver[T, U]) SetError(err error) { t.next.SetError(err) }
func (t thenReceiver[T, U]) SetStopped() { t.next.SetStopped() }
func (t thenReceiver[T, U]) Context() *Context { return receiverContext(t.next) }
