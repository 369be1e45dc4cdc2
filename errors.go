// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is reported by a timed FDIO source when its timeout elapses
	// before the descriptor becomes ready.
	ErrTimeout = errors.New("operation timed out")

	// ErrStopped is reported by Spawn when stop has been requested.
	ErrStopped = errors.New("context is stopping")

	// ErrRunning is reported by Run when another call to Run is active.
	ErrRunning = errors.New("context is already running")
)

// A Violation is the panic value for a broken concurrency invariant, such as
// two concurrent awaiters on a single-consumer source, closing a scope with
// pending tasks, or unlocking a mutex that is not locked. Task runners do not
// recover violations, so an unhandled Violation terminates the program.
type Violation struct {
	Op      string // the operation that detected the violation
	Message string
}

func (v *Violation) Error() string { return fmt.Sprintf("%s: %s", v.Op, v.Message) }

func violation(op, msg string) *Violation { return &Violation{Op: op, Message: msg} }

// PanicError is the error reported by a task whose body panicked.
type PanicError struct {
	Value any // the value recovered from the panic
}

func (p *PanicError) Error() string { return fmt.Sprintf("task panicked (recovered): %v", p.Value) }

// Unwrap reports the panic value if it is an error, otherwise nil.
func (p *PanicError) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}
