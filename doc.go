// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package corun implements a cooperative task scheduler over an event loop,
// using a sender/receiver completion protocol.
//
// # Senders and Receivers
//
// A [Sender] describes an asynchronous operation that has not started.
// Connecting a sender to a [Receiver] yields an [Operation]; starting the
// operation eventually completes the receiver exactly once, with a value, an
// error, or a stop:
//
//	op := s.Connect(r)
//	op.Start()
//
// # Tasks
//
// A [Task] is a coroutine whose body receives a [Co] handle, and uses
// [Await] to suspend until a sender completes:
//
//	t := corun.NewTask(func(co *corun.Co) (int, error) {
//	   if _, err := corun.Await(co, corun.SleepFor(co.Context(), time.Second)); err != nil {
//	      return 0, err
//	   }
//	   return 42, nil
//	})
//
// Tasks are lazy: the body does not run until the task is spawned on a
// [Context] or awaited by another task. Awaiting a task runs its body
// directly, so tasks may await each other recursively. A body that panics
// reports a [*PanicError] to its awaiter.
//
// # Contexts
//
// A [Context] owns an event loop and runs tasks on it. Only one task body
// runs at a time; tasks interleave only when they suspend in Await:
//
//	c, err := corun.New(nil)
//	...
//	c.Go(func(co *corun.Co) error {
//	   defer c.RequestStop()
//	   ...
//	})
//	if err := c.Run(); err != nil {
//	   log.Fatalf("Run: %v", err)
//	}
//
// Run returns when stop has been requested and all spawned tasks have
// finished. Use [Context.Scheduler] to obtain a sender that resumes the
// calling task from the loop.
//
// # Event Sources
//
// The event sources [Defer], [FDIO], and [Match] each wrap one registration
// with the event loop or the bus, and provide a Next method whose sender
// completes at the next firing. [SleepFor] provides a one-shot timer.
//
// Each source admits at most one pending awaiter at a time. Closing a source
// stops its pending awaiter: the waiting task is abandoned and never resumes,
// though its deferred calls do run.
//
// # Synchronization
//
// A [Mutex] provides mutual exclusion between tasks, with waiters acquiring
// the lock in FIFO order. A [Scope] tracks a group of child tasks, and its
// Empty sender completes when they have all finished, reporting their errors
// one at a time.
//
// # Violations
//
// Misuse that breaks a concurrency invariant panics with a [*Violation]:
// awaiting a source that already has a pending awaiter, closing a scope with
// pending tasks, or unlocking a mutex that is not locked. Task bodies do not
// recover violations.
//
// # Metrics
//
// Contexts maintain a collection of metrics, shared by all contexts in the
// process. Use [Context.Metrics] to obtain an [expvar.Map] containing:
//
//   - tasks_spawned: counter of tasks spawned on a context
//   - tasks_active: gauge of spawned tasks not yet finished
//   - tasks_failed: counter of spawned tasks that reported an error
//   - tasks_stopped: counter of spawned tasks abandoned by a stopped await
//   - loop_iterations: counter of event loop iterations run
//   - messages_matched: counter of bus messages received by Match sources
package corun
