// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun_test

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/corun"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestMutex(t *testing.T) {
	defer leaktest.Check(t)()
	c := newContext(t)

	var m corun.Mutex
	var counter, inside int
	update := func(delta int) func(*corun.Co) error {
		return func(co *corun.Co) error {
			corun.Await(co, m.Lock())
			defer m.Unlock()

			inside++
			if inside != 1 {
				t.Errorf("Lock held by %d tasks at once", inside)
			}
			// Yield while holding the lock, so that other tasks contend for it.
			if _, err := corun.Await(co, c.Scheduler().Schedule()); err != nil {
				return err
			}
			counter += delta
			inside--
			return nil
		}
	}
	for range 10 {
		mustGo(t, c, update(1))
		mustGo(t, c, update(-2))
	}
	runToCompletion(t, c)

	if counter != -10 {
		t.Errorf("Counter: got %d, want -10", counter)
	}
}

func TestMutexOrder(t *testing.T) {
	var m corun.Mutex

	first := newRecorder[corun.Void]()
	m.Lock().Connect(first).Start()
	if _, ok := first.poll(); !ok {
		t.Fatal("Lock of an unlocked mutex did not complete")
	}

	var waiters []recorder[corun.Void]
	for range 3 {
		r := newRecorder[corun.Void]()
		m.Lock().Connect(r).Start()
		waiters = append(waiters, r)
	}
	for i, r := range waiters {
		if _, ok := r.poll(); ok {
			t.Fatalf("Waiter %d acquired a locked mutex", i)
		}
	}

	// Each unlock hands the mutex to exactly the earliest waiter.
	for i, r := range waiters {
		m.Unlock()
		if _, ok := r.poll(); !ok {
			t.Errorf("Unlock %d: waiter %d was not resumed", i+1, i)
		}
		for j, w := range waiters[i+1:] {
			if _, ok := w.poll(); ok {
				t.Errorf("Unlock %d: waiter %d resumed out of order", i+1, i+j+1)
			}
		}
	}

	m.Unlock()
	mustViolate(t, m.Unlock)
}

func TestScope(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Empty", func(t *testing.T) {
		c := newContext(t)
		var done int
		mustGo(t, c, func(co *corun.Co) error {
			s := c.NewScope()
			defer s.Close()
			for i := range 3 {
				s.Go(func(co *corun.Co) error {
					_, err := corun.Await(co, corun.SleepFor(c, time.Duration(i+1)*10*time.Millisecond))
					done++
					return err
				})
			}
			if _, err := corun.Await(co, s.Empty()); err != nil {
				return err
			}
			if done != 3 {
				t.Errorf("Empty resolved with %d of 3 tasks done", done)
			}
			if n := s.Pending(); n != 0 {
				t.Errorf("Pending: got %d, want 0", n)
			}
			return nil
		})
		runToCompletion(t, c)
	})

	t.Run("OneError", func(t *testing.T) {
		c := newContext(t)
		errBoom := errors.New("boom")
		mustGo(t, c, func(co *corun.Co) error {
			s := c.NewScope()
			defer s.Close()
			s.Go(func(co *corun.Co) error {
				corun.Await(co, corun.SleepFor(c, 10*time.Millisecond))
				return errBoom
			})
			for range 2 {
				s.Go(func(co *corun.Co) error {
					_, err := corun.Await(co, corun.SleepFor(c, 50*time.Millisecond))
					return err
				})
			}

			// The failure is delivered as soon as it occurs, and only once.
			if _, err := corun.Await(co, s.Empty()); !errors.Is(err, errBoom) {
				t.Errorf("Empty: got %v, want %v", err, errBoom)
			}
			if _, err := corun.Await(co, s.Empty()); err != nil {
				t.Errorf("Empty: got %v, want nil", err)
			}
			if n := s.Pending(); n != 0 {
				t.Errorf("Pending: got %d, want 0", n)
			}
			return nil
		})
		runToCompletion(t, c)
	})

	t.Run("ClosePending", func(t *testing.T) {
		c := newContext(t)
		d, err := corun.NewDefer(c)
		if err != nil {
			t.Fatalf("NewDefer: %v", err)
		}

		// The loop is not running, so the deferred source cannot fire.
		s := c.NewScope()
		s.Spawn(d.Next())
		if n := s.Pending(); n != 1 {
			t.Errorf("Pending: got %d, want 1", n)
		}
		mustViolate(t, s.Close)

		// Closing the source stops the task, after which the scope is empty.
		d.Close()
		if n := s.Pending(); n != 0 {
			t.Errorf("Pending after stop: got %d, want 0", n)
		}
		s.Close()
	})

	t.Run("Unstarted", func(t *testing.T) {
		c := newContext(t)
		s := c.NewScope()
		r := newRecorder[corun.Void]()
		s.Empty().Connect(r).Start()
		if got, ok := r.poll(); ok {
			t.Errorf("Empty of an unstarted scope resolved: %+v", got)
		}

		// Closing the scope stops the pending awaiter.
		s.Close()
		if diff := cmp.Diff(result[corun.Void]{stopped: true}, mustPoll(t, r),
			cmp.AllowUnexported(result[corun.Void]{})); diff != "" {
			t.Errorf("Empty after Close (-want, +got):\n%s", diff)
		}
	})
}

func mustPoll[T any](t *testing.T, r recorder[T]) result[T] {
	t.Helper()
	v, ok := r.poll()
	if !ok {
		t.Fatal("Receiver was not completed")
	}
	return v
}
