// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun_test

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/creachadair/corun"
	"github.com/creachadair/corun/bus"
	"github.com/creachadair/corun/conns"
	"github.com/creachadair/corun/loop"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func mustPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return r, w
}

func mustSignal(t *testing.T, member string, args ...string) *bus.Message {
	t.Helper()
	m, err := bus.NewSignal("/test", "org.test.Events", member, nil, args...)
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	return m
}

func TestDefer(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Fire", func(t *testing.T) {
		c := newContext(t)
		d, err := corun.NewDefer(c)
		if err != nil {
			t.Fatalf("NewDefer: %v", err)
		}
		defer d.Close()

		var fired int
		mustGo(t, c, func(co *corun.Co) error {
			for range 3 {
				if _, err := corun.Await(co, d.Next()); err != nil {
					return err
				}
				fired++
			}
			return nil
		})
		runToCompletion(t, c)
		if fired != 3 {
			t.Errorf("Fired: got %d, want 3", fired)
		}
	})

	t.Run("Remembered", func(t *testing.T) {
		c := newContext(t)
		d, err := corun.NewDefer(c)
		if err != nil {
			t.Fatalf("NewDefer: %v", err)
		}
		defer d.Close()

		mustGo(t, c, func(co *corun.Co) error {
			// While the task sleeps, the source fires with nobody waiting.
			if _, err := corun.Await(co, corun.SleepFor(c, 10*time.Millisecond)); err != nil {
				return err
			}
			r := newRecorder[corun.Void]()
			d.Next().Connect(r).Start()
			if _, ok := r.poll(); !ok {
				t.Error("Next did not complete from the remembered firing")
			}
			return nil
		})
		runToCompletion(t, c)
	})

	t.Run("Violation", func(t *testing.T) {
		c := newContext(t)
		d, err := corun.NewDefer(c)
		if err != nil {
			t.Fatalf("NewDefer: %v", err)
		}

		r := newRecorder[corun.Void]()
		d.Next().Connect(r).Start()
		mustViolate(t, func() { d.Next().Connect(newRecorder[corun.Void]()).Start() })

		d.Close()
		if got := mustPoll(t, r); !got.stopped {
			t.Errorf("Next after Close: got %+v, want stopped", got)
		}
	})
}

func TestFDIO(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Timeout", func(t *testing.T) {
		c := newContext(t)
		rp, _ := mustPipe(t)
		f, err := corun.NewTimedFDIO(c, int(rp.Fd()), 1000*time.Microsecond)
		if err != nil {
			t.Fatalf("NewTimedFDIO: %v", err)
		}
		defer f.Close()

		var elapsed time.Duration
		mustGo(t, c, func(co *corun.Co) error {
			start := time.Now()
			_, err := corun.Await(co, f.Next())
			elapsed = time.Since(start)
			if !errors.Is(err, corun.ErrTimeout) {
				t.Errorf("Next: got %v, want %v", err, corun.ErrTimeout)
			}
			return nil
		})
		runToCompletion(t, c)
		if elapsed < time.Millisecond || elapsed > 100*time.Millisecond {
			t.Errorf("Timeout took %v, want about 1ms", elapsed)
		}
	})

	t.Run("Rearm", func(t *testing.T) {
		c := newContext(t)
		rp, wp := mustPipe(t)
		f, err := corun.NewTimedFDIO(c, int(rp.Fd()), 20*time.Millisecond)
		if err != nil {
			t.Fatalf("NewTimedFDIO: %v", err)
		}
		defer f.Close()

		// Each await has exactly one outcome, and a timed-out await leaves
		// nothing behind to complete the next one.
		var got []string
		mustGo(t, c, func(co *corun.Co) error {
			for i := range 3 {
				if i == 1 {
					if _, err := wp.WriteString("x"); err != nil {
						return err
					}
				}
				_, err := corun.Await(co, f.Next())
				switch {
				case errors.Is(err, corun.ErrTimeout):
					got = append(got, "timeout")
				case err != nil:
					return err
				default:
					got = append(got, "ready")
					if _, err := rp.Read(make([]byte, 1)); err != nil {
						return err
					}
				}
			}
			return nil
		})
		runToCompletion(t, c)
		if diff := cmp.Diff([]string{"timeout", "ready", "timeout"}, got); diff != "" {
			t.Errorf("Outcomes (-want, +got):\n%s", diff)
		}
	})

	t.Run("Readable", func(t *testing.T) {
		c := newContext(t)
		rp, wp := mustPipe(t)
		f, err := corun.NewTimedFDIO(c, int(rp.Fd()), 5*time.Second)
		if err != nil {
			t.Fatalf("NewTimedFDIO: %v", err)
		}
		defer f.Close()

		mustGo(t, c, func(co *corun.Co) error {
			ev, err := corun.Await(co, f.Next())
			if err != nil {
				return err
			}
			if ev&loop.Readable == 0 {
				t.Errorf("Next: got events %v, want readable", ev)
			}
			buf := make([]byte, 16)
			n, err := rp.Read(buf)
			if err != nil {
				return err
			}
			if got := string(buf[:n]); got != "ping" {
				t.Errorf("Read: got %q, want ping", got)
			}
			return nil
		})
		mustGo(t, c, func(co *corun.Co) error {
			if _, err := corun.Await(co, corun.SleepFor(c, 10*time.Millisecond)); err != nil {
				return err
			}
			_, err := wp.WriteString("ping")
			return err
		})
		runToCompletion(t, c)
	})

	t.Run("Violation", func(t *testing.T) {
		c := newContext(t)
		rp, _ := mustPipe(t)
		f, err := corun.NewFDIO(c, int(rp.Fd()))
		if err != nil {
			t.Fatalf("NewFDIO: %v", err)
		}
		if got := f.FD(); got != int(rp.Fd()) {
			t.Errorf("FD: got %d, want %d", got, rp.Fd())
		}

		r := newRecorder[loop.Events]()
		f.Next().Connect(r).Start()
		mustViolate(t, func() { f.Next().Connect(newRecorder[loop.Events]()).Start() })

		if err := f.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
		if got := mustPoll(t, r); !got.stopped {
			t.Errorf("Next after Close: got %+v, want stopped", got)
		}
	})
}

func TestMatch(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Buffered", func(t *testing.T) {
		c := newContext(t)
		m, err := corun.NewMatch(c, "type='signal',interface='org.test.Events'")
		if err != nil {
			t.Fatalf("NewMatch: %v", err)
		}
		defer m.Close()

		// Messages arriving with no waiter are kept in arrival order.
		want := []string{"A", "B", "C"}
		for _, name := range want {
			c.Bus().Deliver(mustSignal(t, name))
		}
		c.Bus().Deliver(&bus.Message{Type: bus.TypeSignal, Interface: "org.other", Member: "X"})
		if n := m.Buffered(); n != len(want) {
			t.Errorf("Buffered: got %d, want %d", n, len(want))
		}

		var got []string
		mustGo(t, c, func(co *corun.Co) error {
			for msg := range m.Messages(co) {
				got = append(got, msg.Member)
				if len(got) == len(want) {
					break
				}
			}
			return nil
		})
		runToCompletion(t, c)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Messages (-want, +got):\n%s", diff)
		}
	})

	t.Run("Waiting", func(t *testing.T) {
		c := newContext(t)
		m, err := corun.NewMatch(c, "member='Ping'")
		if err != nil {
			t.Fatalf("NewMatch: %v", err)
		}
		defer m.Close()

		mustGo(t, c, func(co *corun.Co) error {
			msg, err := corun.Await(co, m.Next())
			if err != nil {
				return err
			}
			if got := msg.Args; len(got) != 1 || got[0] != "hello" {
				t.Errorf("Args: got %q, want [hello]", got)
			}
			return nil
		})
		mustGo(t, c, func(co *corun.Co) error {
			if _, err := corun.Await(co, c.Scheduler().Schedule()); err != nil {
				return err
			}
			return c.Bus().Deliver(mustSignal(t, "Ping", "hello"))
		})
		runToCompletion(t, c)
	})

	t.Run("Closed", func(t *testing.T) {
		c := newContext(t)
		m, err := corun.NewMatch(c, "")
		if err != nil {
			t.Fatalf("NewMatch: %v", err)
		}

		var resumed, cleanup bool
		mustGo(t, c, func(co *corun.Co) error {
			defer func() { cleanup = true }()
			corun.Await(co, m.Next())
			resumed = true
			return nil
		})
		mustGo(t, c, func(co *corun.Co) error {
			if _, err := corun.Await(co, c.Scheduler().Schedule()); err != nil {
				return err
			}
			m.Close()

			// A message arriving after close is discarded.
			return c.Bus().Deliver(mustSignal(t, "Late"))
		})
		runToCompletion(t, c)

		if resumed {
			t.Error("Task resumed after its match was closed")
		}
		if !cleanup {
			t.Error("Abandoned task did not run its deferred calls")
		}
		if n := m.Buffered(); n != 0 {
			t.Errorf("Buffered: got %d, want 0", n)
		}
	})

	t.Run("Remote", func(t *testing.T) {
		loc := conns.NewLocal()
		defer loc.Stop()

		c, err := corun.New(&corun.Options{Bus: loc.B})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer c.Close()

		m, err := corun.NewMatch(c, "sender='local.A',member='Ping'")
		if err != nil {
			t.Fatalf("NewMatch: %v", err)
		}
		defer m.Close()

		mustGo(t, c, func(co *corun.Co) error {
			msg, err := corun.Await(co, m.Next())
			if err != nil {
				return err
			}
			if msg.Sender != "local.A" {
				t.Errorf("Sender: got %q, want local.A", msg.Sender)
			}
			return nil
		})
		if err := loc.A.Emit(mustSignal(t, "Ping")); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		runToCompletion(t, c)
	})

	t.Run("RemoteReuse", func(t *testing.T) {
		loc := conns.NewLocal()
		defer loc.Stop()

		c, err := corun.New(&corun.Options{Bus: loc.B})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer c.Close()

		m, err := corun.NewMatch(c, "member='Ping'")
		if err != nil {
			t.Fatalf("NewMatch: %v", err)
		}
		defer m.Close()

		// The sender reuses one message, and the receiver must see each
		// emission as it was sent.
		msg := mustSignal(t, "Ping", "first")
		if err := loc.A.Emit(msg); err != nil {
			t.Fatalf("Emit 1: %v", err)
		}
		msg.Args[0] = "second"
		if err := loc.A.Emit(msg); err != nil {
			t.Fatalf("Emit 2: %v", err)
		}

		var got []string
		mustGo(t, c, func(co *corun.Co) error {
			for range 2 {
				msg, err := corun.Await(co, m.Next())
				if err != nil {
					return err
				}
				got = append(got, fmt.Sprintf("%d:%s", msg.Serial, msg.Args[0]))
			}
			return nil
		})
		runToCompletion(t, c)
		if diff := cmp.Diff([]string{"1:first", "2:second"}, got); diff != "" {
			t.Errorf("Messages (-want, +got):\n%s", diff)
		}
	})

	t.Run("BadRule", func(t *testing.T) {
		c := newContext(t)
		if m, err := corun.NewMatch(c, "member=Ping"); err == nil {
			t.Errorf("NewMatch: got %v, want error", m.Rule())
		}
	})

	t.Run("Violation", func(t *testing.T) {
		c := newContext(t)
		m, err := corun.NewMatch(c, "")
		if err != nil {
			t.Fatalf("NewMatch: %v", err)
		}

		r := newRecorder[*bus.Message]()
		m.Next().Connect(r).Start()
		mustViolate(t, func() { m.Next().Connect(newRecorder[*bus.Message]()).Start() })

		m.Close()
		if got := mustPoll(t, r); !got.stopped {
			t.Errorf("Next after Close: got %+v, want stopped", got)
		}
	})
}
