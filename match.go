// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"iter"
	"sync"

	"github.com/creachadair/corun/bus"
	"github.com/eapache/queue"
)

// A Match is an event source that yields the bus messages satisfying a
// filter rule. Messages that arrive while no task is waiting are buffered, and
// delivered in arrival order by later calls to Next.
//
// The buffer is not bounded: a Match that is not consumed retains every
// message it receives until it is closed.
type Match struct {
	slot *bus.Slot

	μ      sync.Mutex
	queue  *queue.Queue           // of *bus.Message
	armed  Receiver[*bus.Message] // the waiting receiver, or nil
	closed bool
}

// NewMatch subscribes to messages on the bus of c that satisfy rule, in the
// syntax of [bus.ParseRule]. An invalid rule is reported immediately.
func NewMatch(c *Context, rule string) (*Match, error) {
	m := &Match{queue: queue.New()}
	slot, err := c.bus.AddMatch(rule, m.deliver)
	if err != nil {
		return nil, err
	}
	m.slot = slot
	return m, nil
}

// Rule reports the filter rule of m.
func (m *Match) Rule() bus.Rule { return m.slot.Rule() }

// Buffered reports the number of received messages not yet consumed.
func (m *Match) Buffered() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.queue.Length()
}

func (m *Match) deliver(msg *bus.Message) {
	ctxMetrics.messagesMatched.Add(1)
	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return
	}
	r := m.armed
	if r == nil {
		m.queue.Add(msg)
		m.μ.Unlock()
		return
	}
	m.armed = nil
	m.μ.Unlock()

	r.SetValue(msg)
}

// Next returns a sender that completes with the oldest buffered message, or
// with the next message to arrive if none is buffered. At most one awaiter of
// Next may be pending at a time; starting a second one panics with a
// *Violation.
func (m *Match) Next() Sender[*bus.Message] {
	return senderFunc[*bus.Message](func(r Receiver[*bus.Message]) {
		m.μ.Lock()
		if m.armed != nil {
			m.μ.Unlock()
			panic(violation("Match.Next", "another awaiter is already pending"))
		} else if m.closed {
			m.μ.Unlock()
			r.SetStopped()
			return
		} else if m.queue.Length() != 0 {
			msg := m.queue.Remove().(*bus.Message)
			m.μ.Unlock()
			r.SetValue(msg)
			return
		}
		m.armed = r
		m.μ.Unlock()
	})
}

// Messages returns an iterator over the messages of m, awaiting each in turn
// from the task running co. If m is closed while the task is waiting, the
// task is abandoned and the iteration does not return.
func (m *Match) Messages(co *Co) iter.Seq[*bus.Message] {
	return func(yield func(*bus.Message) bool) {
		for {
			msg, err := Await(co, m.Next())
			if err != nil || !yield(msg) {
				return
			}
		}
	}
}

// Close unsubscribes m and discards its buffered messages. A task waiting on
// Next is stopped, and never resumes.
func (m *Match) Close() {
	m.slot.Close()

	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return
	}
	m.closed = true
	r := m.armed
	m.armed = nil
	for m.queue.Length() != 0 {
		m.queue.Remove()
	}
	m.μ.Unlock()

	if r != nil {
		r.SetStopped()
	}
}
