// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// A Mutex is a mutual exclusion lock for tasks. Tasks waiting to acquire the
// lock suspend rather than blocking their goroutine, and acquire the lock in
// the order they requested it. A zero Mutex is unlocked and ready for use.
//
// Typical use within a task body:
//
//	corun.Await(co, m.Lock())
//	defer m.Unlock()
type Mutex struct {
	μ       sync.Mutex
	locked  bool
	waiters *queue.Queue[Receiver[Void]]
}

// Lock returns a sender that completes when the caller holds m. If m is
// unlocked the sender completes immediately.
func (m *Mutex) Lock() Sender[Void] {
	return senderFunc[Void](func(r Receiver[Void]) {
		m.μ.Lock()
		if !m.locked {
			m.locked = true
			m.μ.Unlock()
			r.SetValue(Void{})
			return
		}
		if m.waiters == nil {
			m.waiters = queue.New[Receiver[Void]]()
		}
		m.waiters.Add(r)
		m.μ.Unlock()
	})
}

// Unlock releases m. If tasks are waiting, ownership passes directly to the
// earliest waiter, so no other Lock can acquire m in between.
//
// Unlock panics with a *Violation if m is not locked.
func (m *Mutex) Unlock() {
	m.μ.Lock()
	if !m.locked {
		m.μ.Unlock()
		panic(violation("Mutex.Unlock", "mutex is not locked"))
	}
	var next Receiver[Void]
	if m.waiters != nil {
		next, _ = m.waiters.Pop()
	}
	if next == nil {
		m.locked = false
	}
	m.μ.Unlock()

	if next != nil {
		next.SetValue(Void{})
	}
}
