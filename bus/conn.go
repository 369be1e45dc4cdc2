// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package bus

import (
	"cmp"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
)

// ErrNotConnected is reported by Emit when the connection has no channel.
var ErrNotConnected = errors.New("connection is not started")

// A Channel is a reliable ordered stream of messages shared by two
// connections.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the message in binary format to the receiver.
	Send(*Message) error

	// Receive the next available message from the channel.
	Recv() (*Message, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A MessageLogger logs a message exchanged with the remote end.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) String() string {
	if m.Sent {
		return fmt.Sprintf("send %v", m.Message)
	}
	return fmt.Sprintf("recv %v", m.Message)
}

// A Conn is one endpoint of a message bus. A zero-valued Conn is ready for
// use, but must not be copied after any method has been called.
//
// Subscriptions registered with AddMatch receive every message delivered to
// the connection, either from the remote end once Start has been called, or
// locally via Deliver. A Conn that has not been started still dispatches
// local deliveries.
//
// Once started, a connection runs until Stop is called, the channel closes,
// or a protocol fatal error occurs. Use Wait to wait for the connection to
// exit and report its status.
type Conn struct {
	in  interface{ Recv() (*Message, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err      error            // protocol fatal error
	name     string           // stamped as sender on emitted messages
	slots    map[uint64]*Slot // slot ID → slot
	nextSlot uint64           // next unused slot ID
	serial   uint32           // last assigned message serial
	mlog     MessageLogger

	onExit func(error)
}

// New constructs a new unstarted connection.
func New() *Conn { return new(Conn) }

// Start starts the connection receiving from ch. The connection runs until
// the channel closes or a protocol fatal error occurs. Start does not block;
// call Wait to wait for the connection to exit and report its status.
func (c *Conn) Start(ch Channel) *Conn {
	c.μ.Lock()
	if c.in != nil {
		c.μ.Unlock()
		panic("connection is already started")
	}
	g := taskgroup.New(nil)
	c.in = ch
	c.tasks = g
	c.err = nil
	c.μ.Unlock()

	c.out.Lock()
	c.out.ch = ch
	c.out.Unlock()

	g.Go(func() error {
		for {
			msg, err := ch.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			busMetrics.messagesRecv.Add(1)
			if err := c.dispatch(msg); err != nil {
				c.fail(err)
				return nil
			}
		}
	})
	return c
}

// SetName sets the sender name stamped on messages emitted by c that do not
// already name a sender. It returns c to permit chaining.
func (c *Conn) SetName(name string) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.name = name
	return c
}

// Metrics returns a metrics map for the connection. It is safe for the caller
// to add additional metrics to the map while the connection is active.
func (c *Conn) Metrics() *expvar.Map { return busMetrics.emap }

// Stop closes the channel and terminates the connection. It blocks until the
// connection has exited and returns its status. After Stop completes it is
// safe to restart the connection with a new channel.
func (c *Conn) Stop() error { c.closeOut(); return c.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until c terminates and reports the error that caused it to
// stop. If c is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (c *Conn) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil // the connection is not running
	}
	t.Wait()

	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()

	c.μ.Lock()
	defer c.μ.Unlock()
	c.in = nil
	c.tasks = nil
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// Emit sends m to the remote end. It assigns the serial number of m, and
// stamps the sender name if m does not have one. Any error sending is
// protocol fatal.
func (c *Conn) Emit(m *Message) error {
	c.μ.Lock()
	if err := c.err; err != nil {
		c.μ.Unlock()
		return err
	}
	c.serial++
	m.Serial = c.serial
	if m.Sender == "" {
		m.Sender = c.name
	}
	c.μ.Unlock()

	// N.B. Do not hold the state lock while sending, as that will block the
	// receiver from dispatching messages.
	if err := c.sendOut(m); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			c.closeOut()
		}
		return err
	}
	return nil
}

// Deliver dispatches m to the matching subscriptions of c in the calling
// goroutine, as if it had been received from the remote end. If a callback
// panics, Deliver reports an error.
func (c *Conn) Deliver(m *Message) error { return c.dispatch(m) }

// AddMatch registers f to be called with each message delivered to c that
// satisfies the filter expression rule (see [ParseRule]). An invalid rule is
// reported immediately.
//
// Callbacks are invoked synchronously with dispatch, on the goroutine that
// delivers the message. A callback that panics while dispatching a message
// received from the remote end is protocol fatal.
func (c *Conn) AddMatch(rule string, f func(*Message)) (*Slot, error) {
	if f == nil {
		return nil, errors.New("nil match callback")
	}
	r, err := ParseRule(rule)
	if err != nil {
		return nil, err
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.slots == nil {
		c.slots = make(map[uint64]*Slot)
	}
	c.nextSlot++
	s := &Slot{conn: c, id: c.nextSlot, rule: r, f: f}
	c.slots[s.id] = s
	busMetrics.slotsActive.Add(1)
	return s, nil
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote end, and for each local delivery.  Passing a nil
// callback disables logging.
func (c *Conn) LogMessages(log MessageLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.mlog = log
	return c
}

// OnExit registers a callback to be invoked when the connection terminates.
// The callback is executed synchronously during shutdown, without holding any
// lock of c, with the same error value that would be reported by Wait.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (c *Conn) OnExit(f func(error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// fail records the failure status and invokes the exit callback.
func (c *Conn) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	c.err = err
	onExit := c.onExit
	c.μ.Unlock()

	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// dispatch routes a message to the matching slots.
// Any error it reports is protocol fatal for a received message.
func (c *Conn) dispatch(m *Message) error {
	c.μ.Lock()
	log := c.mlog
	var match []*Slot
	for _, s := range c.slots {
		if s.rule.Match(m) {
			match = append(match, s)
		}
	}
	c.μ.Unlock()

	if log != nil {
		log(MessageInfo{Message: m, Sent: false})
	}
	if len(match) == 0 {
		busMetrics.messagesDropped.Add(1)
		return nil
	}
	slices.SortFunc(match, func(a, b *Slot) int { return cmp.Compare(a.id, b.id) })

	// Callbacks run outside the lock so they may add or close slots.
	for _, s := range match {
		if err := s.call(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) sendOut(m *Message) error {
	c.μ.Lock()
	log := c.mlog
	c.μ.Unlock()

	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch == nil {
		return ErrNotConnected
	}

	busMetrics.messagesSent.Add(1)
	if log != nil {
		log(MessageInfo{Message: m, Sent: true})
	}
	return c.out.ch.Send(m)
}

func (c *Conn) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

// A Slot is a subscription registered by [Conn.AddMatch].
type Slot struct {
	conn *Conn
	id   uint64
	rule Rule
	f    func(*Message)
}

// Rule reports the parsed filter of s.
func (s *Slot) Rule() Rule { return s.rule }

// Close removes the subscription. After Close returns no further messages are
// dispatched to s, except any already in flight. Close is idempotent.
func (s *Slot) Close() {
	s.conn.μ.Lock()
	defer s.conn.μ.Unlock()
	if _, ok := s.conn.slots[s.id]; ok {
		delete(s.conn.slots, s.id)
		busMetrics.slotsActive.Add(-1)
	}
}

func (s *Slot) call(m *Message) (err error) {
	// Ensure a panic out of a callback is turned into an error.
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("match callback panicked (recovered): %v", x)
		}
	}()
	busMetrics.messagesMatched.Add(1)
	s.f(m)
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
// Otherwise, the network is assigned as "tcp".
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file.
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
