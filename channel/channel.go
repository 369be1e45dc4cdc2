// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the bus.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/corun/bus"
)

// Direct constructs a connected pair of in-memory channels. Messages sent to
// A are received by B and vice versa. Messages are not encoded, but each send
// delivers a copy, so the sender may reuse or modify a message once Send has
// returned.
//
// Closing either end ends its outbound direction: pending and later sends on
// that end fail, and the other end receives net.ErrClosed once it has drained
// what was already sent.
func Direct() (A, B bus.Channel) {
	ab, ba := newLane(), newLane()
	return &direct{out: ab, in: ba}, &direct{out: ba, in: ab}
}

// A lane carries messages in one direction between the ends of a Direct pair.
type lane struct {
	msgs chan *bus.Message
	done chan struct{} // closed when the sending end closes
	once sync.Once
}

func newLane() *lane {
	return &lane{msgs: make(chan *bus.Message), done: make(chan struct{})}
}

func (l *lane) close() (closed bool) {
	l.once.Do(func() { close(l.done); closed = true })
	return
}

type direct struct {
	out, in *lane
}

// Send implements a method of the [bus.Channel] interface.
func (d *direct) Send(msg *bus.Message) error {
	// Check for closure first: select does not prefer ready cases in order.
	select {
	case <-d.out.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out.msgs <- msg.Clone():
		return nil
	case <-d.out.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [bus.Channel] interface.
func (d *direct) Recv() (*bus.Message, error) {
	select {
	case msg := <-d.in.msgs:
		return msg, nil
	case <-d.in.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [bus.Channel] interface. Closing an end
// more than once reports net.ErrClosed.
func (d *direct) Close() error {
	if !d.out.close() {
		return net.ErrClosed
	}
	return nil
}

// IO constructs a channel that receives binary messages from r and sends
// them to wc. Closing the channel closes wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{
		dec: bufio.NewReader(r),
		enc: bufio.NewWriter(wc),
		wc:  wc,
	}
}

// An IOChannel exchanges messages in the binary framing of [bus.Message] over
// a reader and a writer.
type IOChannel struct {
	dec *bufio.Reader
	enc *bufio.Writer
	wc  io.WriteCloser
}

// Send implements a method of the [bus.Channel] interface. Each message is
// flushed to the underlying writer before Send returns.
func (c IOChannel) Send(msg *bus.Message) error {
	_, err := msg.WriteTo(c.enc)
	if err == nil {
		err = c.enc.Flush()
	}
	return err
}

// Recv implements a method of the [bus.Channel] interface.
func (c IOChannel) Recv() (*bus.Message, error) {
	msg := new(bus.Message)
	if _, err := msg.ReadFrom(c.dec); err != nil {
		return nil, err
	}
	return msg, nil
}

// Close implements a method of the [bus.Channel] interface.
func (c IOChannel) Close() error { return c.wc.Close() }
