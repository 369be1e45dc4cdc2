// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package conns provides support code for managing and testing bus
// connections.
package conns

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/corun/bus"
	"github.com/creachadair/corun/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected bus connections, suitable for
// testing.
type Local struct {
	A *bus.Conn
	B *bus.Conn
}

// Stop shuts down both connections and blocks until both have exited.
func (p *Local) Stop() error {
	return errors.Join(p.A.Stop(), p.B.Stop())
}

// NewLocal creates a pair of connected bus connections that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: bus.New().SetName("local.A").Start(a2b),
		B: bus.New().SetName("local.B").Start(b2a),
	}
}

// An Accepter accepts channels from remote connections.
type Accepter interface {
	Accept(context.Context) (bus.Channel, error)
}

// Loop accepts channels from acc and starts a connection constructed by
// newConn for each one in a goroutine. Loop continues until acc closes or ctx
// ends.
//
// When ctx terminates, all running connections are stopped. When acc closes,
// the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, newConn func() *bus.Conn) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			conn := newConn().Start(ch)
			go func() { <-sctx.Done(); conn.Stop() }()
			return conn.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (bus.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
