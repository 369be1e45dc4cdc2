// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build linux

package loop

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// poller multiplexes file descriptor readiness with epoll, and uses an
// eventfd to interrupt a blocked wait.
type poller struct {
	epfd   int
	wakefd int
	buf    [128]unix.EpollEvent // used only by wait

	μ       sync.RWMutex
	closed  bool
	watches map[int]*Watch // fd → watch
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return &poller{epfd: epfd, wakefd: wakefd, watches: make(map[int]*Watch)}, nil
}

func (p *poller) add(w *Watch) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		return ErrClosed
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLONESHOT, Fd: int32(w.fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, w.fd, ev); err != nil {
		return err
	}
	p.watches[w.fd] = w
	return nil
}

func (p *poller) modify(w *Watch, armed bool) error {
	p.μ.RLock()
	defer p.μ.RUnlock()
	if p.closed {
		return ErrClosed
	} else if p.watches[w.fd] != w {
		return unix.ENOENT
	}
	events := uint32(unix.EPOLLONESHOT)
	if armed {
		events |= eventsToEpoll(w.events)
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(w.fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, w.fd, ev)
}

func (p *poller) remove(w *Watch) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		return ErrClosed
	} else if p.watches[w.fd] != w {
		return nil
	}
	delete(p.watches, w.fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
}

// wait blocks for up to timeoutMs milliseconds (-1 for no limit) and reports
// the callbacks for the ready descriptors.
func (p *poller) wait(timeoutMs int) ([]readyWatch, error) {
	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
	if err == unix.EINTR {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var out []readyWatch
	p.μ.RLock()
	defer p.μ.RUnlock()
	for _, ev := range p.buf[:n] {
		fd := int(ev.Fd)
		if fd == p.wakefd {
			var drain [8]byte
			unix.Read(p.wakefd, drain[:])
			continue
		}
		if w, ok := p.watches[fd]; ok && w.fn != nil {
			out = append(out, readyWatch{fn: w.fn, events: epollToEvents(ev.Events)})
		}
	}
	return out, nil
}

func (p *poller) wake() {
	p.μ.RLock()
	defer p.μ.RUnlock()
	if p.closed {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(p.wakefd, one[:]) // EAGAIN means a wakeup is already pending
}

func (p *poller) close() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.watches = nil
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}

func eventsToEpoll(events Events) uint32 {
	var out uint32
	if events&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if events&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollToEvents(ev uint32) Events {
	var out Events
	if ev&unix.EPOLLIN != 0 {
		out |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= Writable
	}
	if ev&unix.EPOLLERR != 0 {
		out |= Error
	}
	if ev&unix.EPOLLHUP != 0 {
		out |= Hangup
	}
	return out
}
