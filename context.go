// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package corun

import (
	"errors"
	"expvar"
	"fmt"
	"sync"

	"github.com/creachadair/corun/bus"
	"github.com/creachadair/corun/loop"
	"github.com/rs/zerolog"
)

// Options are optional settings for a Context. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// The bus connection used by Match sources. If nil, the context creates
	// an unstarted connection that dispatches only local deliveries.
	Bus *bus.Conn

	// The logger used by the context. If nil, logs are discarded.
	Logger *zerolog.Logger
}

func (o *Options) bus() *bus.Conn {
	if o == nil || o.Bus == nil {
		return bus.New()
	}
	return o.Bus
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

// A Context runs tasks cooperatively on an event loop. At most one task body
// runs at a time; tasks interleave only when they suspend in Await.
//
// Use Spawn or Go to start tasks, and Run to drive the loop until stop is
// requested and all spawned tasks have finished.
type Context struct {
	loop  *loop.Loop
	bus   *bus.Conn
	log   zerolog.Logger
	exec  chan struct{} // holds a token while a task body runs
	tasks *Scope        // spawned tasks

	μ       sync.Mutex
	stop    bool // stop has been requested
	running bool // Run is active
}

// New constructs a new context with the given options. It reports an error if
// the event loop could not be created.
func New(opts *Options) (*Context, error) {
	lp, err := loop.New()
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}
	c := &Context{
		loop: lp,
		bus:  opts.bus(),
		log:  opts.logger(),
		exec: make(chan struct{}, 1),
	}
	c.tasks = newScope(c)
	c.tasks.onEnd = lp.Wake
	return c, nil
}

func (c *Context) acquire() { c.exec <- struct{}{} }
func (c *Context) release() { <-c.exec }

// Bus reports the bus connection of c.
func (c *Context) Bus() *bus.Conn { return c.bus }

// Metrics returns the metrics map for contexts. Metrics are shared by all
// contexts in the process.
func (c *Context) Metrics() *expvar.Map { return ctxMetrics.emap }

// Spawn starts s as a task tracked by c. It reports ErrStopped without
// starting s if stop has already been requested. A task may begin running
// before Spawn returns, up to its first suspension.
//
// An error reported by s is logged and returned by the current or next call
// to Run.
func (c *Context) Spawn(s Sender[Void]) error {
	c.μ.Lock()
	stop := c.stop
	c.μ.Unlock()
	if stop {
		return ErrStopped
	}

	ctxMetrics.tasksSpawned.Add(1)
	ctxMetrics.tasksActive.Add(1)
	c.tasks.startedTask()
	s.Connect(spawnReceiver{c}).Start()
	return nil
}

// Go spawns a task running f on c. It is shorthand for Spawn with a Task.
func (c *Context) Go(f func(*Co) error) error {
	return c.Spawn(NewTask(func(co *Co) (Void, error) { return Void{}, f(co) }))
}

// RequestStop requests that a call to Run return once all spawned tasks have
// finished. It does not cancel suspended tasks. It reports whether this call
// made the request, false if stop was already requested.
func (c *Context) RequestStop() bool {
	c.μ.Lock()
	if c.stop {
		c.μ.Unlock()
		return false
	}
	c.stop = true
	c.μ.Unlock()

	c.log.Debug().Msg("stop requested")
	c.loop.Wake()
	return true
}

// StopRequested reports whether stop has been requested since the last call
// to Run returned.
func (c *Context) StopRequested() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.stop
}

// Run processes events until stop has been requested and no spawned tasks
// remain. When Run returns the stop request is cleared, so Run may be called
// again. Run reports the errors from spawned tasks that failed, or ErrRunning
// if another call to Run is active.
func (c *Context) Run() error {
	c.μ.Lock()
	if c.running {
		c.μ.Unlock()
		return ErrRunning
	}
	c.running = true
	c.μ.Unlock()
	defer func() {
		c.μ.Lock()
		defer c.μ.Unlock()
		c.running = false
		c.stop = false
	}()

	c.log.Debug().Int("pending", c.tasks.Pending()).Msg("run loop starting")
	for !c.finished() {
		ctxMetrics.loopIterations.Add(1)
		if err := c.loop.RunOnce(-1); err != nil {
			c.log.Error().Err(err).Msg("run loop failed")
			return fmt.Errorf("run loop: %w", err)
		}
	}
	errs := c.tasks.drainErrors()
	c.log.Debug().Int("errors", len(errs)).Msg("run loop stopped")
	return errors.Join(errs...)
}

func (c *Context) finished() bool {
	return c.StopRequested() && c.tasks.Pending() == 0
}

// Close releases the resources of c and stops its bus connection. It panics
// with a *Violation if any spawned task has not finished.
func (c *Context) Close() error {
	c.tasks.Close()
	return errors.Join(c.bus.Stop(), c.loop.Close())
}

// Scheduler returns the scheduler for c.
func (c *Context) Scheduler() Scheduler { return Scheduler{c: c} }

// A Scheduler posts work to the event loop of a Context.
type Scheduler struct {
	c *Context
}

// Context reports the context whose loop s posts to.
func (s Scheduler) Context() *Context { return s.c }

// Schedule returns a sender that completes from the event loop of the
// context, after the loop has processed pending events. Awaiting it yields
// the calling task to any other runnable task.
func (s Scheduler) Schedule() Sender[Void] {
	return senderFunc[Void](func(r Receiver[Void]) {
		if err := s.c.loop.Post(func() { r.SetValue(Void{}) }); err != nil {
			r.SetError(err)
		}
	})
}

// spawnReceiver is connected to each task spawned on a context.
type spawnReceiver struct{ c *Context }

func (r spawnReceiver) SetValue(Void) {
	ctxMetrics.tasksActive.Add(-1)
	r.c.tasks.endedTask(nil)
}

func (r spawnReceiver) SetError(err error) {
	ctxMetrics.tasksActive.Add(-1)
	ctxMetrics.tasksFailed.Add(1)
	r.c.log.Error().Err(err).Msg("task failed")
	r.c.tasks.endedTask(err)
}

func (r spawnReceiver) SetStopped() {
	ctxMetrics.tasksActive.Add(-1)
	ctxMetrics.tasksStopped.Add(1)
	r.c.tasks.endedTask(nil)
}

func (r spawnReceiver) Context() *Context { return r.c }
