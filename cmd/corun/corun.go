// Program corun is a command-line utility for exercising corun event sources
// and bus connections.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/corun"
	"github.com/creachadair/corun/bus"
	"github.com/creachadair/corun/channel"
	"github.com/creachadair/corun/conns"
	"github.com/creachadair/flax"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var flags struct {
	Debug bool `flag:"debug,Enable debug logging"`
}

var watchFlags struct {
	Timeout time.Duration `flag:"timeout,default=5s,Report a timeout if no event arrives within this interval"`
	Count   int           `flag:"count,default=1,Stop after this many events"`
}

var listenFlags struct {
	Rule    string `flag:"rule,Print only messages matching this filter rule"`
	Metrics string `flag:"metrics,Serve Prometheus metrics at this address"`
}

var emitFlags struct {
	Name string `flag:"name,default=corun.emit,Sender name for emitted messages"`
	Body string `flag:"body,Message body text"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for exercising corun event sources and bus connections.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:  "sleep",
				Usage: "<duration>",
				Help:  "Run a task that sleeps for the given duration on an event loop.",
				Run:   runSleep,
			},
			{
				Name:     "watch",
				Usage:    "<path>",
				Help:     "Report filesystem events on a path, with a timeout for each.",
				SetFlags: command.Flags(flax.MustBind, &watchFlags),
				Run:      runWatch,
			},
			{
				Name:  "listen",
				Usage: "<address>",
				Help: `Accept bus connections and print the messages they send.

The address may be a host:port for TCP, or a path for a Unix-domain socket.
Use --rule to select messages with a filter expression, for example:

  type='signal',interface='org.example.Events',arg0='ready'
`,
				SetFlags: command.Flags(flax.MustBind, &listenFlags),
				Run:      runListen,
			},
			{
				Name:     "emit",
				Usage:    "<address> <path> <interface> <member> [arg...]",
				Help:     "Connect to a bus listener and send one signal message.",
				SetFlags: command.Flags(flax.MustBind, &emitFlags),
				Run:      runEmit,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger() *zerolog.Logger {
	level := zerolog.InfoLevel
	if flags.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
	return &log
}

func newContext(opts *corun.Options) (*corun.Context, error) {
	if opts == nil {
		opts = new(corun.Options)
	}
	opts.Logger = newLogger()
	return corun.New(opts)
}

func runSleep(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing duration argument")
	}
	d, err := time.ParseDuration(env.Args[0])
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	c, err := newContext(nil)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	if err := c.Go(func(co *corun.Co) error {
		defer c.RequestStop()
		_, err := corun.Await(co, corun.SleepFor(c, d))
		return err
	}); err != nil {
		return err
	}
	if err := c.Run(); err != nil {
		return err
	}
	fmt.Printf("slept %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func runWatch(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing path argument")
	}
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify: %w", err)
	}
	defer unix.Close(fd)
	const mask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY | unix.IN_MOVE | unix.IN_ATTRIB
	if _, err := unix.InotifyAddWatch(fd, env.Args[0], mask); err != nil {
		return fmt.Errorf("watch %q: %w", env.Args[0], err)
	}

	c, err := newContext(nil)
	if err != nil {
		return err
	}
	defer c.Close()
	f, err := corun.NewTimedFDIO(c, fd, watchFlags.Timeout)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.Go(func(co *corun.Co) error {
		defer c.RequestStop()
		buf := make([]byte, 4096)
		for seen := 0; seen < watchFlags.Count; {
			if _, err := corun.Await(co, f.Next()); errors.Is(err, corun.ErrTimeout) {
				fmt.Println("timeout")
				continue
			} else if err != nil {
				return err
			}
			n, err := unix.Read(fd, buf)
			if errors.Is(err, unix.EAGAIN) {
				continue
			} else if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			seen += printEvents(buf[:n])
		}
		return nil
	}); err != nil {
		return err
	}
	return c.Run()
}

// printEvents prints the inotify events packed in buf and reports how many
// there were.
func printEvents(buf []byte) int {
	var n int
	for len(buf) >= unix.SizeofInotifyEvent {
		evMask := binary.NativeEndian.Uint32(buf[4:])
		nameLen := int(binary.NativeEndian.Uint32(buf[12:]))
		end := min(unix.SizeofInotifyEvent+nameLen, len(buf))
		name := unix.ByteSliceToString(buf[unix.SizeofInotifyEvent:end])
		fmt.Printf("event %#08x %s\n", evMask, name)
		buf = buf[end:]
		n++
	}
	return n
}

func runListen(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Missing address argument")
	}
	c, err := newContext(nil)
	if err != nil {
		return err
	}
	defer c.Close()
	m, err := corun.NewMatch(c, listenFlags.Rule)
	if err != nil {
		return err
	}
	defer m.Close()

	if listenFlags.Metrics != "" {
		srv, err := serveMetrics(listenFlags.Metrics, c)
		if err != nil {
			return err
		}
		defer srv.Close()
	}
	lst, err := net.Listen(bus.SplitAddress(env.Args[0]))
	if err != nil {
		return err
	}

	// Each accepted connection forwards what it receives to the bus of the
	// context, where the match picks it up.
	log := newLogger()
	hub := c.Bus()
	forward := func(msg *bus.Message) {
		if err := hub.Deliver(msg); err != nil {
			log.Error().Err(err).Stringer("msg", msg).Msg("deliver failed")
		}
	}
	trace := bus.Handle(func(msg *bus.Message, body string) {
		log.Debug().Stringer("msg", msg).Str("body", body).Msg("received")
	})
	newConn := func() *bus.Conn {
		nc := bus.New()
		for _, f := range []func(*bus.Message){trace, forward} {
			if _, err := nc.AddMatch("", f); err != nil {
				log.Error().Err(err).Msg("add forwarding match")
			}
		}
		return nc
	}

	if err := c.Go(func(co *corun.Co) error {
		for msg := range m.Messages(co) {
			fmt.Println(msg)
			if len(msg.Body) != 0 {
				fmt.Printf("  body: %q\n", msg.Body)
			}
		}
		return nil
	}); err != nil {
		lst.Close()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- conns.Loop(ctx, conns.NetAccepter(lst), newConn) }()
	go func() {
		<-ctx.Done()
		m.Close()
		c.RequestStop()
	}()

	fmt.Fprintf(os.Stderr, "listening at %s (rule %q)\n", lst.Addr(), m.Rule().String())
	runErr := c.Run()
	cancel()
	return errors.Join(runErr, <-errc)
}

// serveMetrics exports the context and bus metrics of c in Prometheus format
// at addr, under /metrics, and as JSON under /debug/vars.
func serveMetrics(addr string, c *corun.Context) (*http.Server, error) {
	expvar.Publish("corun", c.Metrics())
	expvar.Publish("corun_bus", c.Bus().Metrics())
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewExpvarCollector(map[string]*prometheus.Desc{
		"corun":     prometheus.NewDesc("corun_context", "Task and event loop counters.", []string{"name"}, nil),
		"corun_bus": prometheus.NewDesc("corun_bus", "Bus connection counters.", []string{"name"}, nil),
	}))

	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(lst)
	fmt.Fprintf(os.Stderr, "serving metrics at http://%s/metrics\n", lst.Addr())
	return srv, nil
}

func runEmit(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("Missing required arguments")
	}
	msg, err := bus.NewSignal(env.Args[1], env.Args[2], env.Args[3], emitFlags.Body, env.Args[4:]...)
	if err != nil {
		return err
	}
	network, addr := bus.SplitAddress(env.Args[0])
	conn, err := net.DialTimeout(network, addr, 10*time.Second)
	if err != nil {
		return err
	}

	log := newLogger()
	bc := bus.New().SetName(emitFlags.Name).LogMessages(func(m bus.MessageInfo) {
		log.Debug().Stringer("msg", m).Msg("bus")
	}).Start(channel.IO(conn, conn))
	if err := bc.Emit(msg); err != nil {
		bc.Stop()
		return fmt.Errorf("emit: %w", err)
	}
	fmt.Printf("sent %v\n", msg)
	return bc.Stop()
}
