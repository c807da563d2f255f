package core

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mrdserver/internal/admin"
	"mrdserver/internal/errors"
	"mrdserver/internal/metrics"
	"mrdserver/internal/session"
	"mrdserver/internal/watchdog"
	"mrdserver/tunnel"
)

// ServeMode is the Listener: it accepts connections on a local TCP
// address and, optionally, on an SSH remote forward, and runs one
// independent session per connection.  There is no limit on concurrent
// sessions.
type ServeMode struct {
	Address string
	Handler *session.Handler

	// Watchdog is armed once, before the first Accept.  0 disables it.
	Watchdog time.Duration
	// Exit is what the watchdog calls on expiry.  nil means os.Exit.
	Exit func(code int)

	// Reverse, when set, also serves connections forwarded from an SSH
	// gateway.
	Reverse *tunnel.ReverseConfig
	// Admin, when set, runs alongside the listeners.
	Admin *admin.Server

	// GracePeriod is how long in-flight sessions may run after ctx is
	// cancelled before their connections are closed.
	GracePeriod time.Duration

	Metrics *metrics.Collector
	Logger  zerolog.Logger

	// Ready, when set, is called with the bound addresses once the
	// listeners are up.
	Ready func(addrs []net.Addr)

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Run binds, arms the watchdog and serves until ctx is cancelled or a
// listener fails.
func (m *ServeMode) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.Address)
	if err != nil {
		return errors.Wrap("listen", m.Address, err)
	}
	listeners := []net.Listener{ln}

	if m.Reverse != nil {
		rl, err := tunnel.ListenReverse(ctx, *m.Reverse, m.Logger)
		if err != nil {
			ln.Close()
			return err
		}
		listeners = append(listeners, rl)
	}

	wd := watchdog.New(m.Logger)
	if m.Exit != nil {
		wd.Exit = m.Exit
	}
	wd.Arm(m.Watchdog)
	m.Metrics.SetWatchdogArmed(wd.Armed())

	addrs := make([]net.Addr, len(listeners))
	for i, l := range listeners {
		addrs[i] = l.Addr()
		m.Logger.Info().Str("addr", l.Addr().String()).Msgf("Serving on %s", l.Addr())
	}
	if m.Ready != nil {
		m.Ready(addrs)
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	// Sessions outlive ctx by up to GracePeriod.
	sessCtx, killSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer killSessions()

	errc := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l net.Listener) { errc <- m.acceptLoop(serveCtx, sessCtx, l) }(l)
	}
	if m.Admin != nil {
		go func() {
			if err := m.Admin.Serve(serveCtx); err != nil {
				m.Logger.Error().Err(err).Msg("admin server failed")
			}
		}()
	}

	var runErr error
	pending := len(listeners)
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		pending--
	}
	stop()
	for _, l := range listeners {
		l.Close()
	}
	// No Accept may start a session once drain begins.
	for ; pending > 0; pending-- {
		<-errc
	}
	m.drain(killSessions)
	return runErr
}

// acceptLoop runs until l fails or ctx ends.  A failure after ctx ended
// is the shutdown closing l and is not an error.
func (m *ServeMode) acceptLoop(ctx, sessCtx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// EMFILE, ECONNABORTED and the like pass; back off briefly.
			if errors.IsRetryable(err) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return errors.Wrap("accept", l.Addr().String(), err)
		}

		m.Logger.Info().Msgf("Accepting connection from: %s", conn.RemoteAddr())
		m.track(conn)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.untrack(conn)
			// Handle logs its own failures.
			m.Handler.Handle(sessCtx, conn) //nolint:errcheck
		}()
	}
}

func (m *ServeMode) track(c net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns == nil {
		m.conns = make(map[net.Conn]struct{})
	}
	m.conns[c] = struct{}{}
}

func (m *ServeMode) untrack(c net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c)
}

// drain waits up to GracePeriod for sessions to finish, then cancels
// the rest, closes their connections and waits for their handlers.
func (m *ServeMode) drain(kill context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(m.GracePeriod):
	}

	kill()
	m.mu.Lock()
	n := len(m.conns)
	for c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	m.Logger.Warn().Int("sessions", n).Msg("closing sessions still running at shutdown")
	<-done
}
