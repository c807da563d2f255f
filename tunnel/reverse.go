package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	mrderr "mrdserver/internal/errors"
	"mrdserver/internal/metrics"
	"mrdserver/internal/retry"
)

// ReverseConfig describes a remote port forward (ssh -R) whose
// connections are served locally.
type ReverseConfig struct {
	SSH *SSHConfig

	// BindAddr and Port are the gateway-side listen address.  An empty
	// BindAddr lets the gateway decide; port 0 asks it to allocate one.
	BindAddr string
	Port     int

	// Reconnect is the policy for re-establishing a dropped tunnel.
	// nil selects retry.DefaultBackoff.
	Reconnect *retry.Backoff
	Metrics   *metrics.Collector
}

// ReverseListener is a [net.Listener] over an SSH remote forward that
// survives gateway disconnects: when the tunnel drops, Accept
// reconnects with backoff and resumes on the new forward.  Connections
// accepted before the drop are not affected by it.
type ReverseListener struct {
	cfg    ReverseConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tun    *SSHTunnel
	ln     net.Listener
	closed bool
}

// ListenReverse connects to the gateway and requests the forward.  The
// first connection is not retried: configuration errors surface now.
func ListenReverse(ctx context.Context, cfg ReverseConfig, logger zerolog.Logger) (*ReverseListener, error) {
	if cfg.SSH == nil {
		return nil, fmt.Errorf("reverse tunnel: %w", mrderr.New("missing SSH configuration"))
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.DefaultBackoff()
	}
	rl := &ReverseListener{cfg: cfg, logger: logger}
	rl.ctx, rl.cancel = context.WithCancel(ctx)
	if err := rl.connect(rl.ctx); err != nil {
		rl.cancel()
		return nil, err
	}
	return rl, nil
}

// Accept returns the next forwarded connection, reconnecting the tunnel
// as needed.  It fails once the listener is closed, its context ends or
// the reconnect budget is exhausted.
func (rl *ReverseListener) Accept() (net.Conn, error) {
	for {
		rl.mu.Lock()
		ln, closed := rl.ln, rl.closed
		rl.mu.Unlock()
		if closed {
			return nil, net.ErrClosed
		}

		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		if rl.isClosed() || rl.ctx.Err() != nil {
			return nil, net.ErrClosed
		}

		rl.logger.Warn().Err(err).Msg("reverse tunnel lost; reconnecting")
		rl.cfg.Metrics.TunnelReconnect()
		if err := rl.reconnect(); err != nil {
			if rl.isClosed() {
				return nil, net.ErrClosed
			}
			return nil, err
		}
	}
}

// Close cancels the forward, closes the SSH connection and unblocks
// Accept.
func (rl *ReverseListener) Close() error {
	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil
	}
	rl.closed = true
	ln, tun := rl.ln, rl.tun
	rl.mu.Unlock()

	rl.cancel()
	if ln != nil {
		ln.Close()
	}
	if tun != nil {
		return tun.Close()
	}
	return nil
}

// Addr is the current gateway-side bind address.
func (rl *ReverseListener) Addr() net.Addr {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.ln == nil {
		return remoteAddr{Addr: rl.cfg.BindAddr, Port: uint32(rl.cfg.Port)}
	}
	return rl.ln.Addr()
}

func (rl *ReverseListener) isClosed() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.closed
}

func (rl *ReverseListener) connect(ctx context.Context) error {
	tun := NewSSHTunnel(rl.cfg.SSH, rl.logger)
	if err := tun.Connect(ctx); err != nil {
		return err
	}
	ln, err := tun.Listen(rl.cfg.BindAddr, rl.cfg.Port)
	if err != nil {
		tun.Close()
		return err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.closed {
		ln.Close()
		tun.Close()
		return net.ErrClosed
	}
	rl.tun, rl.ln = tun, ln
	return nil
}

func (rl *ReverseListener) reconnect() error {
	rl.mu.Lock()
	if rl.ln != nil {
		rl.ln.Close()
	}
	if rl.tun != nil {
		rl.tun.Close()
	}
	rl.mu.Unlock()

	b := *rl.cfg.Reconnect
	b.Retryable = func(err error) bool {
		// Credentials and host keys will not fix themselves.
		var se *mrderr.SSHError
		return !(mrderr.As(err, &se) && (se.Op == "auth" || se.Op == "hostkey"))
	}
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		rl.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).
			Msg("reverse tunnel reconnect failed")
	}
	if err := b.Do(rl.ctx, func(ctx context.Context, _ int) error { return rl.connect(ctx) }); err != nil {
		return fmt.Errorf("reverse tunnel: %w", err)
	}
	rl.logger.Info().Str("remote", rl.Addr().String()).Msg("reverse tunnel re-established")
	return nil
}
