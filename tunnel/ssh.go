package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	mrderr "mrdserver/internal/errors"
	"mrdserver/util"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // used as-is when set
	PromptPass    bool   // ask on the terminal
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive is the interval between keepalive@openssh.com requests.
	// A failed request closes the connection.  0 disables keepalives.
	KeepAlive time.Duration
}

// Addr is the gateway's host:port.
func (c *SSHConfig) Addr() string { return util.FormatAddr(c.Host, c.Port) }

// SSHTunnel implements [Tunnel] over one ssh.Client.
type SSHTunnel struct {
	config *SSHConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
	done   chan struct{}
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger zerolog.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{
		config: cfg,
		logger: logger.With().Str("gateway", cfg.Addr()).Logger(),
	}
}

// Connect dials the SSH gateway and completes the handshake.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	cfg := t.config
	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return mrderr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hkCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return mrderr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         cfg.ConnTimeout,
		// Gateways that allocate public ports announce them in the banner.
		BannerCallback: func(message string) error {
			t.logger.Info().Msg(strings.TrimSpace(message))
			return nil
		},
	}

	addr := cfg.Addr()
	t.logger.Debug().Str("user", cfg.User).Msg("SSH: dialing")

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return mrderr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return mrderr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	t.mu.Lock()
	t.client = client
	t.alive = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.monitor(client, done)
	if cfg.KeepAlive > 0 {
		go t.keepalive(client, done)
	}
	t.logger.Info().Str("user", cfg.User).Msg("SSH tunnel connected")
	return nil
}

// Dial forwards a connection through the tunnel.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := t.current()
	if err != nil {
		return nil, err
	}
	t.logger.Debug().Str("target", address).Msg("tunnel: dialing")
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, mrderr.WrapSSH("forward", t.config.Host, t.config.Port,
			fmt.Errorf("dial %s: %w", address, err))
	}
	return conn, nil
}

// Listen requests a remote port forward.  Only one Listen is possible
// per connection.
func (t *SSHTunnel) Listen(bindAddr string, port int) (net.Listener, error) {
	client, err := t.current()
	if err != nil {
		return nil, err
	}
	ln, err := listenRemoteForward(client, bindAddr, port)
	if err != nil {
		return nil, mrderr.WrapSSH("forward", t.config.Host, t.config.Port,
			fmt.Errorf("remote listen on %s: %w", util.FormatAddr(bindAddr, port), err))
	}
	t.logger.Info().Str("remote", ln.Addr().String()).Msg("remote forward established")
	return ln, nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// Done is closed when the current connection ends.
func (t *SSHTunnel) Done() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.done
}

func (t *SSHTunnel) current() (*ssh.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.alive || t.client == nil {
		return nil, mrderr.ErrNotConnected
	}
	return t.client, nil
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (t *SSHTunnel) monitor(client *ssh.Client, done chan struct{}) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()
	close(done)

	if err != nil && !util.IsHarmless(err) {
		t.logger.Debug().Err(err).Msg("SSH tunnel closed")
	} else {
		t.logger.Debug().Msg("SSH tunnel closed")
	}
}

func (t *SSHTunnel) keepalive(client *ssh.Client, done chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn().Err(err).Msg("SSH keepalive failed")
				client.Close()
				return
			}
			t.logger.Trace().Msg("SSH keepalive OK")
		}
	}
}
