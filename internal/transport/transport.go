// Package transport opens the outbound connection used by send mode:
// plain TCP, or TCP forwarded through an SSH gateway.  What travels over
// the connection is the mrd package's concern.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"mrdserver/config"
	"mrdserver/tunnel"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (an SSH connection).  Stateless dialers return nil.
	Close() error
}

// ForConfig returns the dialer cfg asks for: an SSHDialer when a -T
// tunnel is configured, a TCPDialer otherwise.
func ForConfig(cfg *config.Config, logger zerolog.Logger) Dialer {
	if !cfg.TunnelEnabled {
		return &TCPDialer{Timeout: cfg.ConnTimeout}
	}
	return NewSSHDialer(&tunnel.SSHConfig{
		User:          cfg.TunnelUser,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.ConnTimeout,
		KeepAlive:     time.Duration(cfg.KeepAliveInterval) * time.Second,
	}, logger)
}
