// Package tunnel carries MRD sessions over SSH.
//
// A Tunnel is one authenticated SSH client connection to a gateway.  It
// can dial through the gateway (send mode behind a bastion) and ask the
// gateway to listen on its behalf (ssh -R), handing each forwarded
// connection back as an ordinary net.Conn.
package tunnel

import (
	"context"
	"net"
)

// Tunnel abstracts an encrypted channel through which TCP connections
// can be forwarded in either direction.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Listen asks the gateway to accept on bindAddr:port and forward
	// every connection back through the tunnel.
	Listen(bindAddr string, port int) (net.Listener, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}
