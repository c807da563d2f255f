package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ssh.Client.Listen matches forwarded-tcpip channels against the exact
// bind address it sent, and gateways that echo a different address
// ("0.0.0.0" for "") get every channel rejected.  remoteListener
// registers its own forwarded-tcpip handler and accepts them all.

// tcpip-forward / cancel-tcpip-forward request payload (RFC 4254 7.1).
type forwardRequest struct {
	Addr string
	Port uint32
}

// tcpip-forward reply when port 0 was requested.
type forwardReply struct {
	Port uint32
}

// forwarded-tcpip channel-open payload (RFC 4254 7.2).
type forwardedChannel struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// remoteListener is a [net.Listener] fed by forwarded-tcpip channels.
type remoteListener struct {
	client   *ssh.Client
	req      forwardRequest
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

// listenRemoteForward sends tcpip-forward and returns the listener that
// receives the gateway's forwarded connections.
func listenRemoteForward(client *ssh.Client, bindAddr string, bindPort int) (net.Listener, error) {
	// Must be registered before the request so no channel is missed.
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, errors.New("forwarded-tcpip handler already registered")
	}

	req := forwardRequest{Addr: bindAddr, Port: uint32(bindPort)}
	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&req))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("tcpip-forward request denied by gateway")
	}
	if req.Port == 0 {
		var r forwardReply
		if err := ssh.Unmarshal(reply, &r); err == nil {
			req.Port = r.Port
		}
	}

	return &remoteListener{
		client:   client,
		req:      req,
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}

// Accept waits for the next forwarded connection.  It returns io.EOF
// once the listener or the SSH connection is closed.
func (l *remoteListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, io.EOF
	case newCh, ok := <-l.incoming:
		if !ok {
			return nil, io.EOF
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel accept: %w", err)
		}
		go ssh.DiscardRequests(reqs)

		raddr := &net.TCPAddr{}
		var payload forwardedChannel
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err == nil {
			raddr.IP = net.ParseIP(payload.OriginAddr)
			raddr.Port = int(payload.OriginPort)
		}
		return &chanConn{Channel: ch, laddr: l.Addr(), raddr: raddr}, nil
	}
}

// Close cancels the remote forward and unblocks Accept.
func (l *remoteListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		// The connection may already be gone.
		l.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&l.req)) //nolint:errcheck
	})
	return nil
}

// Addr is the gateway-side bind address.
func (l *remoteListener) Addr() net.Addr { return remoteAddr(l.req) }

type remoteAddr forwardRequest

func (remoteAddr) Network() string { return "ssh-forward" }

func (a remoteAddr) String() string {
	return net.JoinHostPort(a.Addr, strconv.FormatUint(uint64(a.Port), 10))
}

// chanConn adapts an [ssh.Channel] to [net.Conn].  SSH channels have no
// deadlines; the Set*Deadline methods are accepted and ignored, so an
// idle timeout does not apply to forwarded sessions.
type chanConn struct {
	ssh.Channel
	laddr, raddr net.Addr
}

func (c *chanConn) LocalAddr() net.Addr              { return c.laddr }
func (c *chanConn) RemoteAddr() net.Addr             { return c.raddr }
func (c *chanConn) SetDeadline(time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(time.Time) error { return nil }
