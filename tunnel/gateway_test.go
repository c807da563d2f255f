package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "mrd"
	testPassword = "secret"
)

// testGateway is a minimal in-process sshd: password auth, direct-tcpip
// channels and tcpip-forward on an allocated loopback port.
type testGateway struct {
	t       *testing.T
	ln      net.Listener
	config  *ssh.ServerConfig
	hostKey ssh.PublicKey

	mu    sync.Mutex
	conns []ssh.Conn
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &testGateway{t: t, ln: ln, config: cfg, hostKey: signer.PublicKey()}
	go g.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		g.dropAll()
	})
	return g
}

func (g *testGateway) port() int { return g.ln.Addr().(*net.TCPAddr).Port }

// sshConfig returns a client config that authenticates to g.
func (g *testGateway) sshConfig() *SSHConfig {
	return &SSHConfig{User: testUser, Password: testPassword, Host: "127.0.0.1", Port: g.port()}
}

// dropAll severs every client connection, as a gateway restart would.
func (g *testGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
	g.conns = nil
}

func (g *testGateway) acceptLoop() {
	for {
		nc, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.serve(nc)
	}
}

func (g *testGateway) serve(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, g.config)
	if err != nil {
		nc.Close()
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, sconn)
	g.mu.Unlock()

	go g.globalRequests(sconn, reqs)
	for nch := range chans {
		if nch.ChannelType() != "direct-tcpip" {
			nch.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}
		var p struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
			nch.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
		if err != nil {
			nch.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(creqs)
		go splice(ch, target)
	}
}

func (g *testGateway) globalRequests(sconn ssh.Conn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var fr forwardRequest
			if err := ssh.Unmarshal(req.Payload, &fr); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			port := ln.Addr().(*net.TCPAddr).Port
			req.Reply(true, ssh.Marshal(&forwardReply{Port: uint32(port)})) //nolint:errcheck
			go func() {
				sconn.Wait() //nolint:errcheck
				ln.Close()
			}()
			go func() {
				for {
					c, err := ln.Accept()
					if err != nil {
						return
					}
					go forwardBack(sconn, fr.Addr, port, c)
				}
			}()
		case "keepalive@openssh.com":
			req.Reply(true, nil) //nolint:errcheck
		default:
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

func forwardBack(sconn ssh.Conn, addr string, port int, c net.Conn) {
	origin := c.RemoteAddr().(*net.TCPAddr)
	payload := forwardedChannel{
		Addr:       addr,
		Port:       uint32(port),
		OriginAddr: origin.IP.String(),
		OriginPort: uint32(origin.Port),
	}
	ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", ssh.Marshal(&payload))
	if err != nil {
		c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	splice(ch, c)
}

func splice(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }() //nolint:errcheck
	go func() { io.Copy(b, a); done <- struct{}{} }() //nolint:errcheck
	<-done
	a.Close()
	b.Close()
}
