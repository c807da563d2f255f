// Package relay forwards a session's log records to its client as TEXT
// frames on the session's own connection.
//
// A Relay is a zerolog.LevelWriter.  The session fans its context logger
// out to the process sink and the relay with zerolog.MultiLevelWriter, so
// only records logged through that session's context ever reach its
// socket.
package relay

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mrdserver/internal/mrd"
	"mrdserver/util"
)

// Relay renders log records as plain text lines and writes each one as a
// TEXT frame.  Delivery is best effort: write failures are counted and
// swallowed, never returned to the logger.
type Relay struct {
	out *mrd.Writer
	min zerolog.Level

	mu     sync.Mutex
	buf    bytes.Buffer
	render zerolog.ConsoleWriter
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// New returns a relay that writes records at or above min to out.
func New(out *mrd.Writer, min zerolog.Level) *Relay {
	r := &Relay{out: out, min: min}
	r.render = util.PlainConsoleWriter(&r.buf)
	return r
}

// Write relays a record of unknown level.
func (r *Relay) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.  It always reports success.
func (r *Relay) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < r.min || r.min == zerolog.Disabled {
		return len(p), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return len(p), nil
	}

	r.buf.Reset()
	if _, err := r.render.Write(p); err != nil {
		// Not a JSON record; relay it verbatim.
		r.buf.Reset()
		r.buf.Write(p)
	}
	line := strings.TrimRight(r.buf.String(), "\r\n")
	if err := r.out.WriteText(line); err != nil {
		r.dropped.Add(1)
	} else {
		r.sent.Add(1)
	}
	return len(p), nil
}

// Close detaches the relay.  Records written afterwards are discarded.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Sent is the number of frames written successfully.
func (r *Relay) Sent() int64 { return r.sent.Load() }

// Dropped is the number of records whose frame could not be written.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }
