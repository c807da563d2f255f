// Package session implements the per-connection MRD state machine.
//
// A Session owns everything one client sent before CLOSE: parameters,
// metadata and the acquisition, waveform and image records, in arrival
// order.  It is created when a connection is accepted, mutated only by
// frames read from that connection, handed to the reconstruction engine
// exactly once, and dropped when the handler returns.
package session

import (
	"mrdserver/internal/mrd"
	"mrdserver/internal/recon"
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateOpen accumulates frames.
	StateOpen State = iota
	// StateClosed means results and the final CLOSE were sent.
	StateClosed
	// StateAborted means the session failed; nothing more is sent.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Session is the accumulated state of one connection.
type Session struct {
	ID     string
	Remote string
	State  State

	Config      map[string]any
	Metadata    string
	HasMetadata bool

	Acquisitions []*mrd.Acquisition
	Waveforms    []*mrd.Waveform
	Images       []*mrd.Image
}

// New returns an open, empty session.
func New(id, remote string) *Session {
	return &Session{
		ID:     id,
		Remote: remote,
		State:  StateOpen,
		Config: map[string]any{},
	}
}

// Records is the number of structural records accumulated so far.
func (s *Session) Records() int {
	return len(s.Acquisitions) + len(s.Waveforms) + len(s.Images)
}

// Input packages the session for a reconstruction engine.
func (s *Session) Input() *recon.Input {
	return &recon.Input{
		Acquisitions: s.Acquisitions,
		Waveforms:    s.Waveforms,
		Images:       s.Images,
		Config:       s.Config,
		Metadata:     s.Metadata,
	}
}
