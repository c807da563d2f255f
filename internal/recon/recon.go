// Package recon defines how a session's accumulated data becomes images.
// Each Engine encapsulates one reconstruction strategy (pass the received
// images back, run an external program, call a Go function) and is given
// the session's data as a read-only Input, which keeps engines testable
// and decoupled from the connection that produced the data.
package recon

import (
	"context"

	"mrdserver/internal/mrd"
)

// Input is everything a session accumulated before CLOSE, in arrival order.
type Input struct {
	Acquisitions []*mrd.Acquisition
	Waveforms    []*mrd.Waveform
	Images       []*mrd.Image
	Config       map[string]any
	Metadata     string
}

// Engine converts a session's Input into output images.
type Engine interface {
	// Name identifies the engine in logs, metrics and errors.
	Name() string
	// Reconstruct may block for a long time.  A non-nil error means no
	// image from this call may be sent.
	Reconstruct(ctx context.Context, in *Input) ([]*mrd.Image, error)
}

// Func adapts an ordinary function to the Engine interface.
type Func func(ctx context.Context, in *Input) ([]*mrd.Image, error)

func (Func) Name() string { return "func" }

func (f Func) Reconstruct(ctx context.Context, in *Input) ([]*mrd.Image, error) {
	return f(ctx, in)
}

// Passthrough returns the images the client sent, unchanged.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Reconstruct(_ context.Context, in *Input) ([]*mrd.Image, error) {
	out := make([]*mrd.Image, len(in.Images))
	copy(out, in.Images)
	return out, nil
}
