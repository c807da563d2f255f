// Package core composes the lower layers into the two ways mrdserver
// runs: serving sessions on a listener, or sending a recorded stream to
// a remote server.  Build selects and wires the right one from a Config.
//
// Layers (bottom to top):
//
//	mrd  →  recon / relay  →  session  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode that owns its lifecycle from
// connection setup to teardown.  Run returns when the work is done or
// ctx is cancelled.
type Mode interface {
	Run(ctx context.Context) error
}
