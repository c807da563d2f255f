// Package archive keeps a copy of each session's raw inbound byte stream.
//
// While a session runs, everything read off its connection is teed into
// a Recording (a temp file).  When the session ends the recording is
// stored as <session-id>.mrd in a Store, retried with backoff and guarded
// by a circuit breaker.  Archiving is strictly best effort: its failures
// are logged and counted, never returned to the session.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"mrdserver/internal/metrics"
	"mrdserver/internal/retry"
)

// Store persists one finished recording.
type Store interface {
	// Name describes the destination for logs ("dir:/srv/mrd", "s3://bucket/prefix").
	Name() string
	// Put stores size bytes from r under key.
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64) error
}

// Archiver records sessions and hands finished recordings to a Store.
type Archiver struct {
	store   Store
	backoff *retry.Backoff
	breaker *retry.CircuitBreaker
	metrics *metrics.Collector
	tempDir string
}

// Options tunes an Archiver.  Zero values select defaults.
type Options struct {
	Attempts int
	MaxDelay time.Duration
	TempDir  string
	Metrics  *metrics.Collector
}

// New returns an Archiver writing to store.
func New(store Store, opts Options) *Archiver {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	return &Archiver{
		store:   store,
		backoff: retry.ArchiveBackoff(opts.Attempts, opts.MaxDelay),
		breaker: retry.NewCircuitBreaker(retry.BreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute}),
		metrics: opts.Metrics,
		tempDir: opts.TempDir,
	}
}

// Store returns the destination store.
func (a *Archiver) Store() Store { return a.store }

// Begin starts a recording for the given session.
func (a *Archiver) Begin(sessionID string) (*Recording, error) {
	f, err := os.CreateTemp(a.tempDir, "mrd-"+sessionID+"-*.part")
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return &Recording{archiver: a, file: f, key: sessionID + ".mrd"}, nil
}

// Recording is an io.Writer collecting one session's inbound bytes.
// Write never fails: after the first disk error the recording is
// marked broken and later writes are dropped.
type Recording struct {
	archiver *Archiver
	file     *os.File
	key      string
	size     int64
	err      error
}

// Key is the name the recording will be stored under.
func (r *Recording) Key() string { return r.key }

func (r *Recording) Write(p []byte) (int, error) {
	if r.err == nil {
		n, err := r.file.Write(p)
		r.size += int64(n)
		r.err = err
	}
	return len(p), nil
}

// Finish stores the recording and removes the temp file.  The returned
// error is for logging only.
func (r *Recording) Finish(ctx context.Context) (err error) {
	a := r.archiver
	logger := zerolog.Ctx(ctx)
	defer r.cleanup()
	defer func() { a.metrics.ArchiveStored(err == nil) }()

	if r.err != nil {
		return fmt.Errorf("archive %s: recording: %w", r.key, r.err)
	}

	err = a.breaker.Execute(func() error {
		return a.backoff.Do(ctx, func(ctx context.Context, attempt int) error {
			if _, err := r.file.Seek(0, io.SeekStart); err != nil {
				return retry.Permanent(err)
			}
			if attempt > 1 {
				logger.Debug().Int("attempt", attempt).Str("key", r.key).Msg("retrying archive upload")
			}
			return a.store.Put(ctx, r.key, r.file, r.size)
		})
	})
	if err != nil {
		return fmt.Errorf("archive %s to %s: %w", r.key, a.store.Name(), err)
	}
	logger.Info().Str("key", r.key).Int64("bytes", r.size).Str("store", a.store.Name()).Msg("session archived")
	return nil
}

// Discard drops the recording without storing it.
func (r *Recording) Discard() { r.cleanup() }

func (r *Recording) cleanup() {
	name := r.file.Name()
	r.file.Close()
	os.Remove(name)
}
