package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mrdserver/internal/archive"
	"mrdserver/internal/errors"
	"mrdserver/internal/metrics"
	"mrdserver/internal/mrd"
	"mrdserver/internal/recon"
	"mrdserver/internal/relay"
	"mrdserver/util"
)

// Options configures a Handler.  Only Engine is commonly set; every
// other field has a usable zero value.
type Options struct {
	Engine recon.Engine
	Codec  mrd.Codec

	// Sink is the process log destination.  Each session logs to it and
	// to its own relay.
	Sink       util.LogSink
	RelayLevel zerolog.Level

	// IdleTimeout bounds the wait for each inbound frame (0 = none).
	IdleTimeout time.Duration
	// MaxRecords caps acquisitions+waveforms+images per session (0 = none).
	MaxRecords int

	Metrics  *metrics.Collector
	Archiver *archive.Archiver
	Tracer   trace.Tracer
	NewID    func() string
}

// Handler runs the session state machine over accepted connections.
// A single Handler serves any number of concurrent connections.
type Handler struct {
	opts Options
}

// NewHandler fills in defaults for opts.
func NewHandler(opts Options) *Handler {
	if opts.Engine == nil {
		opts.Engine = recon.Passthrough{}
	}
	if opts.Sink.Out == nil {
		opts.Sink = util.LogSink{Out: io.Discard, Level: zerolog.Disabled}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("mrdserver/session")
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Handler{opts: opts}
}

// Engine returns the reconstruction engine sessions are handed to.
func (h *Handler) Engine() recon.Engine { return h.opts.Engine }

// Handle runs one connection until CLOSE or failure.  The relay is
// detached and conn closed on every return path, after a final
// "Closing connection" record.  The returned session
// is never nil; a non-nil error means it was aborted.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) (sess *Session, err error) {
	sess = New(h.opts.NewID(), conn.RemoteAddr().String())
	h.opts.Metrics.SessionOpened()

	in := &util.CountingReader{R: conn}
	out := &util.CountingWriter{W: conn}
	w := mrd.NewWriter(out, h.opts.Codec)

	rl := relay.New(w, h.opts.RelayLevel)
	logger := util.NewTeeLogger(h.opts.Sink, rl, h.opts.RelayLevel).With().
		Str("session", sess.ID).
		Str("remote", sess.Remote).
		Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := h.opts.Tracer.Start(ctx, "mrd.session", trace.WithAttributes(
		attribute.String("mrd.session.id", sess.ID),
		attribute.String("net.peer.addr", sess.Remote),
	))

	var src io.Reader = in
	var rec *archive.Recording
	if h.opts.Archiver != nil {
		if rec, err = h.opts.Archiver.Begin(sess.ID); err != nil {
			logger.Warn().Err(err).Msg("archiving disabled for this session")
			rec, err = nil, nil
		} else {
			src = io.TeeReader(in, rec)
		}
	}
	br := util.GetReader(src)

	defer func() {
		// Logged while the relay is attached so the client sees it too.
		logger.Info().Str("state", sess.State.String()).Msg("Closing connection")
		rl.Close()
		conn.Close()
		util.PutReader(br)

		h.opts.Metrics.BytesReceived(in.Count())
		h.opts.Metrics.BytesSent(out.Count())
		if sess.State == StateClosed {
			h.opts.Metrics.SessionClosed(metrics.OutcomeClosed)
		} else {
			h.opts.Metrics.SessionClosed(metrics.OutcomeAborted)
		}

		span.SetAttributes(
			attribute.String("mrd.session.state", sess.State.String()),
			attribute.Int("mrd.acquisitions", len(sess.Acquisitions)),
			attribute.Int64("mrd.bytes_in", in.Count()),
		)
		span.End()

		if rec != nil {
			if aerr := rec.Finish(context.WithoutCancel(ctx)); aerr != nil {
				logger.Warn().Err(aerr).Msg("session archive failed")
			}
		}
	}()

	logger.Info().Msg("session started")
	x := &exchange{
		h:      h,
		sess:   sess,
		conn:   conn,
		r:      mrd.NewReader(br, h.opts.Codec),
		w:      w,
		logger: &logger,
	}
	if err = x.run(ctx); err != nil {
		sess.State = StateAborted
		span.RecordError(err)
		span.SetStatus(codes.Error, errors.Kind(err))
		h.logFailure(&logger, err)
		return sess, err
	}
	return sess, nil
}

func (h *Handler) logFailure(logger *zerolog.Logger, err error) {
	var pe *errors.ProtocolError
	if errors.As(err, &pe) && pe.ID == 0 && util.IsHarmless(pe.Err) {
		logger.Warn().Err(err).Msg("client disconnected before CLOSE")
		return
	}
	h.opts.Metrics.RecordError(errors.Kind(err), err.Error())
	logger.Error().Err(err).Str("kind", errors.Kind(err)).Msg("Error handling connection")
}

// reconstruct calls the engine and checks every image before any is
// sent.  Engine panics are turned into errors so one bad session cannot
// take the listener down.
func (h *Handler) reconstruct(ctx context.Context, sess *Session) (images []*mrd.Image, err error) {
	engine := h.opts.Engine
	ctx, span := h.opts.Tracer.Start(ctx, "mrd.reconstruct", trace.WithAttributes(
		attribute.String("mrd.engine", engine.Name()),
		attribute.Int("mrd.acquisitions", len(sess.Acquisitions)),
		attribute.Int("mrd.waveforms", len(sess.Waveforms)),
		attribute.Int("mrd.images_in", len(sess.Images)),
	))
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			images, err = nil, fmt.Errorf("engine panic: %v", p)
		}
		h.opts.Metrics.ObserveReconstruct(engine.Name(), time.Since(start), err == nil)
		if err != nil {
			images = nil
			err = &errors.ReconstructError{Engine: engine.Name(), Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconstruction failed")
		} else {
			span.SetAttributes(attribute.Int("mrd.images_out", len(images)))
		}
		span.End()
	}()

	images, err = engine.Reconstruct(ctx, sess.Input())
	if err != nil {
		return nil, err
	}
	for i, img := range images {
		if img == nil {
			return nil, fmt.Errorf("image %d is nil", i)
		}
		if err := img.Validate(); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
	}
	return images, nil
}
