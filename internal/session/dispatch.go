package session

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/rs/zerolog"

	"mrdserver/internal/errors"
	"mrdserver/internal/mrd"
)

// exchange is one connection's read loop.  Everything in it is owned by
// the goroutine running Handle.
type exchange struct {
	h      *Handler
	sess   *Session
	conn   net.Conn
	r      *mrd.Reader
	w      *mrd.Writer
	logger *zerolog.Logger
}

// frameHandler consumes one frame's payload.  done ends the loop.
type frameHandler func(x *exchange, ctx context.Context, id mrd.MessageID) (done bool, err error)

// dispatch maps each known inbound identifier to its handler.  Anything
// not listed is logged and skipped without reading a payload: the
// envelope carries no length, so an unknown frame's extent is unknowable.
var dispatch = map[mrd.MessageID]frameHandler{
	mrd.MsgText:            (*exchange).onText,
	mrd.MsgMetadataXMLText: (*exchange).onMetadata,
	mrd.MsgAcquisition:     (*exchange).onAcquisition,
	mrd.MsgWaveform:        (*exchange).onWaveform,
	mrd.MsgImage:           (*exchange).onImage,
	mrd.MsgConfigText:      (*exchange).onConfigText,
	mrd.MsgConfigFile:      (*exchange).onConfigFile,
	mrd.MsgClose:           (*exchange).onClose,
}

func (x *exchange) run(ctx context.Context) error {
	m := x.h.opts.Metrics
	for {
		if d := x.h.opts.IdleTimeout; d > 0 {
			x.conn.SetReadDeadline(time.Now().Add(d)) //nolint:errcheck
		}
		id, err := x.r.ReadID()
		if err != nil {
			return errors.Protocol("read identifier", 0, err)
		}

		handle, ok := dispatch[id]
		if !ok {
			m.FrameReceived("unknown")
			x.logger.Warn().Uint16("identifier", uint16(id)).
				Msgf("Received unsupported message identifier: %d", uint16(id))
			continue
		}
		m.FrameReceived(id.String())

		done, err := handle(x, ctx, id)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ── Text payloads ────────────────────────────────────────────────────

func (x *exchange) onText(_ context.Context, id mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_TEXT")
	text, err := x.r.ReadText()
	if err != nil {
		return false, errors.Protocol("read text", uint16(id), err)
	}
	params, err := parseParameters(text)
	if err != nil {
		return false, errors.Protocol("parse parameters", uint16(id), err)
	}
	x.sess.Config = params
	x.logger.Debug().Interface("config", params).Msg("Config")
	return false, nil
}

// parseParameters extracts the "parameters" object of a TEXT payload.
// A null value yields an empty map.
func parseParameters(text string) (map[string]any, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}
	raw, ok := doc["parameters"]
	if !ok {
		return nil, errors.New(`missing "parameters" field`)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func (x *exchange) onMetadata(_ context.Context, id mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_METADATA_XML_TEXT")
	xml, err := x.r.ReadText()
	if err != nil {
		return false, errors.Protocol("read metadata", uint16(id), err)
	}
	x.sess.Metadata = xml
	x.sess.HasMetadata = true
	x.logger.Debug().Str("metadata", xml).Msg("XML Metadata")
	return false, nil
}

func (x *exchange) onConfigText(_ context.Context, id mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_CONFIG_TEXT. ignoring.")
	if _, err := x.r.ReadText(); err != nil {
		return false, errors.Protocol("read config text", uint16(id), err)
	}
	return false, nil
}

func (x *exchange) onConfigFile(_ context.Context, id mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_CONFIG_FILE. ignoring.")
	if err := x.r.DiscardConfigFile(); err != nil {
		return false, errors.Protocol("read config file", uint16(id), err)
	}
	return false, nil
}

// ── Structural records ───────────────────────────────────────────────

// admit enforces the optional per-session record cap.
func (x *exchange) admit(op string, id mrd.MessageID) error {
	if limit := x.h.opts.MaxRecords; limit > 0 && x.sess.Records() >= limit {
		return errors.Protocol(op, uint16(id), errors.ErrTooManyRecords)
	}
	return nil
}

func (x *exchange) onAcquisition(_ context.Context, id mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_ISMRMRD_ACQUISITION")
	if err := x.admit("decode acquisition", id); err != nil {
		return false, err
	}
	acq, err := x.r.ReadAcquisition()
	if err != nil {
		return false, errors.Protocol("decode acquisition", uint16(id), err)
	}
	x.sess.Acquisitions = append(x.sess.Acquisitions, acq)
	return false, nil
}

func (x *exchange) onWaveform(_ context.Context, id mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_ISMRMRD_WAVEFORM")
	if err := x.admit("decode waveform", id); err != nil {
		return false, err
	}
	wf, err := x.r.ReadWaveform()
	if err != nil {
		return false, errors.Protocol("decode waveform", uint16(id), err)
	}
	x.sess.Waveforms = append(x.sess.Waveforms, wf)
	return false, nil
}

func (x *exchange) onImage(_ context.Context, id mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_ISMRMRD_IMAGE")
	if err := x.admit("decode image", id); err != nil {
		return false, err
	}
	img, err := x.r.ReadImage()
	if err != nil {
		return false, errors.Protocol("decode image", uint16(id), err)
	}
	x.sess.Images = append(x.sess.Images, img)
	return false, nil
}

// ── Close ────────────────────────────────────────────────────────────

// onClose reconstructs and streams the results.  Either every image is
// sent followed by CLOSE, or (on any failure before the first write)
// nothing is.
func (x *exchange) onClose(ctx context.Context, _ mrd.MessageID) (bool, error) {
	x.logger.Info().Msg("Received MRD_MESSAGE_CLOSE. Processing data...")
	if !x.sess.HasMetadata {
		return true, errors.ErrNoMetadata
	}
	// Reconstruction can take far longer than any idle timeout.
	x.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	images, err := x.h.reconstruct(ctx, x.sess)
	if err != nil {
		return true, err
	}
	x.logger.Info().Int("images", len(images)).Msg("Done Processing.")

	remote := x.sess.Remote
	for _, img := range images {
		x.logger.Info().Msg("Sending Image")
		if err := x.w.WriteImage(img); err != nil {
			return true, errors.Wrap("write image", remote, err)
		}
		x.h.opts.Metrics.ImageSent()
	}

	x.logger.Info().Msg("Sending MRD_MESSAGE_CLOSE")
	if err := x.w.WriteClose(); err != nil {
		return true, errors.Wrap("write close", remote, err)
	}
	x.sess.State = StateClosed
	return true, nil
}
