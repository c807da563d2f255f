package mrd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ── Reader ───────────────────────────────────────────────────────────

// Reader pulls frames off a byte stream.  The caller reads an
// identifier with ReadID and then the matching payload; Reader keeps
// no state between calls, so the two must stay paired.
type Reader struct {
	r     io.Reader
	codec Codec
}

// NewReader returns a Reader over r.  A nil codec selects DefaultCodec.
func NewReader(r io.Reader, codec Codec) *Reader {
	if codec == nil {
		codec = DefaultCodec
	}
	return &Reader{r: r, codec: codec}
}

func (r *Reader) ReadID() (MessageID, error) { return ReadID(r.r) }

func (r *Reader) ReadText() (string, error) { return ReadText(r.r) }

func (r *Reader) DiscardConfigFile() error { return DiscardConfigFile(r.r) }

func (r *Reader) ReadAcquisition() (*Acquisition, error) { return r.codec.DecodeAcquisition(r.r) }

func (r *Reader) ReadWaveform() (*Waveform, error) { return r.codec.DecodeWaveform(r.r) }

func (r *Reader) ReadImage() (*Image, error) { return r.codec.DecodeImage(r.r) }

// ── Writer ───────────────────────────────────────────────────────────

// Writer emits whole frames.  Each Write* call holds the lock for the
// full frame and flushes before returning, so frames from concurrent
// callers (a session and its log relay) never interleave on the wire.
type Writer struct {
	mu    sync.Mutex
	out   io.Writer
	bw    *bufio.Writer
	codec Codec
}

// NewWriter returns a Writer over w.  A nil codec selects DefaultCodec.
func NewWriter(w io.Writer, codec Codec) *Writer {
	if codec == nil {
		codec = DefaultCodec
	}
	return &Writer{out: w, bw: bufio.NewWriter(w), codec: codec}
}

// WriteFrame writes id followed by whatever payload writes, then flushes.
// A nil payload writes a bare identifier.
func (w *Writer) WriteFrame(id MessageID, payload func(io.Writer) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := WriteID(w.bw, id); err != nil {
		return err
	}
	if payload != nil {
		if err := payload(w.bw); err != nil {
			// Discard whatever part of the frame is still buffered.
			w.bw.Reset(w.out)
			return fmt.Errorf("write %s: %w", id, err)
		}
	}
	return w.bw.Flush()
}

// WriteText sends a TEXT frame.
func (w *Writer) WriteText(s string) error {
	return w.WriteFrame(MsgText, func(bw io.Writer) error { return WriteText(bw, s) })
}

// WriteMetadata sends a METADATA_XML_TEXT frame.
func (w *Writer) WriteMetadata(xml string) error {
	return w.WriteFrame(MsgMetadataXMLText, func(bw io.Writer) error { return WriteText(bw, xml) })
}

// WriteConfigText sends a CONFIG_TEXT frame.
func (w *Writer) WriteConfigText(s string) error {
	return w.WriteFrame(MsgConfigText, func(bw io.Writer) error { return WriteText(bw, s) })
}

// WriteConfigFile sends a CONFIG_FILE frame naming a server-side config.
func (w *Writer) WriteConfigFile(name string) error {
	return w.WriteFrame(MsgConfigFile, func(bw io.Writer) error { return WriteConfigFile(bw, name) })
}

// WriteParameters sends params as the TEXT frame `{"parameters": ...}`
// that carries a session's configuration.
func (w *Writer) WriteParameters(params map[string]any) error {
	doc, err := json.Marshal(struct {
		Parameters map[string]any `json:"parameters"`
	}{params})
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	return w.WriteText(string(doc))
}

func (w *Writer) WriteAcquisition(a *Acquisition) error {
	return w.WriteFrame(MsgAcquisition, func(bw io.Writer) error { return w.codec.EncodeAcquisition(bw, a) })
}

func (w *Writer) WriteWaveform(wf *Waveform) error {
	return w.WriteFrame(MsgWaveform, func(bw io.Writer) error { return w.codec.EncodeWaveform(bw, wf) })
}

func (w *Writer) WriteImage(img *Image) error {
	return w.WriteFrame(MsgImage, func(bw io.Writer) error { return w.codec.EncodeImage(bw, img) })
}

// WriteClose sends a CLOSE frame (no payload).
func (w *Writer) WriteClose() error { return w.WriteFrame(MsgClose, nil) }
