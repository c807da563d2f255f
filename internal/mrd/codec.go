package mrd

import (
	"fmt"
	"io"
)

// Codec reads and writes the structural records that follow the
// ACQUISITION, WAVEFORM and IMAGE identifiers.  Each record determines
// its own extent; there is no length prefix at the frame layer.
type Codec interface {
	DecodeAcquisition(r io.Reader) (*Acquisition, error)
	DecodeWaveform(r io.Reader) (*Waveform, error)
	DecodeImage(r io.Reader) (*Image, error)

	EncodeAcquisition(w io.Writer, a *Acquisition) error
	EncodeWaveform(w io.Writer, wf *Waveform) error
	EncodeImage(w io.Writer, img *Image) error
}

// DefaultCodec speaks the ISMRMRD binary record layout.
var DefaultCodec Codec = ISMRMRD{}

// ISMRMRD is the stock [Codec]: packed header, then payload arrays sized
// from the header (images carry a uint64-prefixed attribute string
// between the header and the pixel data).
type ISMRMRD struct{}

// ── Decode ───────────────────────────────────────────────────────────

func (ISMRMRD) DecodeAcquisition(r io.Reader) (*Acquisition, error) {
	a := &Acquisition{}
	if err := readFull(r, a.Head[:]); err != nil {
		return nil, fmt.Errorf("acquisition header: %w", err)
	}
	tn, dn := a.trajBytes(), a.dataBytes()
	if tn+dn > MaxRecordBytes {
		return nil, fmt.Errorf("%w: acquisition %d bytes", ErrRecordTooLarge, tn+dn)
	}
	a.Traj = make([]byte, tn)
	if err := readFull(r, a.Traj); err != nil {
		return nil, fmt.Errorf("acquisition trajectory: %w", err)
	}
	a.Data = make([]byte, dn)
	if err := readFull(r, a.Data); err != nil {
		return nil, fmt.Errorf("acquisition data: %w", err)
	}
	return a, nil
}

func (ISMRMRD) DecodeWaveform(r io.Reader) (*Waveform, error) {
	w := &Waveform{}
	if err := readFull(r, w.Head[:]); err != nil {
		return nil, fmt.Errorf("waveform header: %w", err)
	}
	n := w.dataBytes()
	if n > MaxRecordBytes {
		return nil, fmt.Errorf("%w: waveform %d bytes", ErrRecordTooLarge, n)
	}
	w.Data = make([]byte, n)
	if err := readFull(r, w.Data); err != nil {
		return nil, fmt.Errorf("waveform data: %w", err)
	}
	return w, nil
}

func (ISMRMRD) DecodeImage(r io.Reader) (*Image, error) {
	img := &Image{}
	if err := readFull(r, img.Head[:]); err != nil {
		return nil, fmt.Errorf("image header: %w", err)
	}

	var lb [AttribLengthSize]byte
	if err := readFull(r, lb[:]); err != nil {
		return nil, fmt.Errorf("image attribute length: %w", err)
	}
	an := byteOrder.Uint64(lb[:])
	if an > MaxTextLength {
		return nil, fmt.Errorf("%w: image attributes %d bytes", ErrTextTooLarge, an)
	}
	attr := make([]byte, an)
	if err := readFull(r, attr); err != nil {
		return nil, fmt.Errorf("image attributes: %w", err)
	}
	img.Attributes = string(attr)

	n, err := img.dataBytes()
	if err != nil {
		return nil, err
	}
	img.Data = make([]byte, n)
	if err := readFull(r, img.Data); err != nil {
		return nil, fmt.Errorf("image data: %w", err)
	}
	return img, nil
}

// ── Encode ───────────────────────────────────────────────────────────

func (ISMRMRD) EncodeAcquisition(w io.Writer, a *Acquisition) error {
	if int64(len(a.Traj)) != a.trajBytes() || int64(len(a.Data)) != a.dataBytes() {
		return fmt.Errorf("mrd: acquisition payload does not match header (traj %d, data %d)",
			len(a.Traj), len(a.Data))
	}
	return writeAll(w, a.Head[:], a.Traj, a.Data)
}

func (ISMRMRD) EncodeWaveform(w io.Writer, wf *Waveform) error {
	if int64(len(wf.Data)) != wf.dataBytes() {
		return fmt.Errorf("mrd: waveform payload does not match header (data %d)", len(wf.Data))
	}
	return writeAll(w, wf.Head[:], wf.Data)
}

func (ISMRMRD) EncodeImage(w io.Writer, img *Image) error {
	if err := img.Validate(); err != nil {
		return err
	}

	head := img.Head
	byteOrder.PutUint32(head[imgAttributeLen:], uint32(len(img.Attributes)))
	var lb [AttribLengthSize]byte
	byteOrder.PutUint64(lb[:], uint64(len(img.Attributes)))

	return writeAll(w, head[:], lb[:], []byte(img.Attributes), img.Data)
}

func writeAll(w io.Writer, parts ...[]byte) error {
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}
