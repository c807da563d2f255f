package mrd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	ErrShortIdentifier = errors.New("mrd: short message identifier")
	ErrShortLength     = errors.New("mrd: short length prefix")
	ErrShortPayload    = errors.New("mrd: short payload")
	ErrTextTooLarge    = errors.New("mrd: text payload too large")
)

// ReadID reads one frame identifier.  A clean EOF before the first byte
// is returned as io.EOF so callers can tell a peer hang-up at a frame
// boundary from a truncated frame.
func ReadID(r io.Reader) (MessageID, error) {
	var b [IdentifierSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortIdentifier
		}
		return 0, err
	}
	return MessageID(byteOrder.Uint16(b[:])), nil
}

// WriteID writes one frame identifier.
func WriteID(w io.Writer, id MessageID) error {
	var b [IdentifierSize]byte
	byteOrder.PutUint16(b[:], uint16(id))
	_, err := w.Write(b[:])
	return err
}

// ReadText reads a length-prefixed text payload.  The value is every
// byte before the first NUL; anything after it is padding.
func ReadText(r io.Reader) (string, error) {
	var lb [LengthSize]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", shortRead(err, ErrShortLength)
	}
	n := byteOrder.Uint32(lb[:])
	if n > MaxTextLength {
		return "", fmt.Errorf("%w: %d bytes", ErrTextTooLarge, n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", shortRead(err, ErrShortPayload)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// WriteText writes s as a length-prefixed, NUL-terminated payload.
func WriteText(w io.Writer, s string) error {
	n := len(s) + 1
	if n > MaxTextLength {
		return fmt.Errorf("%w: %d bytes", ErrTextTooLarge, n)
	}
	var lb [LengthSize]byte
	byteOrder.PutUint32(lb[:], uint32(n))
	if _, err := w.Write(lb[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

// DiscardConfigFile drains the fixed-size CONFIG_FILE payload.
func DiscardConfigFile(r io.Reader) error {
	if _, err := io.CopyN(io.Discard, r, ConfigFileSize); err != nil {
		return shortRead(err, ErrShortPayload)
	}
	return nil
}

// WriteConfigFile writes name as a CONFIG_FILE payload, NUL padded to
// the fixed size.
func WriteConfigFile(w io.Writer, name string) error {
	if len(name) >= ConfigFileSize {
		return fmt.Errorf("mrd: config file name longer than %d bytes", ConfigFileSize-1)
	}
	var b [ConfigFileSize]byte
	copy(b[:], name)
	_, err := w.Write(b[:])
	return err
}

// readFull is io.ReadFull with truncation mapped to ErrShortPayload.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return shortRead(err, ErrShortPayload)
	}
	return nil
}

// shortRead maps an EOF inside a frame to the given sentinel: once the
// identifier has been read, running out of bytes is never a clean close.
func shortRead(err, sentinel error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return sentinel
	}
	return err
}
