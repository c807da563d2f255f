package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"mrdserver/internal/errors"
	"mrdserver/internal/mrd"
	"mrdserver/internal/transport"
	"mrdserver/util"
)

// SendMode is the client side: it streams a recorded MRD byte stream to
// a server and collects the reply.  TEXT frames are logged, IMAGE
// frames are written to Output (when set) and CLOSE ends the exchange.
type SendMode struct {
	Dialer  transport.Dialer
	Address string

	// Input is the recorded stream to send.  It should end with CLOSE;
	// if it does not, the server sees EOF and aborts the session.  When
	// nil, InputPath is opened ("-" is stdin).
	Input     io.Reader
	InputPath string
	// Output receives the returned images followed by CLOSE as an MRD
	// stream.  When nil, OutputPath is created ("-" is stdout); with
	// neither set the images are discarded.
	Output     io.Writer
	OutputPath string

	Codec  mrd.Codec
	Logger zerolog.Logger

	// Images is the number of images received by the last Run.
	Images int
}

// Run dials, streams Input and reads the server's reply until CLOSE.
func (m *SendMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	input := m.Input
	if input == nil {
		f, err := openInput(m.InputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		input = f
	}
	output := m.Output
	if output == nil {
		f, err := createOutput(m.OutputPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		if f != nil {
			defer f.Close()
			output = f
		}
	}

	m.Logger.Info().Str("addr", m.Address).Msg("connecting")
	conn, err := m.Dialer.Dial(ctx, "tcp", m.Address)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Address, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sent := &util.CountingWriter{W: conn}
	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(sent, input)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite() //nolint:errcheck
		}
		copyErr <- err
	}()

	err = m.receive(conn, output)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	select {
	case err := <-copyErr:
		if err != nil && !util.IsHarmless(err) {
			return errors.Wrap("write", m.Address, err)
		}
	default:
		// CLOSE arrived before all input was sent; the rest is moot.
	}
	m.Logger.Info().Int("images", m.Images).Int64("bytes_sent", sent.Count()).Msg("session complete")
	return nil
}

func (m *SendMode) receive(conn io.Reader, output io.Writer) error {
	br := util.GetReader(conn)
	defer util.PutReader(br)
	r := mrd.NewReader(br, m.Codec)

	var out *mrd.Writer
	if output != nil {
		out = mrd.NewWriter(output, m.Codec)
	}

	m.Images = 0
	for {
		id, err := r.ReadID()
		if err != nil {
			if util.IsHarmless(err) {
				return errors.Protocol("read identifier", 0,
					fmt.Errorf("server closed the connection before %s", mrd.MsgClose))
			}
			return errors.Protocol("read identifier", 0, err)
		}

		switch id {
		case mrd.MsgText:
			text, err := r.ReadText()
			if err != nil {
				return errors.Protocol("read text", uint16(id), err)
			}
			m.Logger.Info().Str("from", "server").Msg(text)

		case mrd.MsgImage:
			img, err := r.ReadImage()
			if err != nil {
				return errors.Protocol("decode image", uint16(id), err)
			}
			m.Images++
			m.Logger.Debug().Int("index", img.ImageIndex()).Msg("received image")
			if out != nil {
				if err := out.WriteImage(img); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}

		case mrd.MsgClose:
			if out != nil {
				if err := out.WriteClose(); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			return nil

		default:
			return errors.Protocol("read reply", uint16(id), fmt.Errorf("unexpected %s from server", id))
		}
	}
}

// openInput opens path, or stdin for "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// createOutput creates path, or returns stdout for "-" and nil for "".
func createOutput(path string) (io.WriteCloser, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
