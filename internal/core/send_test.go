package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	mrderrors "mrdserver/internal/errors"
	"mrdserver/internal/mrd"
	"mrdserver/internal/transport"
)

func recorded(t *testing.T, frames func(w *mrd.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	frames(mrd.NewWriter(&buf, nil))
	return buf.Bytes()
}

func TestSendAgainstServe(t *testing.T) {
	addr, _ := startServe(t, &ServeMode{})

	input := recorded(t, func(w *mrd.Writer) {
		w.WriteParameters(map[string]any{"comment": "t"}) //nolint:errcheck
		w.WriteMetadata("<ismrmrdHeader/>")               //nolint:errcheck
		for i := 0; i < 3; i++ {
			img, _ := mrd.NewImage(mrd.DataUShort, 8, 8, 1, 1)
			img.SetImageIndex(i)
			w.WriteImage(img) //nolint:errcheck
		}
		w.WriteClose() //nolint:errcheck
	})

	var out bytes.Buffer
	mode := &SendMode{
		Dialer:  &transport.TCPDialer{Timeout: time.Second},
		Address: addr,
		Input:   bytes.NewReader(input),
		Output:  &out,
		Logger:  zerolog.Nop(),
	}
	if err := mode.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mode.Images != 3 {
		t.Errorf("Images = %d, want 3", mode.Images)
	}

	// The output is itself an MRD stream: three images, then CLOSE.
	r := mrd.NewReader(&out, nil)
	for i := 0; i < 3; i++ {
		id, err := r.ReadID()
		if err != nil || id != mrd.MsgImage {
			t.Fatalf("frame %d: %v %v", i, id, err)
		}
		img, err := r.ReadImage()
		if err != nil {
			t.Fatal(err)
		}
		if img.ImageIndex() != i {
			t.Errorf("image %d has index %d", i, img.ImageIndex())
		}
	}
	if id, err := r.ReadID(); err != nil || id != mrd.MsgClose {
		t.Errorf("last frame: %v %v", id, err)
	}
}

func TestSendFiles(t *testing.T) {
	addr, _ := startServe(t, &ServeMode{})
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mrd")
	outPath := filepath.Join(dir, "out.mrd")
	data := recorded(t, func(w *mrd.Writer) {
		w.WriteMetadata("<h/>") //nolint:errcheck
		w.WriteClose()          //nolint:errcheck
	})
	if err := os.WriteFile(in, data, 0o644); err != nil {
		t.Fatal(err)
	}

	mode := &SendMode{
		Dialer:     &transport.TCPDialer{},
		Address:    addr,
		InputPath:  in,
		OutputPath: outPath,
		Logger:     zerolog.Nop(),
	}
	if err := mode.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	// No images: just the CLOSE identifier.
	if !bytes.Equal(got, []byte{4, 0}) {
		t.Errorf("output = %v", got)
	}

	mode.InputPath = filepath.Join(dir, "missing.mrd")
	if err := mode.Run(context.Background()); err == nil {
		t.Error("missing input accepted")
	}
}

// fakeServer answers every connection with reply and hangs up.
func fakeServer(t *testing.T, reply []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Write(reply) //nolint:errcheck
			c.Close()
		}
	}()
	return ln.Addr().String()
}

func TestSendReplyErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
		op    string
	}{
		{"hang up", recorded(t, func(w *mrd.Writer) { w.WriteText("bye") }), "read identifier"}, //nolint:errcheck
		{"unexpected acquisition", recorded(t, func(w *mrd.Writer) {
			w.WriteAcquisition(mrd.NewAcquisition(2, 1, 0)) //nolint:errcheck
		}), "read reply"},
		{"truncated image", []byte{0xfe, 0x03, 1, 2, 3}, "decode image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode := &SendMode{
				Dialer:  &transport.TCPDialer{},
				Address: fakeServer(t, tt.reply),
				Input:   bytes.NewReader(nil),
				Logger:  zerolog.Nop(),
			}
			err := mode.Run(context.Background())
			var pe *mrderrors.ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want ProtocolError", err)
			}
			if pe.Op != tt.op {
				t.Errorf("Op = %q, want %q", pe.Op, tt.op)
			}
		})
	}
}

func TestSendDialError(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	mode := &SendMode{
		Dialer:  &transport.TCPDialer{},
		Address: addr,
		Input:   bytes.NewReader(nil),
		Logger:  zerolog.Nop(),
	}
	var ne *mrderrors.NetworkError
	if err := mode.Run(context.Background()); !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NetworkError", err)
	}
}
