package util

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
)

func TestIsHarmless(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"net closed", net.ErrClosed, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"op closed", &net.OpError{Op: "write", Err: net.ErrClosed}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, false},
		{"other", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHarmless(tt.err); got != tt.want {
				t.Errorf("IsHarmless(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCountingReaderWriter(t *testing.T) {
	r := &CountingReader{R: strings.NewReader("hello world")}
	var out bytes.Buffer
	w := &CountingWriter{W: &out}
	if _, err := io.Copy(w, r); err != nil {
		t.Fatal(err)
	}
	if r.Count() != 11 || w.Count() != 11 {
		t.Errorf("read %d, wrote %d, want 11/11", r.Count(), w.Count())
	}
}
