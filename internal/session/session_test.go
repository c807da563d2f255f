package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mrdserver/internal/archive"
	mrderrors "mrdserver/internal/errors"
	"mrdserver/internal/metrics"
	"mrdserver/internal/mrd"
	"mrdserver/internal/recon"
	"mrdserver/util"
)

// frame is one server-to-client message as seen by the test client.
type frame struct {
	id   mrd.MessageID
	text string
	img  *mrd.Image
}

// collect reads server frames until the connection closes.
func collect(conn net.Conn) <-chan []frame {
	ch := make(chan []frame, 1)
	go func() {
		r := mrd.NewReader(conn, nil)
		var out []frame
		defer func() { ch <- out }()
		for {
			id, err := r.ReadID()
			if err != nil {
				return
			}
			f := frame{id: id}
			switch id {
			case mrd.MsgText:
				if f.text, err = r.ReadText(); err != nil {
					return
				}
			case mrd.MsgImage:
				if f.img, err = r.ReadImage(); err != nil {
					return
				}
			}
			out = append(out, f)
		}
	}()
	return ch
}

type result struct {
	sess   *Session
	err    error
	frames []frame
}

// runSession drives h over an in-memory connection.  send's write
// errors are ignored: an aborting server may close its end early.
func runSession(t *testing.T, h *Handler, send func(w *mrd.Writer)) result {
	t.Helper()
	return drive(t, h, send, false)
}

// drive is runSession with the option to hang up once send returns.
func drive(t *testing.T, h *Handler, send func(w *mrd.Writer), hangup bool) result {
	t.Helper()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan result, 1)
	go func() {
		s, err := h.Handle(context.Background(), server)
		done <- result{sess: s, err: err}
	}()
	frames := collect(client)

	send(mrd.NewWriter(client, nil))
	if hangup {
		client.Close()
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	res.frames = <-frames
	return res
}

// nonText filters out relayed log lines.
func nonText(frames []frame) []frame {
	var out []frame
	for _, f := range frames {
		if f.id != mrd.MsgText {
			out = append(out, f)
		}
	}
	return out
}

func texts(frames []frame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.id == mrd.MsgText {
			b.WriteString(f.text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func newImage(t *testing.T, index int) *mrd.Image {
	t.Helper()
	img, err := mrd.NewImage(mrd.DataFloat, 4, 4, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	img.SetImageIndex(index)
	return img
}

// recorder is a recon.Engine stub that remembers every call.
type recorder struct {
	mu     sync.Mutex
	calls  []*recon.Input
	images []*mrd.Image
	err    error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Reconstruct(_ context.Context, in *recon.Input) ([]*mrd.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	return r.images, r.err
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestAcquisitionsReachEngineInOrder(t *testing.T) {
	for _, n := range []int{0, 1, 7, 64} {
		t.Run("", func(t *testing.T) {
			eng := &recorder{}
			res := runSession(t, NewHandler(Options{Engine: eng}), func(w *mrd.Writer) {
				for i := 0; i < n; i++ {
					a := mrd.NewAcquisition(16, 2, 0)
					a.SetScanCounter(uint32(i))
					w.WriteAcquisition(a) //nolint:errcheck
				}
				w.WriteMetadata("<ismrmrdHeader/>") //nolint:errcheck
				w.WriteClose()                      //nolint:errcheck
			})
			if res.err != nil {
				t.Fatalf("Handle: %v", res.err)
			}
			if eng.callCount() != 1 {
				t.Fatalf("engine called %d times, want 1", eng.callCount())
			}
			acqs := eng.calls[0].Acquisitions
			if len(acqs) != n {
				t.Fatalf("engine got %d acquisitions, want %d", len(acqs), n)
			}
			for i, a := range acqs {
				if a.ScanCounter() != uint32(i) {
					t.Errorf("acquisition %d has scan counter %d", i, a.ScanCounter())
				}
			}
			if res.sess.State != StateClosed {
				t.Errorf("state = %s, want closed", res.sess.State)
			}
		})
	}
}

func TestImagesThenClose(t *testing.T) {
	const k = 3
	eng := &recorder{}
	for i := 0; i < k; i++ {
		eng.images = append(eng.images, newImage(t, i))
	}
	res := runSession(t, NewHandler(Options{Engine: eng}), func(w *mrd.Writer) {
		w.WriteMetadata("<ismrmrdHeader/>") //nolint:errcheck
		w.WriteClose()                      //nolint:errcheck
	})
	if res.err != nil {
		t.Fatal(res.err)
	}

	got := nonText(res.frames)
	if len(got) != k+1 {
		t.Fatalf("got %d non-text frames, want %d", len(got), k+1)
	}
	for i := 0; i < k; i++ {
		if got[i].id != mrd.MsgImage {
			t.Fatalf("frame %d = %s, want IMAGE", i, got[i].id)
		}
		if got[i].img.ImageIndex() != i {
			t.Errorf("image %d has index %d", i, got[i].img.ImageIndex())
		}
	}
	if got[k].id != mrd.MsgClose {
		t.Errorf("last frame = %s, want CLOSE", got[k].id)
	}
	// Only the closing record is relayed after CLOSE.
	var after []frame
	for i, f := range res.frames {
		if f.id == mrd.MsgClose {
			after = res.frames[i+1:]
		}
	}
	if len(after) != 1 || after[0].id != mrd.MsgText || !strings.Contains(after[0].text, "Closing connection") {
		t.Errorf("frames after CLOSE = %+v, want one Closing connection TEXT", after)
	}
}

func TestCloseWithoutMetadata(t *testing.T) {
	eng := &recorder{images: []*mrd.Image{newImage(t, 0)}}
	res := runSession(t, NewHandler(Options{Engine: eng}), func(w *mrd.Writer) {
		w.WriteAcquisition(mrd.NewAcquisition(8, 1, 0)) //nolint:errcheck
		w.WriteClose()                                  //nolint:errcheck
	})
	if !errors.Is(res.err, mrderrors.ErrNoMetadata) {
		t.Fatalf("err = %v, want ErrNoMetadata", res.err)
	}
	if eng.callCount() != 0 {
		t.Error("engine must not run without metadata")
	}
	if res.sess.State != StateAborted {
		t.Errorf("state = %s, want aborted", res.sess.State)
	}
	if got := nonText(res.frames); len(got) != 0 {
		t.Errorf("aborted session sent %d frames", len(got))
	}
	if !strings.Contains(texts(res.frames), "Error handling connection") {
		t.Errorf("error was not relayed:\n%s", texts(res.frames))
	}
}

func TestEmptyMetadataSatisfiesPrecondition(t *testing.T) {
	res := runSession(t, NewHandler(Options{}), func(w *mrd.Writer) {
		w.WriteMetadata("") //nolint:errcheck
		w.WriteClose()      //nolint:errcheck
	})
	if res.err != nil {
		t.Fatalf("err = %v", res.err)
	}
}

func TestUnknownIdentifierIsSkipped(t *testing.T) {
	eng := &recorder{}
	res := runSession(t, NewHandler(Options{Engine: eng}), func(w *mrd.Writer) {
		w.WriteFrame(mrd.MessageID(9999), nil) //nolint:errcheck
		w.WriteMetadata("<ismrmrdHeader/>")    //nolint:errcheck
		w.WriteClose()                         //nolint:errcheck
	})
	if res.err != nil {
		t.Fatalf("Handle: %v", res.err)
	}
	if eng.callCount() != 1 {
		t.Errorf("engine called %d times", eng.callCount())
	}
	if eng.calls[0].Metadata != "<ismrmrdHeader/>" {
		t.Errorf("metadata = %q", eng.calls[0].Metadata)
	}
	if !strings.Contains(texts(res.frames), "unsupported message identifier: 9999") {
		t.Errorf("warning not relayed:\n%s", texts(res.frames))
	}
}

func TestExampleScenario(t *testing.T) {
	out := newImage(t, 1)
	eng := &recorder{images: []*mrd.Image{out}}
	res := runSession(t, NewHandler(Options{Engine: eng}), func(w *mrd.Writer) {
		w.WriteText(`{"parameters":{"comment":"t"}}`)    //nolint:errcheck
		w.WriteMetadata("<ismrmrdHeader/>")             //nolint:errcheck
		w.WriteAcquisition(mrd.NewAcquisition(8, 1, 0)) //nolint:errcheck
		w.WriteClose()                                  //nolint:errcheck
	})
	if res.err != nil {
		t.Fatal(res.err)
	}
	in := eng.calls[0]
	if len(in.Acquisitions) != 1 || len(in.Images) != 0 || len(in.Waveforms) != 0 {
		t.Errorf("input counts: %d acq, %d img, %d wf",
			len(in.Acquisitions), len(in.Images), len(in.Waveforms))
	}
	if in.Config["comment"] != "t" || len(in.Config) != 1 {
		t.Errorf("config = %v", in.Config)
	}
	if in.Metadata != "<ismrmrdHeader/>" {
		t.Errorf("metadata = %q", in.Metadata)
	}
	got := nonText(res.frames)
	if len(got) != 2 || got[0].id != mrd.MsgImage || got[1].id != mrd.MsgClose {
		t.Errorf("frames = %v", got)
	}
}

func TestAllRecordKindsAccumulate(t *testing.T) {
	eng := &recorder{}
	res := runSession(t, NewHandler(Options{Engine: eng}), func(w *mrd.Writer) {
		w.WriteConfigFile("default.xml")                //nolint:errcheck
		w.WriteConfigText("<config/>")                  //nolint:errcheck
		w.WriteWaveform(mrd.NewWaveform(10, 2, 1))      //nolint:errcheck
		w.WriteImage(newImage(t, 5))                    //nolint:errcheck
		w.WriteAcquisition(mrd.NewAcquisition(4, 1, 2)) //nolint:errcheck
		w.WriteMetadata("<h/>")                         //nolint:errcheck
		w.WriteClose()                                  //nolint:errcheck
	})
	if res.err != nil {
		t.Fatal(res.err)
	}
	in := eng.calls[0]
	if len(in.Waveforms) != 1 || len(in.Images) != 1 || len(in.Acquisitions) != 1 {
		t.Errorf("counts: %d wf, %d img, %d acq", len(in.Waveforms), len(in.Images), len(in.Acquisitions))
	}
	if in.Images[0].ImageIndex() != 5 {
		t.Errorf("image index = %d", in.Images[0].ImageIndex())
	}
	log := texts(res.frames)
	for _, want := range []string{"CONFIG_FILE. ignoring.", "CONFIG_TEXT. ignoring."} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestLastParametersWin(t *testing.T) {
	eng := &recorder{}
	res := runSession(t, NewHandler(Options{Engine: eng}), func(w *mrd.Writer) {
		w.WriteParameters(map[string]any{"a": 1.0}) //nolint:errcheck
		w.WriteParameters(map[string]any{"b": 2.0}) //nolint:errcheck
		w.WriteMetadata("<h/>")                     //nolint:errcheck
		w.WriteClose()                              //nolint:errcheck
	})
	if res.err != nil {
		t.Fatal(res.err)
	}
	cfg := eng.calls[0].Config
	if _, ok := cfg["a"]; ok || cfg["b"] != 2.0 {
		t.Errorf("config = %v, want only the second parameters", cfg)
	}
}

func TestReconstructFailureSendsNothing(t *testing.T) {
	boom := errors.New("solver diverged")
	tests := []struct {
		name   string
		engine recon.Engine
	}{
		{"error", &recorder{images: []*mrd.Image{newImage(t, 0)}, err: boom}},
		{"invalid image", &recorder{images: []*mrd.Image{newImage(t, 0), {Data: []byte{1}}}}},
		{"nil image", &recorder{images: []*mrd.Image{newImage(t, 0), nil}}},
		{"panic", recon.Func(func(context.Context, *recon.Input) ([]*mrd.Image, error) {
			panic("index out of range")
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			res := runSession(t, NewHandler(Options{Engine: tt.engine, Metrics: m}), func(w *mrd.Writer) {
				w.WriteMetadata("<h/>") //nolint:errcheck
				w.WriteClose()          //nolint:errcheck
			})
			var re *mrderrors.ReconstructError
			if !errors.As(res.err, &re) {
				t.Fatalf("err = %v, want ReconstructError", res.err)
			}
			if got := nonText(res.frames); len(got) != 0 {
				t.Errorf("sent %d frames after a failed reconstruction", len(got))
			}
			if snap := m.Snapshot(); snap.SessionsAborted != 1 || snap.ImagesSent != 0 {
				t.Errorf("metrics: %+v", snap)
			}
		})
	}
}

func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		send func(w *mrd.Writer, raw io.Writer)
		op   string
	}{
		{"bad json", func(w *mrd.Writer, _ io.Writer) { w.WriteText("{not json") }, "parse parameters"},
		{"no parameters", func(w *mrd.Writer, _ io.Writer) { w.WriteText(`{"other":1}`) }, "parse parameters"},
		{"truncated text", func(_ *mrd.Writer, raw io.Writer) {
			raw.Write([]byte{5, 0, 10, 0, 0, 0, 'a', 'b'}) //nolint:errcheck
		}, "read text"},
		{"oversized text", func(_ *mrd.Writer, raw io.Writer) {
			// Announces MaxTextLength+1 bytes.
			raw.Write([]byte{5, 0, 1, 0, 0, 4}) //nolint:errcheck
		}, "read text"},
		{"truncated acquisition", func(_ *mrd.Writer, raw io.Writer) {
			raw.Write([]byte{0xf0, 0x03, 1, 0, 0}) //nolint:errcheck
		}, "decode acquisition"},
		{"half identifier", func(_ *mrd.Writer, raw io.Writer) {
			raw.Write([]byte{5}) //nolint:errcheck
		}, "read identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			done := make(chan error, 1)
			go func() {
				_, err := NewHandler(Options{}).Handle(context.Background(), server)
				done <- err
			}()
			frames := collect(client)
			tt.send(mrd.NewWriter(client, nil), client)
			// A pipe write returns once the server has consumed it, so
			// closing now cuts the stream right after the sent bytes.
			client.Close()
			<-frames

			err := <-done
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

func TestRecordCap(t *testing.T) {
	eng := &recorder{}
	h := NewHandler(Options{Engine: eng, MaxRecords: 2})
	res := runSession(t, h, func(w *mrd.Writer) {
		for i := 0; i < 3; i++ {
			w.WriteAcquisition(mrd.NewAcquisition(4, 1, 0)) //nolint:errcheck
		}
		w.WriteMetadata("<h/>") //nolint:errcheck
		w.WriteClose()          //nolint:errcheck
	})
	if !errors.Is(res.err, mrderrors.ErrTooManyRecords) {
		t.Fatalf("err = %v, want ErrTooManyRecords", res.err)
	}
	if len(res.sess.Acquisitions) != 2 {
		t.Errorf("kept %d acquisitions, want 2", len(res.sess.Acquisitions))
	}
	if eng.callCount() != 0 {
		t.Error("engine ran for an over-limit session")
	}
}

func TestIdleTimeout(t *testing.T) {
	h := NewHandler(Options{IdleTimeout: 50 * time.Millisecond})
	start := time.Now()
	res := runSession(t, h, func(w *mrd.Writer) {
		w.WriteMetadata("<h/>") //nolint:errcheck
		// then nothing
	})
	var ne net.Error
	if !errors.As(res.err, &ne) || !ne.Timeout() {
		t.Fatalf("err = %v, want a timeout", res.err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("idle timeout did not fire promptly")
	}
	if res.sess.State != StateAborted {
		t.Errorf("state = %s", res.sess.State)
	}
}

func TestSlowEngineOutlivesIdleTimeout(t *testing.T) {
	eng := recon.Func(func(ctx context.Context, _ *recon.Input) ([]*mrd.Image, error) {
		time.Sleep(150 * time.Millisecond)
		return nil, nil
	})
	h := NewHandler(Options{Engine: eng, IdleTimeout: 50 * time.Millisecond})
	res := runSession(t, h, func(w *mrd.Writer) {
		w.WriteMetadata("<h/>") //nolint:errcheck
		w.WriteClose()          //nolint:errcheck
	})
	if res.err != nil {
		t.Fatalf("Handle: %v", res.err)
	}
}

func TestDisconnectAtFrameBoundary(t *testing.T) {
	m := metrics.New()
	res := drive(t, NewHandler(Options{Metrics: m}), func(w *mrd.Writer) {
		w.WriteMetadata("<h/>") //nolint:errcheck
	}, true)
	var pe *mrderrors.ProtocolError
	if !errors.As(res.err, &pe) || !errors.Is(res.err, io.EOF) {
		t.Fatalf("err = %v, want protocol error wrapping EOF", res.err)
	}
	// A hang-up between frames is logged as a warning, not counted.
	if m.ErrorCount() != 0 {
		t.Errorf("ErrorCount = %d, want 0", m.ErrorCount())
	}
	if snap := m.Snapshot(); snap.SessionsAborted != 1 || snap.SessionsActive != 0 {
		t.Errorf("metrics: %+v", snap)
	}
}

func TestRelayCarriesSessionLog(t *testing.T) {
	tests := []struct {
		name  string
		level zerolog.Level
		want  []string
		none  bool
	}{
		{"debug", zerolog.DebugLevel, []string{"Received MRD_MESSAGE_TEXT", "Config", "Sending MRD_MESSAGE_CLOSE"}, false},
		{"info", zerolog.InfoLevel, []string{"Received MRD_MESSAGE_CLOSE. Processing data..."}, false},
		{"disabled", zerolog.Disabled, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Options{RelayLevel: tt.level})
			res := runSession(t, h, func(w *mrd.Writer) {
				w.WriteParameters(map[string]any{"x": 1}) //nolint:errcheck
				w.WriteMetadata("<h/>")                   //nolint:errcheck
				w.WriteClose()                            //nolint:errcheck
			})
			if res.err != nil {
				t.Fatal(res.err)
			}
			log := texts(res.frames)
			if tt.none && log != "" {
				t.Fatalf("relay disabled but got:\n%s", log)
			}
			for _, want := range tt.want {
				if !strings.Contains(log, want) {
					t.Errorf("relay missing %q in:\n%s", want, log)
				}
			}
			if tt.level == zerolog.InfoLevel && strings.Contains(log, "XML Metadata") {
				t.Error("debug line relayed at info level")
			}
		})
	}
}

func TestClosingRecordIsRelayed(t *testing.T) {
	tests := []struct {
		name  string
		send  func(w *mrd.Writer)
		state string
	}{
		{"closed", func(w *mrd.Writer) {
			w.WriteMetadata("<h/>") //nolint:errcheck
			w.WriteClose()          //nolint:errcheck
		}, "closed"},
		{"aborted", func(w *mrd.Writer) {
			w.WriteClose() //nolint:errcheck
		}, "aborted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Options{RelayLevel: zerolog.InfoLevel})
			res := runSession(t, h, tt.send)
			if got := res.sess.State.String(); got != tt.state {
				t.Fatalf("state = %s, want %s", got, tt.state)
			}
			last := res.frames[len(res.frames)-1]
			if last.id != mrd.MsgText || !strings.Contains(last.text, "Closing connection") {
				t.Fatalf("last frame = %s %q, want Closing connection", last.id, last.text)
			}
			if !strings.Contains(last.text, "state="+tt.state) {
				t.Errorf("closing record %q lacks state=%s", last.text, tt.state)
			}
		})
	}
}

func TestSinkReceivesSessionFields(t *testing.T) {
	var buf bytes.Buffer
	sink := util.LogSink{Out: &syncWriter{w: &buf}, Level: zerolog.InfoLevel}
	h := NewHandler(Options{Sink: sink, NewID: func() string { return "sess-1" }})
	res := runSession(t, h, func(w *mrd.Writer) {
		w.WriteMetadata("<h/>") //nolint:errcheck
		w.WriteClose()          //nolint:errcheck
	})
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.sess.ID != "sess-1" {
		t.Errorf("ID = %q", res.sess.ID)
	}

	var sawClosing bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("sink line %q: %v", line, err)
		}
		if rec["session"] != "sess-1" {
			t.Errorf("line without session field: %s", line)
		}
		if rec["message"] == "Closing connection" {
			sawClosing = true
			if rec["state"] != "closed" {
				t.Errorf("closing state = %v", rec["state"])
			}
		}
	}
	if !sawClosing {
		t.Error(`sink never saw "Closing connection"`)
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestArchivesInboundStream(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	arch := archive.New(&archive.DirStore{Dir: dir}, archive.Options{
		Attempts: 1, TempDir: t.TempDir(), Metrics: m,
	})
	h := NewHandler(Options{Archiver: arch, Metrics: m, NewID: func() string { return "rec-1" }})

	// Build the expected byte stream with a second writer.
	var want bytes.Buffer
	script := func(w *mrd.Writer) {
		w.WriteParameters(map[string]any{"k": "v"})     //nolint:errcheck
		w.WriteMetadata("<h/>")                         //nolint:errcheck
		w.WriteAcquisition(mrd.NewAcquisition(8, 2, 1)) //nolint:errcheck
		w.WriteClose()                                  //nolint:errcheck
	}
	script(mrd.NewWriter(&want, nil))

	res := runSession(t, h, script)
	if res.err != nil {
		t.Fatal(res.err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "rec-1.mrd"))
	if err != nil {
		t.Fatalf("archive not written: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("archive is %d bytes, want %d", len(got), want.Len())
	}
	if snap := m.Snapshot(); snap.BytesIn != int64(want.Len()) {
		t.Errorf("BytesIn = %d, want %d", snap.BytesIn, want.Len())
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	eng := recon.Func(func(_ context.Context, in *recon.Input) ([]*mrd.Image, error) {
		img, err := mrd.NewImage(mrd.DataFloat, 2, 2, 1, 1)
		if err != nil {
			return nil, err
		}
		img.SetImageIndex(len(in.Acquisitions))
		return []*mrd.Image{img}, nil
	})
	h := NewHandler(Options{Engine: eng})

	const n = 8
	var wg sync.WaitGroup
	results := make([]result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = runSession(t, h, func(w *mrd.Writer) {
				for j := 0; j < i; j++ {
					w.WriteAcquisition(mrd.NewAcquisition(4, 1, 0)) //nolint:errcheck
				}
				if i%2 == 0 {
					w.WriteMetadata("<h/>") //nolint:errcheck
				}
				w.WriteClose() //nolint:errcheck
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if i%2 == 1 {
			if !errors.Is(res.err, mrderrors.ErrNoMetadata) {
				t.Errorf("session %d: err = %v, want ErrNoMetadata", i, res.err)
			}
			continue
		}
		if res.err != nil {
			t.Errorf("session %d: %v", i, res.err)
			continue
		}
		got := nonText(res.frames)
		if len(got) != 2 || got[0].img.ImageIndex() != i {
			t.Errorf("session %d: frames %v", i, got)
		}
	}
}

func TestParseParameters(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]any
		wantErr bool
	}{
		{in: `{"parameters":{"comment":"t"}}`, want: map[string]any{"comment": "t"}},
		{in: `{"parameters":{}}`, want: map[string]any{}},
		{in: `{"parameters":null}`, want: map[string]any{}},
		{in: `{"parameters":{"n":3,"nested":{"a":[1,2]}},"extra":true}`,
			want: map[string]any{"n": 3.0, "nested": map[string]any{"a": []any{1.0, 2.0}}}},
		{in: `{"other":{}}`, wantErr: true},
		{in: `{"parameters":[1,2]}`, wantErr: true},
		{in: `{"parameters":"x"}`, wantErr: true},
		{in: `[]`, wantErr: true},
		{in: ``, wantErr: true},
		{in: `plain log line`, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseParameters(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseParameters(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseParameters(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateOpen, "open"},
		{StateClosed, "closed"},
		{StateAborted, "aborted"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
