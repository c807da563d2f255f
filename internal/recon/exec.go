package recon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"mrdserver/internal/mrd"
	"mrdserver/util"
)

// Exec runs an external reconstruction program.  The session is written
// to the child's stdin as an MRD stream (parameters, metadata, records,
// CLOSE); the child answers on stdout with IMAGE frames, optional TEXT
// frames and a final CLOSE.  Stderr lines are logged.
type Exec struct {
	Command string // run via the system shell
}

func (e *Exec) Name() string { return "exec" }

func (e *Exec) Reconstruct(ctx context.Context, in *Input) ([]*mrd.Image, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("no command specified for exec engine")
	}
	logger := zerolog.Ctx(ctx).With().Str("engine", e.Name()).Logger()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", e.Command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", e.Command)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("cmd", cmd.String()).Msg("starting engine")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %q: %w", e.Command, err)
	}

	var wg sync.WaitGroup
	var writeErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		writeErr = writeInput(stdin, in)
		stdin.Close()
	}()
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Info().Msg(sc.Text())
		}
	}()

	images, readErr := readOutput(stdout, logger)
	// Drain anything after CLOSE so the child never blocks on a full pipe.
	io.Copy(io.Discard, stdout) //nolint:errcheck
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case waitErr != nil:
		return nil, fmt.Errorf("exec %q: %w", e.Command, waitErr)
	case readErr != nil:
		return nil, readErr
	case writeErr != nil && !util.IsHarmless(writeErr):
		return nil, fmt.Errorf("write engine input: %w", writeErr)
	}
	logger.Debug().Int("images", len(images)).Msg("engine finished")
	return images, nil
}

func writeInput(w io.Writer, in *Input) error {
	mw := mrd.NewWriter(w, nil)
	if in.Config != nil {
		if err := mw.WriteParameters(in.Config); err != nil {
			return err
		}
	}
	if err := mw.WriteMetadata(in.Metadata); err != nil {
		return err
	}
	for _, a := range in.Acquisitions {
		if err := mw.WriteAcquisition(a); err != nil {
			return err
		}
	}
	for _, wf := range in.Waveforms {
		if err := mw.WriteWaveform(wf); err != nil {
			return err
		}
	}
	for _, img := range in.Images {
		if err := mw.WriteImage(img); err != nil {
			return err
		}
	}
	return mw.WriteClose()
}

func readOutput(r io.Reader, logger zerolog.Logger) ([]*mrd.Image, error) {
	mr := mrd.NewReader(bufio.NewReader(r), nil)
	var images []*mrd.Image
	for {
		id, err := mr.ReadID()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("engine output ended without %s", mrd.MsgClose)
			}
			return nil, fmt.Errorf("read engine output: %w", err)
		}
		switch id {
		case mrd.MsgImage:
			img, err := mr.ReadImage()
			if err != nil {
				return nil, fmt.Errorf("decode engine image: %w", err)
			}
			images = append(images, img)
		case mrd.MsgText:
			s, err := mr.ReadText()
			if err != nil {
				return nil, fmt.Errorf("read engine text: %w", err)
			}
			logger.Info().Msg(s)
		case mrd.MsgClose:
			return images, nil
		default:
			return nil, fmt.Errorf("unexpected %s from engine", id)
		}
	}
}
