package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
)

const (
	ffmpegStartupGrace = 250 * time.Millisecond
	ffmpegStopGrace    = 1200 * time.Millisecond
)

// FFmpegSource captures the host microphone as WebM through an ffmpeg subprocess.
type FFmpegSource struct {
	command     string
	inputFormat string
	inputDevice string
}

func NewFFmpegSource(command, inputFormat, inputDevice string) *FFmpegSource {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	return &FFmpegSource{
		command:     command,
		inputFormat: inputFormat,
		inputDevice: inputDevice,
	}
}

// Supports reports whether the container/codec pair can be produced.
func (s *FFmpegSource) Supports(mimeType string) bool {
	switch mimeType {
	case speech.MIMETypeOpus, speech.MIMETypeWebM:
		return true
	default:
		return false
	}
}

// Open starts ffmpeg. A process that exits during the startup grace period
// is treated as a denied or missing microphone.
func (s *FFmpegSource) Open(ctx context.Context, constraints speech.Constraints) (MediaHandle, error) {
	cmd := exec.CommandContext(ctx, s.command, s.args(constraints)...)

	cmd.WaitDelay = ffmpegStopGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	reader, writer := io.Pipe()
	cmd.Stdout = writer

	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = writer.Close()
		waitErr <- err
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		_ = reader.Close()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(ffmpegStartupGrace):
	}

	mimeType := constraints.MIMEType
	if mimeType == "" {
		mimeType = speech.MIMETypeOpus
	}

	return &ffmpegHandle{
		reader:   reader,
		stderr:   &stderr,
		process:  cmd.Process,
		waitErr:  waitErr,
		mimeType: mimeType,
	}, nil
}

func (s *FFmpegSource) args(constraints speech.Constraints) []string {
	sampleRate := constraints.SampleRate
	if sampleRate <= 0 {
		sampleRate = speech.DefaultConstraints().SampleRate
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.inputFormat,
		"-i", s.inputDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
	}
	if constraints.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}

	codec := "libopus"
	if constraints.MIMEType == speech.MIMETypeWebM {
		codec = "libvorbis"
	}
	return append(args, "-c:a", codec, "-f", "webm", "-")
}

type ffmpegHandle struct {
	reader   *io.PipeReader
	stderr   *bytes.Buffer
	process  *os.Process
	waitErr  <-chan error
	mimeType string

	stopOnce    sync.Once
	stopErr     error
	releaseOnce sync.Once
}

func (h *ffmpegHandle) Read(p []byte) (int, error) {
	return h.reader.Read(p)
}

func (h *ffmpegHandle) MIMEType() string {
	return h.mimeType
}

// Stop interrupts ffmpeg so it finalizes the container, killing it after a
// grace period. Output written before exit stays readable until EOF.
func (h *ffmpegHandle) Stop() error {
	h.stopOnce.Do(func() {
		if h.process != nil {
			_ = h.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-h.waitErr:
			if ok {
				h.stopErr = normalizeExitErr(err)
			}
		case <-time.After(ffmpegStopGrace):
			if h.process != nil {
				_ = h.process.Kill()
			}
			if err, ok := <-h.waitErr; ok {
				h.stopErr = normalizeExitErr(err)
			}
		}

		if h.stopErr != nil && h.stderr.Len() > 0 {
			h.stopErr = fmt.Errorf("%w: %s", h.stopErr, bytes.TrimSpace(h.stderr.Bytes()))
		}
	})
	return h.stopErr
}

func (h *ffmpegHandle) Release() {
	h.releaseOnce.Do(func() {
		// Closing the reader unblocks ffmpeg's pending writes before Stop waits on it.
		_ = h.reader.Close()
		_ = h.Stop()
	})
}

func normalizeExitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
