package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
)

var (
	ErrNotIdle          = errors.New("capture is not idle")
	ErrNotRecording     = errors.New("no active recording")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrClipTooShort     = errors.New("recording too short")
	ErrCaptureAborted   = errors.New("capture aborted during permission request")
)

const (
	DefaultMinClipBytes = 1000
	DefaultChunkSize    = 4096
	DefaultDrainTimeout = 2 * time.Second
)

// MediaHandle is a live capture resource. Stop halts production of new
// data; Release frees the underlying device and must be safe to call once
// per handle.
type MediaHandle interface {
	io.Reader
	MIMEType() string
	Stop() error
	Release()
}

// MediaSource grants access to the microphone.
type MediaSource interface {
	Supports(mimeType string) bool
	Open(ctx context.Context, constraints speech.Constraints) (MediaHandle, error)
}

// CaptureConfig tunes the capture controller.
type CaptureConfig struct {
	MinClipBytes int
	ChunkSize    int
	DrainTimeout time.Duration
	TickInterval time.Duration
	Constraints  speech.Constraints
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.MinClipBytes <= 0 {
		c.MinClipBytes = DefaultMinClipBytes
	}
	if c.ChunkSize < 256 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Constraints.SampleRate <= 0 {
		c.Constraints = speech.DefaultConstraints()
	}
	return c
}

type recordingSession struct {
	startedAt time.Time
	handle    MediaHandle
	mimeType  string

	mu     sync.Mutex
	chunks [][]byte

	pumpDone chan struct{}

	ticker   Ticker
	stopTick chan struct{}
	tickDone chan struct{}
	tickOnce sync.Once

	releaseOnce sync.Once
}

func (r *recordingSession) appendChunk(chunk []byte) {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.mu.Unlock()
}

func (r *recordingSession) stopTicker() {
	r.tickOnce.Do(func() {
		if r.ticker == nil {
			return
		}
		r.ticker.Stop()
		close(r.stopTick)
		<-r.tickDone
	})
}

func (r *recordingSession) release() {
	r.releaseOnce.Do(r.handle.Release)
}

func (r *recordingSession) clip(elapsed time.Duration) speech.Clip {
	r.mu.Lock()
	data := bytes.Join(r.chunks, nil)
	r.mu.Unlock()

	return speech.Clip{
		Data:      data,
		MIMEType:  r.mimeType,
		Extension: extensionFor(r.mimeType),
		Elapsed:   elapsed,
	}
}

// CaptureController owns the single microphone capture of the process.
type CaptureController struct {
	source MediaSource
	clock  Clock
	cfg    CaptureConfig

	mu         sync.Mutex
	state      speech.CaptureState
	current    *recordingSession
	generation uint64
}

func NewCaptureController(source MediaSource, clock Clock, cfg CaptureConfig) *CaptureController {
	if clock == nil {
		clock = RealClock()
	}
	return &CaptureController{
		source: source,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		state:  speech.CaptureIdle,
	}
}

// State reports the current capture state.
func (c *CaptureController) State() speech.CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed reports whole seconds since recording started, or 0 when not recording.
func (c *CaptureController) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state != speech.CaptureRecording {
		return 0
	}
	return c.elapsedSince(c.current.startedAt)
}

func (c *CaptureController) elapsedSince(start time.Time) int {
	d := c.clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Start acquires the microphone and begins recording. onTick receives the
// elapsed whole seconds once per tick interval until Stop or Shutdown.
func (c *CaptureController) Start(ctx context.Context, onTick func(elapsedSeconds int)) error {
	c.mu.Lock()
	if c.state != speech.CaptureIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = speech.CaptureRequestingPermission
	generation := c.generation
	c.mu.Unlock()

	constraints := c.cfg.Constraints
	constraints.MIMEType = c.negotiateMIMEType()

	handle, err := c.source.Open(ctx, constraints)
	if err != nil {
		c.mu.Lock()
		if c.generation == generation {
			c.state = speech.CaptureIdle
		}
		c.mu.Unlock()
		log.Printf("[capture] microphone unavailable: %v", err)
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	mimeType := handle.MIMEType()
	if strings.TrimSpace(mimeType) == "" {
		mimeType = constraints.MIMEType
	}

	rec := &recordingSession{
		startedAt: c.clock.Now(),
		handle:    handle,
		mimeType:  mimeType,
		pumpDone:  make(chan struct{}),
	}
	if onTick != nil {
		rec.ticker = c.clock.NewTicker(c.cfg.TickInterval)
		rec.stopTick = make(chan struct{})
		rec.tickDone = make(chan struct{})
	}

	c.mu.Lock()
	if c.generation != generation || c.state != speech.CaptureRequestingPermission {
		c.mu.Unlock()
		if rec.ticker != nil {
			rec.ticker.Stop()
		}
		_ = handle.Stop()
		rec.release()
		return ErrCaptureAborted
	}
	c.current = rec
	c.state = speech.CaptureRecording
	c.mu.Unlock()

	go c.pump(rec)
	if onTick != nil {
		go c.tick(rec, onTick)
	}

	log.Printf("[capture] recording started (%s)", mimeType)
	return nil
}

// Stop ends the active recording and returns the finalized clip. The media
// handle is released before Stop returns, whatever the outcome.
func (c *CaptureController) Stop() (speech.Clip, error) {
	c.mu.Lock()
	if c.state != speech.CaptureRecording || c.current == nil {
		c.mu.Unlock()
		return speech.Clip{}, ErrNotRecording
	}
	rec := c.current
	c.state = speech.CaptureStopping
	c.mu.Unlock()

	elapsed := c.clock.Now().Sub(rec.startedAt)
	rec.stopTicker()

	if err := rec.handle.Stop(); err != nil {
		log.Printf("[capture] failed to stop capture cleanly: %v", err)
	}
	c.drain(rec)

	clip := rec.clip(elapsed)
	c.finish(rec)

	if clip.Size() < c.cfg.MinClipBytes {
		log.Printf("[capture] clip rejected: %d bytes < %d", clip.Size(), c.cfg.MinClipBytes)
		return speech.Clip{}, ErrClipTooShort
	}

	log.Printf("[capture] recording finished: %d bytes in %s", clip.Size(), elapsed.Round(time.Millisecond))
	return clip, nil
}

// Shutdown discards any active recording and releases the microphone.
func (c *CaptureController) Shutdown() {
	c.mu.Lock()
	rec := c.current
	c.current = nil
	c.state = speech.CaptureIdle
	c.generation++
	c.mu.Unlock()

	if rec == nil {
		return
	}
	rec.stopTicker()
	_ = rec.handle.Stop()
	rec.release()
	log.Printf("[capture] recording discarded")
}

func (c *CaptureController) negotiateMIMEType() string {
	if c.source.Supports(speech.MIMETypeOpus) {
		return speech.MIMETypeOpus
	}
	return speech.MIMETypeWebM
}

func (c *CaptureController) pump(rec *recordingSession) {
	defer close(rec.pumpDone)

	buf := make([]byte, c.cfg.ChunkSize)
	for {
		n, err := rec.handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			rec.appendChunk(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("[capture] audio read error: %v", err)
			}
			return
		}
	}
}

func (c *CaptureController) tick(rec *recordingSession, onTick func(int)) {
	defer close(rec.tickDone)
	for {
		select {
		case <-rec.stopTick:
			return
		case <-rec.ticker.C():
			onTick(c.elapsedSince(rec.startedAt))
		}
	}
}

func (c *CaptureController) drain(rec *recordingSession) {
	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-rec.pumpDone:
	case <-timer.C:
		log.Printf("[capture] drain timed out after %s", c.cfg.DrainTimeout)
	}
}

func (c *CaptureController) finish(rec *recordingSession) {
	rec.release()

	c.mu.Lock()
	if c.current == rec {
		c.current = nil
		c.state = speech.CaptureIdle
	}
	c.mu.Unlock()
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(strings.ToLower(base)) {
	case "audio/ogg":
		return "ogg"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/mp4":
		return "m4a"
	default:
		return "webm"
	}
}
