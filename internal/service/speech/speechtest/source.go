package speechtest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	model "github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	"github.com/zhouzirui/care-assistant/backend/internal/service/speech"
)

// Source is an in-memory microphone. Each Open returns a new Handle
// preloaded with Chunks.
type Source struct {
	mu sync.Mutex

	// OpenErr, when set, makes Open fail as a denied permission would.
	OpenErr error
	// OpusUnsupported forces the plain WebM fallback.
	OpusUnsupported bool
	// Chunks are queued on every new handle.
	Chunks [][]byte
	// StallOnStop keeps Read blocked after Stop until Release.
	StallOnStop bool
	// OpenDelay holds Open back, like a permission prompt or a slow device.
	OpenDelay time.Duration

	constraints []model.Constraints
	handles     []*Handle
}

func (s *Source) Supports(mimeType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mimeType == model.MIMETypeOpus {
		return !s.OpusUnsupported
	}
	return mimeType == model.MIMETypeWebM
}

func (s *Source) Open(_ context.Context, constraints model.Constraints) (speech.MediaHandle, error) {
	s.mu.Lock()
	delay := s.OpenDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.constraints = append(s.constraints, constraints)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}

	h := newHandle(constraints.MIMEType, s.StallOnStop)
	for _, chunk := range s.Chunks {
		h.Push(chunk)
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Opens reports how many times Open was called.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.constraints)
}

// LastConstraints returns the constraints of the latest Open call.
func (s *Source) LastConstraints() model.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.constraints) == 0 {
		return model.Constraints{}
	}
	return s.constraints[len(s.constraints)-1]
}

// Handles returns every handle handed out so far.
func (s *Source) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Handle is a fake capture handle backed by a channel of chunks.
type Handle struct {
	mimeType string
	stall    bool

	mu     sync.Mutex
	closed bool
	data   chan []byte

	pending []byte

	stops    atomic.Int32
	releases atomic.Int32
}

func newHandle(mimeType string, stall bool) *Handle {
	return &Handle{
		mimeType: mimeType,
		stall:    stall,
		data:     make(chan []byte, 1024),
	}
}

// Push queues captured bytes. It is ignored once the handle is closed.
func (h *Handle) Push(chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.data <- chunk
}

func (h *Handle) Read(p []byte) (int, error) {
	if len(h.pending) == 0 {
		chunk, ok := <-h.data
		if !ok {
			return 0, io.EOF
		}
		h.pending = chunk
	}
	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *Handle) MIMEType() string {
	return h.mimeType
}

func (h *Handle) Stop() error {
	h.stops.Add(1)
	if !h.stall {
		h.close()
	}
	return nil
}

func (h *Handle) Release() {
	h.releases.Add(1)
	h.close()
}

// Releases reports how many times Release was called.
func (h *Handle) Releases() int {
	return int(h.releases.Load())
}

// Stops reports how many times Stop was called.
func (h *Handle) Stops() int {
	return int(h.stops.Load())
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.data)
}
