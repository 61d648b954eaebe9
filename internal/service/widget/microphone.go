package widget

import (
	"context"
	"sync"

	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/care-assistant/backend/internal/service/speech"
)

// Capture is the process-wide recorder shared by every widget session.
type Capture interface {
	Start(ctx context.Context, onTick func(elapsedSeconds int)) error
	Stop() (speech.Clip, error)
	Shutdown()
	State() speech.CaptureState
	Elapsed() int
}

// microphone records which session owns the single capture.
type microphone struct {
	capture Capture

	mu    sync.Mutex
	owner string
}

func newMicrophone(capture Capture) *microphone {
	return &microphone{capture: capture}
}

func (m *microphone) start(ctx context.Context, owner string, onTick func(int)) error {
	m.mu.Lock()
	if m.owner != "" {
		m.mu.Unlock()
		return speechsvc.ErrNotIdle
	}
	m.owner = owner
	m.mu.Unlock()

	if err := m.capture.Start(ctx, onTick); err != nil {
		m.mu.Lock()
		if m.owner == owner {
			m.owner = ""
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *microphone) stop(owner string) (speech.Clip, error) {
	if !m.ownedBy(owner) {
		return speech.Clip{}, speechsvc.ErrNotRecording
	}

	clip, err := m.capture.Stop()

	m.mu.Lock()
	if m.owner == owner {
		m.owner = ""
	}
	m.mu.Unlock()
	return clip, err
}

// release discards a recording still owned by owner.
func (m *microphone) release(owner string) {
	if !m.ownedBy(owner) {
		return
	}
	m.capture.Shutdown()

	m.mu.Lock()
	if m.owner == owner {
		m.owner = ""
	}
	m.mu.Unlock()
}

func (m *microphone) ownedBy(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == owner
}

func (m *microphone) busy() bool {
	return m.capture.State() != speech.CaptureIdle
}

func (m *microphone) state() speech.CaptureState {
	return m.capture.State()
}
