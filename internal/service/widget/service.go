package widget

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	chatsvc "github.com/zhouzirui/care-assistant/backend/internal/service/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrServiceClosed   = errors.New("widget service is shut down")
)

// Config tunes new sessions.
type Config struct {
	Greeting    string
	EventBuffer int
}

// Service keeps the mounted widget sessions and the microphone they share.
type Service struct {
	chat        ChatSender
	transcriber Transcriber
	mic         *microphone
	cfg         Config

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewService(chatSender ChatSender, transcriber Transcriber, capture Capture, cfg Config) *Service {
	return &Service{
		chat:        chatSender,
		transcriber: transcriber,
		mic:         newMicrophone(capture),
		cfg:         cfg,
		sessions:    make(map[string]*Session),
	}
}

// Create mounts a new widget with a freshly seeded transcript.
func (s *Service) Create(_ context.Context) (*Session, error) {
	id := uuid.NewString()
	session := newSession(
		id,
		chatsvc.NewStore(s.cfg.Greeting),
		s.chat,
		s.transcriber,
		s.mic,
		NewBroker(id, s.cfg.EventBuffer),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	s.sessions[id] = session

	log.Printf("[widget] session mounted: %s", id)
	return session, nil
}

// Get retrieves a mounted session.
func (s *Service) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Close unmounts a session.
func (s *Service) Close(id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	session.Close()
	log.Printf("[widget] session unmounted: %s", id)
	return nil
}

// Count reports the number of mounted sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown unmounts every session and releases the microphone.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	s.mic.capture.Shutdown()
}
