package chat

import (
	"slices"
	"sync"
	"time"

	"github.com/zhouzirui/care-assistant/backend/internal/model/chat"
)

// DefaultGreeting seeds every new transcript.
const DefaultGreeting = "Hi! How can I help you today?"

// Store is the append-only transcript of one widget instance.
type Store struct {
	mu        sync.RWMutex
	messages  []chat.Message
	observers []func(chat.Message)
	now       func() time.Time
}

// NewStore returns a transcript seeded with a single bot greeting.
func NewStore(greeting string) *Store {
	if greeting == "" {
		greeting = DefaultGreeting
	}
	s := &Store{
		messages: make([]chat.Message, 0, 16),
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.Append(chat.SenderBot, greeting)
	return s
}

// OnAppend registers fn to be called after every append.
func (s *Store) OnAppend(fn func(chat.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Append adds a message at the end of the transcript and returns it.
func (s *Store) Append(sender chat.Sender, text string) chat.Message {
	s.mu.Lock()
	message := chat.Message{
		ID:        len(s.messages),
		Sender:    sender,
		Text:      text,
		CreatedAt: s.now(),
	}
	s.messages = append(s.messages, message)
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(message)
	}
	return message
}

// All returns a copy of the transcript in insertion order.
func (s *Store) All() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]chat.Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}

// Len reports the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
