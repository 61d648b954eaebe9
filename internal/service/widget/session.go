package widget

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/zhouzirui/care-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	chatsvc "github.com/zhouzirui/care-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/service/classifier"
	speechsvc "github.com/zhouzirui/care-assistant/backend/internal/service/speech"
)

var (
	ErrEmptyMessage    = errors.New("message is required")
	ErrChatInFlight    = errors.New("a reply is already pending")
	ErrRecordingActive = errors.New("recording in progress")
	ErrBusy            = errors.New("a request is already in flight")
	ErrCaptureBusy     = errors.New("microphone is already in use")
	ErrNotRecording    = errors.New("session is not recording")
	ErrSessionClosed   = errors.New("session closed")
)

// ChatSender posts one user message and returns the assistant reply.
type ChatSender interface {
	Send(ctx context.Context, text string) (string, error)
}

// Transcriber turns a finalized clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip speech.Clip) (string, error)
}

// Session is one mounted widget: its transcript, its UI flags and the
// request sequencing between typed input, voice input and the gateways.
// Gateway calls never run under mu.
type Session struct {
	id          string
	store       *chatsvc.Store
	chat        ChatSender
	transcriber Transcriber
	mic         *microphone
	broker      *Broker

	mu                    sync.Mutex
	open                  bool
	loading               bool
	chatInFlight          bool
	transcriptionInFlight bool
	startingCapture       bool
	recording             bool
	elapsed               int
	lastError             *chat.ErrorInfo
	closed                bool
}

func newSession(id string, store *chatsvc.Store, chatSender ChatSender, transcriber Transcriber, mic *microphone, broker *Broker) *Session {
	s := &Session{
		id:          id,
		store:       store,
		chat:        chatSender,
		transcriber: transcriber,
		mic:         mic,
		broker:      broker,
	}
	store.OnAppend(func(msg chat.Message) {
		broker.Publish(EventMessage, msg)
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// SendText submits typed input. Refusals leave the transcript untouched and
// issue no request; a failed request still returns nil because its outcome
// is a bot message in the transcript.
func (s *Session) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.chatInFlight || s.transcriptionInFlight:
		s.mu.Unlock()
		return ErrChatInFlight
	case s.startingCapture || s.recording || s.mic.busy():
		s.mu.Unlock()
		return ErrRecordingActive
	}
	s.appendMessage(chat.SenderUser, text)
	s.chatInFlight = true
	s.setLoading(true)
	s.clearError()
	s.mu.Unlock()
	s.publishStatus()

	s.requestReply(ctx, text)
	return nil
}

// StartRecording acquires the shared microphone for this session.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.chatInFlight || s.transcriptionInFlight || s.startingCapture:
		s.mu.Unlock()
		return ErrBusy
	case s.recording:
		s.mu.Unlock()
		return ErrCaptureBusy
	}
	s.startingCapture = true
	s.mu.Unlock()

	err := s.mic.start(context.WithoutCancel(ctx), s.id, s.onTick)

	s.mu.Lock()
	s.startingCapture = false
	switch {
	case err == nil && s.closed:
		s.mu.Unlock()
		s.mic.release(s.id)
		return ErrSessionClosed
	case err == nil:
		s.recording = true
		s.elapsed = 0
		s.clearError()
	case errors.Is(err, speechsvc.ErrNotIdle):
		s.mu.Unlock()
		return ErrCaptureBusy
	case errors.Is(err, speechsvc.ErrCaptureAborted):
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		log.Printf("[widget] session=%s microphone unavailable: %v", s.id, err)
		s.appendMessage(chat.SenderBot, classifier.MessagePermissionDenied)
		s.setError(classifier.PermissionDenied, classifier.MessagePermissionDenied)
	}
	s.mu.Unlock()
	s.publishStatus()
	return nil
}

// StopRecording finalizes the clip, transcribes it and, when speech was
// recognised, sends the text as a chat message. Only the session that
// started the recording may stop it.
func (s *Session) StopRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.recording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.mu.Unlock()

	clip, err := s.mic.stop(s.id)

	s.mu.Lock()
	s.recording = false
	s.elapsed = 0
	switch {
	case errors.Is(err, speechsvc.ErrNotRecording):
		s.mu.Unlock()
		s.publishStatus()
		return ErrNotRecording
	case errors.Is(err, speechsvc.ErrClipTooShort):
		s.appendMessage(chat.SenderBot, classifier.MessageClipTooShort)
		s.setError(classifier.ClipTooShort, classifier.MessageClipTooShort)
		s.mu.Unlock()
		s.publishStatus()
		return nil
	case err != nil:
		log.Printf("[widget] session=%s stop failed: %v", s.id, err)
		s.appendMessage(chat.SenderBot, classifier.MessageTranscribeFailed)
		s.setError(classifier.Unknown, classifier.MessageTranscribeFailed)
		s.mu.Unlock()
		s.publishStatus()
		return nil
	}
	s.transcriptionInFlight = true
	s.setLoading(true)
	s.clearError()
	s.mu.Unlock()
	s.publishStatus()

	text, err := s.transcriber.Transcribe(context.WithoutCancel(ctx), clip)

	s.mu.Lock()
	s.transcriptionInFlight = false
	if err != nil {
		failure := classifier.FromError(err)
		log.Printf("[widget] session=%s transcription failed category=%s: %s", s.id, failure.Category, failure.Raw)
		s.appendMessage(chat.SenderBot, failure.UserMessage)
		s.setError(failure.Category, failure.UserMessage)
		s.setLoading(false)
		s.mu.Unlock()
		s.publishStatus()
		return nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.appendMessage(chat.SenderBot, classifier.MessageNoSpeech)
		s.setLoading(false)
		s.mu.Unlock()
		s.publishStatus()
		return nil
	}

	s.appendMessage(chat.SenderUser, text)
	s.chatInFlight = true
	s.mu.Unlock()
	s.publishStatus()

	s.requestReply(ctx, text)
	return nil
}

// requestReply runs one chat request; chatInFlight must already be set.
func (s *Session) requestReply(ctx context.Context, text string) {
	reply, err := s.chat.Send(context.WithoutCancel(ctx), text)

	s.mu.Lock()
	if err != nil {
		failure := classifier.FromError(err)
		log.Printf("[widget] session=%s chat failed category=%s: %s", s.id, failure.Category, failure.Raw)
		s.appendMessage(chat.SenderBot, failure.UserMessage)
		s.setError(failure.Category, failure.UserMessage)
	} else {
		s.appendMessage(chat.SenderBot, reply)
	}
	s.chatInFlight = false
	s.setLoading(false)
	s.mu.Unlock()
	s.publishStatus()
}

func (s *Session) onTick(elapsed int) {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return
	}
	s.elapsed = elapsed
	s.mu.Unlock()
	s.broker.Publish(EventTick, TickData{ElapsedSeconds: elapsed})
}

// Open shows the widget.
func (s *Session) Open() chat.Status {
	return s.setOpen(true)
}

// CloseWidget hides the widget without unmounting it.
func (s *Session) CloseWidget() chat.Status {
	return s.setOpen(false)
}

func (s *Session) setOpen(open bool) chat.Status {
	s.mu.Lock()
	s.open = open
	s.mu.Unlock()
	return s.publishStatus()
}

// Status returns a snapshot of the UI-visible flags.
func (s *Session) Status() chat.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() chat.Status {
	status := chat.Status{
		SessionID:             s.id,
		Open:                  s.open,
		Loading:               s.loading,
		Recording:             s.recording,
		CaptureState:          string(s.mic.state()),
		ChatInFlight:          s.chatInFlight,
		TranscriptionInFlight: s.transcriptionInFlight,
	}
	if s.recording {
		status.ElapsedSeconds = s.elapsed
	}
	if s.lastError != nil {
		errCopy := *s.lastError
		status.LastError = &errCopy
	}
	return status
}

// Transcript returns the messages in display order.
func (s *Session) Transcript() []chat.Message {
	return s.store.All()
}

// Subscribe streams future events of this session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.broker.Subscribe()
}

// Close unmounts the session, discarding any recording it owns. Requests
// already in flight still complete.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.recording = false
	s.elapsed = 0
	s.mu.Unlock()

	s.mic.release(s.id)
	s.broker.Close()
}

func (s *Session) publishStatus() chat.Status {
	status := s.Status()
	s.broker.Publish(EventStatus, status)
	return status
}

// The helpers below require s.mu.

func (s *Session) appendMessage(sender chat.Sender, text string) {
	s.store.Append(sender, text)
}

func (s *Session) setLoading(loading bool) {
	s.loading = loading
}

func (s *Session) setError(category classifier.Category, detail string) {
	s.lastError = &chat.ErrorInfo{Category: string(category), Detail: detail}
}

func (s *Session) clearError() {
	s.lastError = nil
}
