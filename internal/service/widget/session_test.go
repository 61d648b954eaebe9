package widget_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/care-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	chatsvc "github.com/zhouzirui/care-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/service/classifier"
	speechsvc "github.com/zhouzirui/care-assistant/backend/internal/service/speech"
	"github.com/zhouzirui/care-assistant/backend/internal/service/speech/speechtest"
	"github.com/zhouzirui/care-assistant/backend/internal/service/widget"
)

var epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// backend is a fake of the two upstream endpoints.
type backend struct {
	mu             sync.Mutex
	chatBodies     []string
	transcribeHits int

	chatStatus   int
	chatBody     string
	transcribeOK string
}

func (b *backend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/groq-chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		b.mu.Lock()
		b.chatBodies = append(b.chatBodies, req.Message)
		status, body := b.chatStatus, b.chatBody
		b.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/api/transcribe", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.transcribeHits++
		body := b.transcribeOK
		b.mu.Unlock()
		_, _ = w.Write([]byte(body))
	})
	return mux
}

func (b *backend) chatCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.chatBodies...)
}

func (b *backend) transcribeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transcribeHits
}

type fixture struct {
	service *widget.Service
	source  *speechtest.Source
	clock   *speechtest.ManualClock
	backend *backend
}

func newFixture(t *testing.T, be *backend) *fixture {
	t.Helper()
	srv := httptest.NewServer(be.handler(t))
	t.Cleanup(srv.Close)

	source := &speechtest.Source{}
	clock := speechtest.NewManualClock(epoch)
	controller := speechsvc.NewCaptureController(source, clock, speechsvc.CaptureConfig{DrainTimeout: time.Second})

	service := widget.NewService(
		chatsvc.NewGateway(srv.URL+"/api", "/groq-chat", srv.Client()),
		speechsvc.NewGateway(srv.URL+"/api", "/transcribe", srv.Client()),
		controller,
		widget.Config{},
	)
	t.Cleanup(service.Shutdown)

	return &fixture{service: service, source: source, clock: clock, backend: be}
}

func (f *fixture) mount(t *testing.T) *widget.Session {
	t.Helper()
	session, err := f.service.Create(context.Background())
	require.NoError(t, err)
	return session
}

func lastMessage(t *testing.T, s *widget.Session) chat.Message {
	t.Helper()
	transcript := s.Transcript()
	require.NotEmpty(t, transcript)
	return transcript[len(transcript)-1]
}

func TestScenarioTypedMessageGetsReply(t *testing.T) {
	f := newFixture(t, &backend{chatBody: `{"response":"Hi there"}`})
	session := f.mount(t)

	require.NoError(t, session.SendText(context.Background(), "  Hello  "))

	transcript := session.Transcript()
	require.Len(t, transcript, 3)
	require.Equal(t, chatsvc.DefaultGreeting, transcript[0].Text)
	require.Equal(t, chat.Message{ID: 1, Sender: chat.SenderUser, Text: "Hello", CreatedAt: transcript[1].CreatedAt}, transcript[1])
	require.Equal(t, chat.SenderBot, transcript[2].Sender)
	require.Equal(t, "Hi there", transcript[2].Text)
	require.Equal(t, []string{"Hello"}, f.backend.chatCalls())

	status := session.Status()
	require.False(t, status.Loading)
	require.False(t, status.ChatInFlight)
	require.Nil(t, status.LastError)
}

func TestScenarioRateLimitIsClassified(t *testing.T) {
	f := newFixture(t, &backend{
		chatStatus: http.StatusInternalServerError,
		chatBody:   `{"error":"Groq API error: rate limit exceeded"}`,
	})
	session := f.mount(t)

	require.NoError(t, session.SendText(context.Background(), "Hello"))

	msg := lastMessage(t, session)
	require.Equal(t, chat.SenderBot, msg.Sender)
	require.Equal(t, "Service is busy. Please try again in a moment.", msg.Text)

	status := session.Status()
	require.NotNil(t, status.LastError)
	require.Equal(t, string(classifier.RateLimit), status.LastError.Category)
	require.False(t, status.Loading)
}

func TestScenarioShortRecordingIsNotTranscribed(t *testing.T) {
	f := newFixture(t, &backend{transcribeOK: `{"text":"never"}`})
	f.source.Chunks = [][]byte{bytes.Repeat([]byte{1}, 500)}
	session := f.mount(t)

	require.NoError(t, session.StartRecording(context.Background()))
	f.clock.Advance(300 * time.Millisecond)
	require.NoError(t, session.StopRecording(context.Background()))

	transcript := session.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, "Recording too short. Please speak longer.", transcript[1].Text)
	require.Zero(t, f.backend.transcribeCalls())
	require.Empty(t, f.backend.chatCalls())

	handles := f.source.Handles()
	require.Len(t, handles, 1)
	require.Equal(t, 1, handles[0].Releases())

	status := session.Status()
	require.Equal(t, string(speech.CaptureIdle), status.CaptureState)
	require.Equal(t, string(classifier.ClipTooShort), status.LastError.Category)
}

func TestScenarioTranscriptionAutoChainsIntoChat(t *testing.T) {
	f := newFixture(t, &backend{
		transcribeOK: `{"text":"I have a fever"}`,
		chatBody:     `{"response":"Please rest and drink fluids."}`,
	})
	f.source.Chunks = [][]byte{bytes.Repeat([]byte{1}, 4000)}
	session := f.mount(t)

	require.NoError(t, session.StartRecording(context.Background()))
	require.True(t, session.Status().Recording)
	require.NoError(t, session.StopRecording(context.Background()))

	transcript := session.Transcript()
	require.Len(t, transcript, 3)
	require.Equal(t, chat.SenderUser, transcript[1].Sender)
	require.Equal(t, "I have a fever", transcript[1].Text)
	require.Equal(t, "Please rest and drink fluids.", transcript[2].Text)

	require.Equal(t, 1, f.backend.transcribeCalls())
	require.Equal(t, []string{"I have a fever"}, f.backend.chatCalls())
	require.Equal(t, 1, f.source.Handles()[0].Releases())

	status := session.Status()
	require.False(t, status.Recording)
	require.False(t, status.Loading)
	require.False(t, status.TranscriptionInFlight)
}

func TestScenarioTypingWhileRecordingIsRejected(t *testing.T) {
	f := newFixture(t, &backend{chatBody: `{"response":"unused"}`})
	f.source.Chunks = [][]byte{bytes.Repeat([]byte{1}, 4000)}
	session := f.mount(t)

	require.NoError(t, session.StartRecording(context.Background()))
	before := session.Transcript()

	err := session.SendText(context.Background(), "Hello")
	require.ErrorIs(t, err, widget.ErrRecordingActive)
	require.Empty(t, f.backend.chatCalls())
	require.Equal(t, before, session.Transcript())
}

func TestEmptyTranscriptionAsksToRepeat(t *testing.T) {
	f := newFixture(t, &backend{transcribeOK: `{"text":"   "}`})
	f.source.Chunks = [][]byte{bytes.Repeat([]byte{1}, 4000)}
	session := f.mount(t)

	require.NoError(t, session.StartRecording(context.Background()))
	require.NoError(t, session.StopRecording(context.Background()))

	require.Equal(t, classifier.MessageNoSpeech, lastMessage(t, session).Text)
	require.Empty(t, f.backend.chatCalls())
	require.False(t, session.Status().Loading)
}

func TestPermissionDeniedBecomesBotMessage(t *testing.T) {
	f := newFixture(t, &backend{})
	f.source.OpenErr = errors.New("NotAllowedError")
	session := f.mount(t)

	require.NoError(t, session.StartRecording(context.Background()))

	require.Equal(t, classifier.MessagePermissionDenied, lastMessage(t, session).Text)
	status := session.Status()
	require.False(t, status.Recording)
	require.Equal(t, string(speech.CaptureIdle), status.CaptureState)
	require.Equal(t, string(classifier.PermissionDenied), status.LastError.Category)
}

func TestEmptyTextIsRejected(t *testing.T) {
	f := newFixture(t, &backend{})
	session := f.mount(t)

	require.ErrorIs(t, session.SendText(context.Background(), "   "), widget.ErrEmptyMessage)
	require.Len(t, session.Transcript(), 1)
	require.Empty(t, f.backend.chatCalls())
}

func TestStopWithoutRecording(t *testing.T) {
	f := newFixture(t, &backend{})
	session := f.mount(t)

	require.ErrorIs(t, session.StopRecording(context.Background()), widget.ErrNotRecording)
	require.Len(t, session.Transcript(), 1)
}

func TestRecordingTicksAreReported(t *testing.T) {
	f := newFixture(t, &backend{})
	f.source.Chunks = [][]byte{bytes.Repeat([]byte{1}, 4000)}
	session := f.mount(t)

	events, cancel := session.Subscribe()
	defer cancel()

	require.NoError(t, session.StartRecording(context.Background()))
	f.clock.Advance(time.Second)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != widget.EventTick {
				continue
			}
			require.Equal(t, widget.TickData{ElapsedSeconds: 1}, ev.Data)
			require.Eventually(t, func() bool {
				return session.Status().ElapsedSeconds == 1
			}, time.Second, 10*time.Millisecond)
			return
		case <-deadline:
			t.Fatal("tick event not delivered")
		}
	}
}

func TestSessionCloseReleasesRecording(t *testing.T) {
	f := newFixture(t, &backend{})
	f.source.Chunks = [][]byte{bytes.Repeat([]byte{1}, 4000)}
	session := f.mount(t)

	require.NoError(t, session.StartRecording(context.Background()))
	require.NoError(t, f.service.Close(session.ID()))

	require.Equal(t, 1, f.source.Handles()[0].Releases())
	require.ErrorIs(t, session.SendText(context.Background(), "hi"), widget.ErrSessionClosed)

	other := f.mount(t)
	require.Equal(t, string(speech.CaptureIdle), other.Status().CaptureState)
}

func TestOpenAndCloseWidget(t *testing.T) {
	f := newFixture(t, &backend{})
	session := f.mount(t)

	require.False(t, session.Status().Open)
	require.True(t, session.Open().Open)
	require.False(t, session.CloseWidget().Open)
}

func TestMessageEventsFollowTranscript(t *testing.T) {
	f := newFixture(t, &backend{chatBody: `{"response":"Hi there"}`})
	session := f.mount(t)

	events, cancel := session.Subscribe()
	defer cancel()

	require.NoError(t, session.SendText(context.Background(), "Hello"))

	var texts []string
	timeout := time.After(time.Second)
	for len(texts) < 2 {
		select {
		case ev := <-events:
			if ev.Type == widget.EventMessage {
				require.Equal(t, session.ID(), ev.SessionID)
				texts = append(texts, ev.Data.(chat.Message).Text)
			}
		case <-timeout:
			t.Fatalf("expected two message events, got %v", texts)
		}
	}
	require.Equal(t, []string{"Hello", "Hi there"}, texts)
}

func TestTranscriptionFailureDoesNotChain(t *testing.T) {
	f := newFixture(t, &backend{
		transcribeOK: `{"error":"Groq API error: boom"}`,
		chatBody:     `{"response":"unused"}`,
	})
	f.source.Chunks = [][]byte{bytes.Repeat([]byte{1}, 4000)}
	session := f.mount(t)

	require.NoError(t, session.StartRecording(context.Background()))
	require.NoError(t, session.StopRecording(context.Background()))

	transcript := session.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, chat.SenderBot, transcript[1].Sender)
	require.Equal(t, classifier.MessageServiceUnavailable, transcript[1].Text)

	require.Equal(t, 1, f.backend.transcribeCalls())
	require.Empty(t, f.backend.chatCalls())
	require.Equal(t, 1, f.source.Handles()[0].Releases())

	status := session.Status()
	require.NotNil(t, status.LastError)
	require.Equal(t, string(classifier.ServiceUnavailable), status.LastError.Category)
	require.False(t, status.Loading)
	require.False(t, status.TranscriptionInFlight)
	require.False(t, status.ChatInFlight)
}
