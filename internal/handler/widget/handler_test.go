package widget_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	widgethandler "github.com/zhouzirui/care-assistant/backend/internal/handler/widget"
	"github.com/zhouzirui/care-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/care-assistant/backend/internal/service/speech"
	"github.com/zhouzirui/care-assistant/backend/internal/service/speech/speechtest"
	widgetsvc "github.com/zhouzirui/care-assistant/backend/internal/service/widget"
)

type echoChat struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *echoChat) Send(_ context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, text)
	if c.err != nil {
		return "", c.err
	}
	return "echo: " + text, nil
}

type fixedTranscriber struct{ text string }

func (f fixedTranscriber) Transcribe(context.Context, speech.Clip) (string, error) {
	return f.text, nil
}

type fixture struct {
	server *httptest.Server
	svc    *widgetsvc.Service
	source *speechtest.Source
}

func newFixture(t *testing.T, chatSender widgetsvc.ChatSender, opts ...func(*speechtest.Source)) *fixture {
	t.Helper()
	source := &speechtest.Source{Chunks: [][]byte{bytes.Repeat([]byte{1}, 1500)}}
	for _, opt := range opts {
		opt(source)
	}
	controller := speechsvc.NewCaptureController(source,
		speechtest.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		speechsvc.CaptureConfig{DrainTimeout: time.Second})
	svc := widgetsvc.NewService(chatSender, fixedTranscriber{text: "I have a headache"}, controller,
		widgetsvc.Config{Greeting: "Hello from Care Assistant"})

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		widgethandler.New(svc).RegisterRoutes(api)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		svc.Shutdown()
	})
	return &fixture{server: srv, svc: svc, source: source}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) mount(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/widget/sessions/", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["session"].(string)
	require.NotEmpty(t, id)
	return id
}

func decodeSnapshot(t *testing.T, body map[string]any) widgethandler.Snapshot {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var snap widgethandler.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	return snap
}

func TestMountReturnsGreeting(t *testing.T) {
	f := newFixture(t, &echoChat{})
	resp, body := f.do(t, http.MethodPost, "/api/widget/sessions/", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	snap := decodeSnapshot(t, body)
	require.NotEmpty(t, snap.SessionID)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, chat.SenderBot, snap.Messages[0].Sender)
	require.Equal(t, "Hello from Care Assistant", snap.Messages[0].Text)
}

func TestSendTextAppendsReply(t *testing.T) {
	chatSender := &echoChat{}
	f := newFixture(t, chatSender)
	id := f.mount(t)

	resp, body := f.do(t, http.MethodPost, "/api/widget/sessions/"+id+"/messages", `{"text":"  hi there "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decodeSnapshot(t, body)
	require.Len(t, snap.Messages, 3)
	require.Equal(t, chat.SenderUser, snap.Messages[1].Sender)
	require.Equal(t, chat.SenderBot, snap.Messages[2].Sender)
	require.True(t, strings.HasPrefix(snap.Messages[2].Text, "echo: "))
	require.False(t, snap.Status.Loading)
}

func TestUpstreamFailureIsReportedInTranscript(t *testing.T) {
	f := newFixture(t, &echoChat{err: errors.New("boom")})
	id := f.mount(t)

	resp, _ := f.do(t, http.MethodPost, "/api/widget/sessions/"+id+"/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := f.do(t, http.MethodGet, "/api/widget/sessions/"+id+"/", "")
	snap := decodeSnapshot(t, body)
	require.Len(t, snap.Messages, 3)
	require.Equal(t, chat.SenderBot, snap.Messages[2].Sender)
	require.NotNil(t, snap.Status.LastError)
}

func TestRejectionsMapToStatusCodes(t *testing.T) {
	f := newFixture(t, &echoChat{})
	id := f.mount(t)
	base := "/api/widget/sessions/" + id

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty text", http.MethodPost, base + "/messages", `{"text":"   "}`, http.StatusBadRequest},
		{"bad body", http.MethodPost, base + "/messages", `{"text":`, http.StatusBadRequest},
		{"stop without recording", http.MethodPost, base + "/recording/stop", "", http.StatusConflict},
		{"unknown session", http.MethodGet, "/api/widget/sessions/missing/", "", http.StatusNotFound},
		{"unmount unknown", http.MethodDelete, "/api/widget/sessions/missing/", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, resp.StatusCode)
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestRecordingFlowOverHTTP(t *testing.T) {
	chatSender := &echoChat{}
	f := newFixture(t, chatSender)
	id := f.mount(t)
	base := "/api/widget/sessions/" + id

	resp, body := f.do(t, http.MethodPost, base+"/recording/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decodeSnapshot(t, body).Status.Recording)

	resp, _ = f.do(t, http.MethodPost, base+"/messages", `{"text":"typed"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, base+"/recording/start", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, base+"/recording/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := decodeSnapshot(t, body)
	require.False(t, snap.Status.Recording)
	require.Len(t, snap.Messages, 3)
	require.Equal(t, "I have a headache", snap.Messages[1].Text)
	require.Equal(t, "echo: I have a headache", snap.Messages[2].Text)
}

func TestOpenCloseAndUnmount(t *testing.T) {
	f := newFixture(t, &echoChat{})
	id := f.mount(t)
	base := "/api/widget/sessions/" + id

	resp, body := f.do(t, http.MethodPost, base+"/open", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["open"])

	resp, body = f.do(t, http.MethodPost, base+"/close", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["open"])

	resp, _ = f.do(t, http.MethodDelete, base+"/", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 0, f.svc.Count())

	resp, _ = f.do(t, http.MethodGet, base+"/", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readEvent(t *testing.T, conn *websocket.Conn) widgetsvc.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev widgetsvc.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketStreamsEventsAndAcceptsCommands(t *testing.T) {
	f := newFixture(t, &echoChat{})
	id := f.mount(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/widget/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	require.Equal(t, widgetsvc.EventSnapshot, first.Type)
	require.Equal(t, id, first.SessionID)

	require.NoError(t, conn.WriteJSON(widgethandler.Command{
		Type: widgethandler.CommandText,
		Data: json.RawMessage(`{"text":"hello"}`),
	}))

	var texts []string
	deadline := time.Now().Add(2 * time.Second)
	for len(texts) < 2 && time.Now().Before(deadline) {
		ev := readEvent(t, conn)
		if ev.Type != widgetsvc.EventMessage {
			continue
		}
		data, _ := ev.Data.(map[string]any)
		text, _ := data["text"].(string)
		texts = append(texts, text)
	}
	require.Equal(t, []string{"hello", "echo: hello"}, texts)
}

func TestWebSocketReportsRejectedCommand(t *testing.T) {
	f := newFixture(t, &echoChat{})
	id := f.mount(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/widget/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, widgetsvc.EventSnapshot, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(widgethandler.Command{Type: widgethandler.CommandStop}))
	for {
		ev := readEvent(t, conn)
		if ev.Type != widgetsvc.EventError {
			continue
		}
		data, _ := ev.Data.(map[string]any)
		require.Equal(t, widgethandler.CommandStop, data["command"])
		require.EqualValues(t, http.StatusConflict, data["status"])
		return
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	f := newFixture(t, &echoChat{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/widget/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStreamStartsWithSnapshot(t *testing.T) {
	f := newFixture(t, &echoChat{})
	id := f.mount(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/widget/sessions/"+id+"/events", nil)
	require.NoError(t, err)

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: snapshot\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev widgetsvc.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	require.Equal(t, widgetsvc.EventSnapshot, ev.Type)
	require.Equal(t, id, ev.SessionID)
}

func TestWebSocketRunsCommandsInOrder(t *testing.T) {
	f := newFixture(t, &echoChat{}, func(s *speechtest.Source) {
		s.OpenDelay = 250 * time.Millisecond
	})
	id := f.mount(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/widget/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, widgetsvc.EventSnapshot, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(widgethandler.Command{Type: widgethandler.CommandStart}))
	require.NoError(t, conn.WriteJSON(widgethandler.Command{Type: widgethandler.CommandStop}))

	for {
		ev := readEvent(t, conn)
		require.NotEqual(t, widgetsvc.EventError, ev.Type, "command rejected: %v", ev.Data)
		if ev.Type != widgetsvc.EventMessage {
			continue
		}
		data, _ := ev.Data.(map[string]any)
		if data["text"] == "echo: I have a headache" {
			break
		}
	}

	session, err := f.svc.Get(id)
	require.NoError(t, err)
	require.False(t, session.Status().Recording)
	require.Equal(t, string(speech.CaptureIdle), session.Status().CaptureState)

	handles := f.source.Handles()
	require.Len(t, handles, 1)
	require.Equal(t, 1, handles[0].Releases())
}
