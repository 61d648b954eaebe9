package widget

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	widgetsvc "github.com/zhouzirui/care-assistant/backend/internal/service/widget"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second

	commandQueueSize = 32
)

// Command is an inbound websocket instruction from the widget UI.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Commands accepted over the websocket.
const (
	CommandText  = "text"
	CommandStart = "start_recording"
	CommandStop  = "stop_recording"
	CommandOpen  = "open"
	CommandClose = "close"
)

type textCommand struct {
	Text string `json:"text"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// handleWebSocket 推送会话事件并接收界面指令
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	events, cancel := session.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	replies := make(chan widgetsvc.Event, 8)
	go h.readLoop(ctx, stop, conn, session, replies)

	if err := writeEvent(conn, widgetsvc.Event{
		Type:      widgetsvc.EventSnapshot,
		SessionID: sessionID,
		Data:      snapshotOf(session),
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		log.Printf("[websocket] write snapshot failed: %v", err)
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				log.Printf("[websocket] write event failed: %v", err)
				return
			}
		case ev := <-replies:
			if err := writeEvent(conn, ev); err != nil {
				log.Printf("[websocket] write reply failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, stop context.CancelFunc, conn *websocket.Conn, session *widgetsvc.Session, replies chan<- widgetsvc.Event) {
	defer stop()

	// Commands of one connection run in arrival order on a single worker,
	// so a stop sent right after a start never overtakes it.
	queue := make(chan Command, commandQueueSize)
	defer close(queue)
	go func() {
		for cmd := range queue {
			h.dispatch(ctx, session, cmd, replies)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		select {
		case queue <- cmd:
		default:
			reply(ctx, replies, session, cmd.Type, "too many pending commands", http.StatusTooManyRequests)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, session *widgetsvc.Session, cmd Command, replies chan<- widgetsvc.Event) {
	var err error
	switch cmd.Type {
	case CommandText:
		var payload textCommand
		if len(cmd.Data) > 0 {
			if jsonErr := json.Unmarshal(cmd.Data, &payload); jsonErr != nil {
				reply(ctx, replies, session, cmd.Type, "invalid text payload", http.StatusBadRequest)
				return
			}
		}
		err = session.SendText(ctx, payload.Text)
	case CommandStart:
		err = session.StartRecording(ctx)
	case CommandStop:
		err = session.StopRecording(ctx)
	case CommandOpen:
		session.Open()
	case CommandClose:
		session.CloseWidget()
	default:
		reply(ctx, replies, session, cmd.Type, "unsupported command type: "+cmd.Type, http.StatusBadRequest)
		return
	}

	if err != nil {
		reply(ctx, replies, session, cmd.Type, err.Error(), statusFor(err))
	}
}

func reply(ctx context.Context, replies chan<- widgetsvc.Event, session *widgetsvc.Session, command, message string, status int) {
	ev := widgetsvc.Event{
		Type:      widgetsvc.EventError,
		SessionID: session.ID(),
		Data:      ErrorData{Command: command, Message: message, Status: status},
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case replies <- ev:
	case <-ctx.Done():
	}
}

func writeEvent(conn *websocket.Conn, ev widgetsvc.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}
