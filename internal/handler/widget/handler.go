package widget

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/care-assistant/backend/internal/model/chat"
	widgetsvc "github.com/zhouzirui/care-assistant/backend/internal/service/widget"
	"github.com/zhouzirui/care-assistant/backend/pkg/utils"
)

// Handler 组件会话的HTTP处理器
type Handler struct {
	svc          *widgetsvc.Service
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// New 创建组件处理器
func New(svc *widgetsvc.Service) *Handler {
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: 30 * time.Second,
	}
}

// RegisterRoutes 注册组件相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/widget/sessions", func(sessions chi.Router) {
		sessions.Post("/", h.handleMount)
		sessions.Route("/{sessionID}", func(s chi.Router) {
			s.Get("/", h.handleSnapshot)
			s.Delete("/", h.handleUnmount)
			s.Post("/open", h.handleOpen)
			s.Post("/close", h.handleClose)
			s.Post("/messages", h.handleSendText)
			s.Post("/recording/start", h.handleStartRecording)
			s.Post("/recording/stop", h.handleStopRecording)
			s.Get("/ws", h.handleWebSocket)
			s.Get("/events", h.handleEvents)
		})
	})
}

// Snapshot is the full UI state of one widget.
type Snapshot struct {
	SessionID string         `json:"session,omitempty"`
	Status    chat.Status    `json:"status"`
	Messages  []chat.Message `json:"messages"`
}

func snapshotOf(session *widgetsvc.Session) Snapshot {
	return Snapshot{
		Status:   session.Status(),
		Messages: session.Transcript(),
	}
}

func (h *Handler) handleMount(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Create(r.Context())
	if err != nil {
		respondSessionError(w, err)
		return
	}

	snapshot := snapshotOf(session)
	snapshot.SessionID = session.ID()
	utils.RespondJSON(w, http.StatusCreated, snapshot)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshotOf(session))
}

func (h *Handler) handleUnmount(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Close(chi.URLParam(r, "sessionID")); err != nil {
		respondSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.Open())
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.CloseWidget())
}

func (h *Handler) handleSendText(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := session.SendText(r.Context(), payload.Text); err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshotOf(session))
}

func (h *Handler) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := session.StartRecording(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshotOf(session))
}

func (h *Handler) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := session.StopRecording(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshotOf(session))
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*widgetsvc.Session, bool) {
	session, err := h.svc.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondSessionError(w, err)
		return nil, false
	}
	return session, true
}

// statusFor maps orchestrator refusals onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, widgetsvc.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, widgetsvc.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, widgetsvc.ErrChatInFlight),
		errors.Is(err, widgetsvc.ErrRecordingActive),
		errors.Is(err, widgetsvc.ErrBusy),
		errors.Is(err, widgetsvc.ErrCaptureBusy),
		errors.Is(err, widgetsvc.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, widgetsvc.ErrSessionClosed), errors.Is(err, widgetsvc.ErrServiceClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func respondSessionError(w http.ResponseWriter, err error) {
	utils.RespondError(w, statusFor(err), err.Error())
}
