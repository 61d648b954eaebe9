package widget

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	widgetsvc "github.com/zhouzirui/care-assistant/backend/internal/service/widget"
	"github.com/zhouzirui/care-assistant/backend/pkg/utils"
)

// handleEvents streams session events as Server-Sent Events.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := session.Subscribe()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	sessionID := chi.URLParam(r, "sessionID")
	log.Printf("[sse] opening event stream for session=%s", sessionID)

	if err := utils.SendSSEEvent(w, flusher, string(widgetsvc.EventSnapshot), widgetsvc.Event{
		Type:      widgetsvc.EventSnapshot,
		SessionID: sessionID,
		Data:      snapshotOf(session),
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[sse] client left session=%s", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				log.Printf("[sse] write failed session=%s: %v", sessionID, err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}
