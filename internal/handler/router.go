package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/care-assistant/backend/internal/handler/completion"
	"github.com/zhouzirui/care-assistant/backend/internal/handler/widget"
	middlewarePkg "github.com/zhouzirui/care-assistant/backend/internal/middleware"
	widgetService "github.com/zhouzirui/care-assistant/backend/internal/service/widget"
	"github.com/zhouzirui/care-assistant/backend/pkg/utils"
)

// Options carries router settings that do not belong to any one handler.
type Options struct {
	AllowedOrigins []string
	CaptureEnabled bool
}

// Health is the body of GET /api/health.
type Health struct {
	Status        string `json:"status"`
	Chat          bool   `json:"chat"`
	Transcription bool   `json:"transcription"`
	Capture       bool   `json:"capture"`
	Sessions      int    `json:"sessions"`
}

// NewRouter wires HTTP routes to core services.
func NewRouter(widgetSvc *widgetService.Service, completionHandler *completion.Handler, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.NewCORS(opts.AllowedOrigins))

	widgetHandler := widget.New(widgetSvc)

	r.Route("/api", func(api chi.Router) {
		// Upstream endpoints the widget calls
		completionHandler.RegisterRoutes(api)

		// Widget sessions
		widgetHandler.RegisterRoutes(api)

		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, Health{
				Status:        "ok",
				Chat:          completionHandler.ChatAvailable(),
				Transcription: completionHandler.TranscriptionAvailable(),
				Capture:       opts.CaptureEnabled,
				Sessions:      widgetSvc.Count(),
			})
		})
	})

	return r
}
