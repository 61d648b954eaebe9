package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/zhouzirui/care-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	"github.com/zhouzirui/care-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/care-assistant/backend/pkg/utils"
)

const (
	maxUploadBytes  = 25 << 20
	defaultFilename = "recording.webm"
)

// Completer answers one user message.
type Completer interface {
	Complete(ctx context.Context, message string) (string, error)
}

// Transcriber turns uploaded audio into text.
type Transcriber interface {
	Configured() bool
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}

// Handler 提供组件调用的聊天与转写接口
type Handler struct {
	completer   Completer
	transcriber Transcriber
	validate    *validator.Validate
}

// New 创建处理器；completer 或 transcriber 为 nil 时对应接口降级。
func New(completer Completer, transcriber Transcriber) *Handler {
	return &Handler{
		completer:   completer,
		transcriber: transcriber,
		validate:    validator.New(),
	}
}

// RegisterRoutes 注册聊天与转写路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/groq-chat", h.handleChat)
	r.Post("/transcribe", h.handleTranscribe)
}

// ChatAvailable reports whether a model backs the chat endpoint.
func (h *Handler) ChatAvailable() bool {
	return h.completer != nil
}

// TranscriptionAvailable reports whether the transcription endpoint is usable.
func (h *Handler) TranscriptionAvailable() bool {
	return h.transcriber != nil && h.transcriber.Configured()
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if err := h.validate.Struct(req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Message is required")
		return
	}

	if h.completer == nil {
		utils.RespondJSON(w, http.StatusOK, chat.CompletionResponse{Response: ai.FallbackReply})
		return
	}

	answer, err := h.completer.Complete(r.Context(), req.Message)
	switch {
	case errors.Is(err, ai.ErrEmptyResponse):
		utils.RespondError(w, http.StatusInternalServerError, "Empty response from upstream")
		return
	case err != nil:
		log.Printf("[chat] completion failed: %v", err)
		utils.RespondError(w, http.StatusBadGateway, upstreamMessage(err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, chat.CompletionResponse{Response: answer})
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if !h.TranscriptionAvailable() {
		utils.RespondError(w, http.StatusServiceUnavailable, "Transcription service unavailable")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}

	detected := mimetype.Detect(audio)
	if !isAudio(detected) {
		log.Printf("[transcribe] rejected upload %q detected as %s", header.Filename, detected.String())
		utils.RespondError(w, http.StatusUnsupportedMediaType, "unsupported audio format: "+detected.String())
		return
	}

	filename := header.Filename
	if filename == "" {
		filename = defaultFilename
	}

	text, err := h.transcriber.Transcribe(r.Context(), filename, audio)
	if err != nil {
		log.Printf("[transcribe] failed: %v", err)
		utils.RespondError(w, http.StatusBadGateway, upstreamMessage(err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, speech.TranscriptionResponse{Text: text})
}

// isAudio accepts audio types and the containers browsers record audio into.
func isAudio(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") {
			return true
		}
	}
	return detected.Is("video/webm") || detected.Is("application/ogg") || detected.Is("video/mp4")
}

func upstreamMessage(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, ai.ErrUpstream.Error()) {
		return msg
	}
	return ai.ErrUpstream.Error() + ": " + msg
}
