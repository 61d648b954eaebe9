package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/care-assistant/backend/internal/config"
	"github.com/zhouzirui/care-assistant/backend/internal/handler"
	"github.com/zhouzirui/care-assistant/backend/internal/handler/completion"
	speechModel "github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	"github.com/zhouzirui/care-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/care-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/service/speech"
	"github.com/zhouzirui/care-assistant/backend/internal/service/widget"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Chat completion endpoint
	var completer completion.Completer
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing with fallback replies - 请检查 Ark 模型相关环境变量")
		} else {
			completer = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，聊天接口将返回降级回复")
	}

	// Transcription endpoint
	var transcriber completion.Transcriber
	if cfg.Transcription.Enabled() {
		transcriber = speech.NewWhisperTranscriber(speech.WhisperConfig{
			APIKey:   cfg.Transcription.APIKey,
			BaseURL:  cfg.Transcription.BaseURL,
			Model:    cfg.Transcription.Model,
			Language: cfg.Transcription.Language,
		})
		log.Println("Transcription service initialized successfully")
	} else {
		log.Println("转写服务凭证未配置，/api/transcribe 将返回 503")
	}

	widgetService := widget.NewService(
		chat.NewGateway(cfg.Widget.APIBase, cfg.Widget.ChatPath, &http.Client{}),
		speech.NewGateway(cfg.Widget.APIBase, cfg.Widget.TranscribePath, &http.Client{}),
		newCaptureController(cfg.Capture),
		widget.Config{Greeting: cfg.Widget.Greeting},
	)
	defer widgetService.Shutdown()

	router := handler.NewRouter(widgetService, completion.New(completer, transcriber), handler.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CaptureEnabled: cfg.Capture.Enabled,
	})

	startServer(ctx, cfg.Server, router)
}

func newCaptureController(cfg config.CaptureConfig) *speech.CaptureController {
	var source speech.MediaSource = speech.UnavailableSource{}
	if cfg.Enabled {
		source = speech.NewFFmpegSource(cfg.FFmpegCommand, cfg.InputFormat, cfg.InputDevice)
		log.Printf("Microphone capture via %s (%s:%s)", cfg.FFmpegCommand, cfg.InputFormat, cfg.InputDevice)
	} else {
		log.Println("麦克风采集已禁用，录音请求将被拒绝")
	}

	constraints := speechModel.DefaultConstraints()
	constraints.SampleRate = cfg.SampleRate

	return speech.NewCaptureController(source, speech.RealClock(), speech.CaptureConfig{
		MinClipBytes: cfg.MinClipBytes,
		DrainTimeout: cfg.DrainTimeout,
		Constraints:  constraints,
	})
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Care Assistant backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
