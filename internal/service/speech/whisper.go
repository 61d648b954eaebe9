package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrTranscriberNotConfigured is returned when no API key was provided.
var ErrTranscriberNotConfigured = errors.New("transcription is not configured")

// WhisperConfig selects the OpenAI-compatible transcription backend.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// WhisperTranscriber turns uploaded audio into text with a Whisper model.
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	language string
}

func NewWhisperTranscriber(cfg WhisperConfig) *WhisperTranscriber {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return &WhisperTranscriber{}
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}

	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(config),
		model:    model,
		language: cfg.Language,
	}
}

// Configured reports whether an upstream client is available.
func (w *WhisperTranscriber) Configured() bool {
	return w != nil && w.client != nil
}

// Transcribe sends audio named filename to the upstream model.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if !w.Configured() {
		return "", ErrTranscriberNotConfigured
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: w.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		log.Printf("[transcribe] upstream failed: %v", err)
		return "", fmt.Errorf("upstream API error: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
