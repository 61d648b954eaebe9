package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/go-playground/validator/v10"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server        ServerConfig
	Widget        WidgetConfig
	Capture       CaptureConfig
	AI            AIConfig
	Transcription TranscriptionConfig
}

// Load 从环境变量加载并校验配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	addr, err := normalizeAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Addr           string   `validate:"required"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:3001"`
}

// normalizeAddr 允许用户直接传入 "8080"、":8080" 或 "127.0.0.1:8080"。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

// WidgetConfig 描述组件调用的后端接口。
type WidgetConfig struct {
	APIBase        string `env:"ASSISTANT_API_BASE" envDefault:"http://localhost:8080/api" validate:"required,url"`
	ChatPath       string `env:"ASSISTANT_CHAT_PATH" envDefault:"/groq-chat" validate:"required"`
	TranscribePath string `env:"ASSISTANT_TRANSCRIBE_PATH" envDefault:"/transcribe" validate:"required"`
	Greeting       string `env:"ASSISTANT_GREETING" envDefault:"Hi! How can I help you today?"`
}

// CaptureConfig 描述麦克风采集配置。
type CaptureConfig struct {
	Enabled       bool          `env:"CAPTURE_ENABLED" envDefault:"true"`
	FFmpegCommand string        `env:"CAPTURE_FFMPEG_COMMAND" envDefault:"ffmpeg"`
	InputFormat   string        `env:"CAPTURE_INPUT_FORMAT" envDefault:"pulse"`
	InputDevice   string        `env:"CAPTURE_INPUT_DEVICE" envDefault:"default"`
	SampleRate    int           `env:"CAPTURE_SAMPLE_RATE" envDefault:"48000" validate:"gt=0"`
	MinClipBytes  int           `env:"CAPTURE_MIN_CLIP_BYTES" envDefault:"1000" validate:"gt=0"`
	DrainTimeout  time.Duration `env:"CAPTURE_DRAIN_TIMEOUT" envDefault:"2s" validate:"gt=0"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string  `env:"ARK_API_KEY"`
	AccessKey   string  `env:"ARK_ACCESS_KEY"`
	SecretKey   string  `env:"ARK_SECRET_KEY"`
	Model       string  `env:"ARK_MODEL"`
	BaseURL     string  `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region      string  `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature float64 `env:"ARK_TEMPERATURE" envDefault:"0.1" validate:"gte=0,lte=2"`
	TopP        float64 `env:"ARK_TOP_P" envDefault:"0.9" validate:"gt=0,lte=1"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	temperature := float32(c.Temperature)
	topP := float32(c.TopP)

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		Temperature: &temperature,
		TopP:        &topP,
	})
}

// TranscriptionConfig 描述 Whisper 转写服务配置。
type TranscriptionConfig struct {
	APIKey   string `env:"WHISPER_API_KEY"`
	BaseURL  string `env:"WHISPER_BASE_URL" envDefault:"https://api.groq.com/openai/v1" validate:"omitempty,url"`
	Model    string `env:"WHISPER_MODEL" envDefault:"whisper-large-v3"`
	Language string `env:"WHISPER_LANGUAGE" envDefault:"en"`
}

// Enabled 表示是否配置了转写密钥。
func (c TranscriptionConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}
