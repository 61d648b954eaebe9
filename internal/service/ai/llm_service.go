package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/care-assistant/backend/internal/config"
)

// FallbackReply answers when no model is configured.
const FallbackReply = "AI assistant is temporarily unavailable. Please consult a healthcare professional."

var (
	ErrUpstream      = errors.New("upstream API error")
	ErrEmptyResponse = errors.New("empty response from upstream")
)

// Service answers single-turn healthcare questions through an eino chain.
type Service struct {
	chain       compose.Runnable[map[string]any, *schema.Message]
	temperature float32
	topP        float32
}

// NewService creates the chat model from cfg and compiles the chain.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel compiles the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chain:       runnable,
		temperature: float32(cfg.Temperature),
		topP:        float32(cfg.TopP),
	}, nil
}

// Complete returns the assistant reply for one user message.
func (s *Service) Complete(ctx context.Context, message string) (string, error) {
	tpl := SelectTemplate(message)

	input := map[string]any{
		"system": tpl.SystemPrompt,
		"query":  message,
	}

	response, err := s.chain.Invoke(ctx, input, compose.WithChatModelOption(
		model.WithMaxTokens(tpl.MaxTokens),
		model.WithTemperature(s.temperature),
		model.WithTopP(s.topP),
	))
	if err != nil {
		log.Printf("[ai] chain failed template=%s: %v", tpl.Name, err)
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	answer := strings.TrimSpace(response.Content)
	if answer == "" {
		return "", ErrEmptyResponse
	}

	log.Printf("[ai] generated response template=%s length=%d", tpl.Name, len(answer))
	return answer, nil
}
