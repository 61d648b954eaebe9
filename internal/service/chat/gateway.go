package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	model "github.com/zhouzirui/care-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/care-assistant/backend/internal/service/classifier"
)

const maxResponseBytes = 1 << 20

// Gateway posts one user message to the chat completion endpoint.
type Gateway struct {
	endpoint string
	client   *http.Client
}

// NewGateway targets baseURL+path. A nil client uses a client without a
// request timeout.
func NewGateway(baseURL, path string, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{}
	}
	return &Gateway{
		endpoint: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		client:   client,
	}
}

// Endpoint returns the resolved chat URL.
func (g *Gateway) Endpoint() string {
	return g.endpoint
}

type completionPayload struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

// Send issues exactly one request and returns the reply text. Failures are
// always *classifier.Error.
func (g *Gateway) Send(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(model.CompletionRequest{Message: text})
	if err != nil {
		return "", classifier.New(classifier.Unknown, classifier.MessageGenericResponse, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", classifier.New(classifier.Unknown, classifier.MessageGenericResponse, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[chat] request to %s failed: %v", g.endpoint, err)
		return "", classifier.New(classifier.NetworkError, classifier.MessageTransport, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		log.Printf("[chat] reading response failed: %v", err)
		return "", classifier.New(classifier.NetworkError, classifier.MessageTransport, err.Error())
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	var payload completionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("[chat] undecodable response status=%d: %v", resp.StatusCode, err)
		return "", unusable(success, resp.StatusCode)
	}

	if success && strings.TrimSpace(payload.Response) != "" {
		return payload.Response, nil
	}
	if payload.Error != "" {
		log.Printf("[chat] backend error status=%d: %s", resp.StatusCode, payload.Error)
		return "", classifier.Classify(payload.Error)
	}
	return "", unusable(success, resp.StatusCode)
}

func unusable(success bool, status int) *classifier.Error {
	raw := fmt.Sprintf("unusable chat response (status %d)", status)
	if success {
		return classifier.New(classifier.MalformedResponse, classifier.MessageGenericResponse, raw)
	}
	return classifier.New(classifier.Unknown, classifier.MessageGenericResponse, raw)
}
