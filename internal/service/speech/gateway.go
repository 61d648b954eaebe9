package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/zhouzirui/care-assistant/backend/internal/model/speech"
	"github.com/zhouzirui/care-assistant/backend/internal/service/classifier"
)

const (
	// AudioField is the multipart field carrying the recording.
	AudioField = "audio"

	uploadContentType = "audio/webm"
	maxResponseBytes  = 1 << 20
)

// Gateway uploads finalized clips to the transcription endpoint.
type Gateway struct {
	endpoint string
	client   *http.Client
}

func NewGateway(baseURL, path string, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{}
	}
	return &Gateway{
		endpoint: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		client:   client,
	}
}

// Endpoint returns the resolved transcription URL.
func (g *Gateway) Endpoint() string {
	return g.endpoint
}

type transcriptionPayload struct {
	Text  *string `json:"text"`
	Error string  `json:"error"`
}

// Transcribe performs one upload. The returned text may be empty; failures
// are always *classifier.Error.
func (g *Gateway) Transcribe(ctx context.Context, clip speech.Clip) (string, error) {
	body, contentType, err := encodeClip(clip)
	if err != nil {
		return "", classifier.New(classifier.Unknown, classifier.MessageTranscribeFailed, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, body)
	if err != nil {
		return "", classifier.New(classifier.Unknown, classifier.MessageTranscribeFailed, err.Error())
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[transcribe] request to %s failed: %v", g.endpoint, err)
		return "", classifier.New(classifier.NetworkError, classifier.MessageTransport, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		log.Printf("[transcribe] reading response failed: %v", err)
		return "", classifier.New(classifier.NetworkError, classifier.MessageTransport, err.Error())
	}

	var payload transcriptionPayload
	decodeErr := json.Unmarshal(raw, &payload)

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if decodeErr == nil && success && payload.Text != nil {
		return *payload.Text, nil
	}
	if decodeErr == nil && payload.Error != "" {
		log.Printf("[transcribe] backend error status=%d: %s", resp.StatusCode, payload.Error)
		return "", classifier.Classify(payload.Error)
	}

	log.Printf("[transcribe] unusable response status=%d", resp.StatusCode)
	return "", classifier.New(classifier.Unknown, classifier.MessageTranscribeFailed,
		fmt.Sprintf("unusable transcription response (status %d)", resp.StatusCode))
}

func encodeClip(clip speech.Clip) (io.Reader, string, error) {
	ext := clip.Extension
	if ext == "" {
		ext = extensionFor(clip.MIMEType)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="recording.%s"`, AudioField, ext))
	header.Set("Content-Type", uploadContentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(clip.Data); err != nil {
		return nil, "", fmt.Errorf("write audio part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
