package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oriys/relay/internal/logging"
)

// HTTPConfig configures an HTTPTransport. The endpoint is expected to be
// a generic "send message" webhook: POST {recipient_id, text} for Send,
// POST {recipient_id, typing: true} for Typing.
type HTTPConfig struct {
	SendURL   string
	TypingURL string // optional; Typing is a no-op if empty
	Headers   map[string]string
}

// HTTPTransport sends messages over HTTP, classifying status codes into
// an Outcome: 2xx is Success, 400/403/404/422 is PermanentFail (retrying
// without producer intervention cannot help), everything else
// (timeouts, 429, 5xx) is TransientFail.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPTransport wraps an *http.Client. The caller sets the client's
// Timeout to TransportTimeout; Delivery additionally bounds each call
// with a context deadline, so either mechanism tripping ends the call.
func NewHTTPTransport(cfg HTTPConfig, client *http.Client) *HTTPTransport {
	return &HTTPTransport{cfg: cfg, client: client}
}

type sendPayload struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

func (t *HTTPTransport) Send(ctx context.Context, recipientID, text string) Outcome {
	payload, err := json.Marshal(sendPayload{RecipientID: recipientID, Text: text})
	if err != nil {
		logging.Op().Error("transport: marshal send payload", "recipient_id", recipientID, "error", err)
		return PermanentFail
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.SendURL, bytes.NewReader(payload))
	if err != nil {
		logging.Op().Error("transport: build send request", "recipient_id", recipientID, "error", err)
		return PermanentFail
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		logging.Op().Warn("transport: send request failed", "recipient_id", recipientID, "error", err)
		return TransientFail
	}
	defer resp.Body.Close()

	return classifyStatus(resp.StatusCode)
}

type typingPayload struct {
	RecipientID string `json:"recipient_id"`
	Typing      bool   `json:"typing"`
}

func (t *HTTPTransport) Typing(ctx context.Context, recipientID string) error {
	if t.cfg.TypingURL == "" {
		return nil
	}
	payload, err := json.Marshal(typingPayload{RecipientID: recipientID, Typing: true})
	if err != nil {
		return fmt.Errorf("marshal typing payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.TypingURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build typing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("typing indicator rejected with status %d", resp.StatusCode)
	}
	return nil
}

func classifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusBadRequest, status == http.StatusForbidden,
		status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return PermanentFail
	default:
		return TransientFail
	}
}
