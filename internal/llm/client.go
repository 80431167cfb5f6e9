package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"localchat/internal/events"
	"localchat/internal/models"
)

// logBodyLimit caps how much of an upstream error body lands in the event
// log.
const logBodyLimit = 200

// Message is one entry of the wire payload sent upstream.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client performs chat-completion calls against an OpenAI-compatible
// endpoint. Each call is bounded by the configuration's request timeout; all
// failures come back as *Error with a sanitized user message.
type Client struct {
	http *http.Client
	log  events.Logger
}

func NewClient(log events.Logger) *Client {
	// Per-call deadlines come from the configuration, so the shared client
	// carries no timeout of its own.
	return &Client{http: &http.Client{}, log: log}
}

// Complete sends the assembled messages upstream and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, cfg *models.LLMConfig, msgs []Message) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       cfg.ModelName,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", c.fail(cfg, &Error{Kind: KindRequest, detail: fmt.Sprintf("marshal request: %v", err)})
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", c.fail(cfg, &Error{Kind: KindRequest, detail: fmt.Sprintf("build request: %v", err)})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.fail(cfg, classifyTransport(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.fail(cfg, &Error{Kind: KindRequest, detail: fmt.Sprintf("read response: %v", err)})
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.fail(cfg, &Error{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			detail:     truncate(string(body), logBodyLimit),
		})
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		// Protocol mismatches log the full body; it never reaches the caller.
		return "", c.fail(cfg, &Error{Kind: KindProtocol, detail: string(body)})
	}
	return parsed.Choices[0].Message.Content, nil
}

// classifyTransport maps a transport-level fault onto the closed taxonomy.
func classifyTransport(err error) *Error {
	var uerr *url.Error
	if errors.As(err, &uerr) && (uerr.Timeout() || errors.Is(err, context.DeadlineExceeded)) {
		return &Error{Kind: KindTimeout, detail: err.Error()}
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return &Error{Kind: KindConnection, detail: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, detail: err.Error()}
	}
	return &Error{Kind: KindRequest, detail: err.Error()}
}

func (c *Client) fail(cfg *models.LLMConfig, e *Error) *Error {
	level := events.LevelError
	if e.Kind == KindTimeout {
		level = events.LevelWarn
	}
	c.log.Emit(events.Event{
		Name:     "llm.call_failed",
		Level:    level,
		ConfigID: cfg.ID,
		Status:   e.StatusCode,
		Detail:   e.Error(),
	})
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
