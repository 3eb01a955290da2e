// Package inference is the client for an OpenAI-compatible inference server
// such as LM Studio. It opens streaming chat completions and lists models.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/proxy/header"
)

const (
	completionsPath = "/v1/chat/completions"
	modelsPath      = "/v1/models"

	// maxErrorBody bounds how much of a failed response is kept for the
	// error message.
	maxErrorBody = 64 * 1024

	// DefaultTimeout bounds a whole exchange, stream included. Local models
	// can be slow to produce a full answer.
	DefaultTimeout = 5 * time.Minute
)

// Config configures a Client.
type Config struct {
	// BaseURL is the inference server root, e.g. "http://localhost:1234".
	BaseURL string

	// Timeout bounds each request including reading the streamed body.
	// Zero means DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the client used for upstream calls. Timeout is
	// ignored when it is set.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to one inference server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    *header.Handler
	logger     *slog.Logger
}

// ChatRequest is one completion request. Messages is the full history,
// oldest first.
type ChatRequest struct {
	Model       string
	Messages    []conversation.Turn
	Temperature float64
	MaxTokens   int
}

type completionBody struct {
	Model       string              `json:"model"`
	Messages    []conversation.Turn `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	Stream      bool                `json:"stream"`
}

// Model is an entry of the server's model listing.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// New returns a Client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upstream URL is required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme must be http or https", base)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		headers:    header.NewHandler(),
		logger:     log,
	}, nil
}

// BaseURL returns the normalized upstream root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Complete opens a streaming chat completion. On success the caller owns
// the returned Stream and must Close it. A non-2xx status or a connection
// failure is returned as *UpstreamError and no Stream is opened.
//
// The stream is bound to ctx: cancelling it unblocks a pending Next.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*Stream, error) {
	messages := req.Messages
	if messages == nil {
		messages = []conversation.Turn{}
	}

	body, err := json.Marshal(completionBody{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating completion request: %w", err)
	}
	c.headers.SetUpstreamRequestHeaders(httpReq, true)

	c.logger.Debug("forwarding chat to upstream",
		"url", httpReq.URL.String(),
		"model", req.Model,
		"message_count", len(messages),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, drainError(resp)
	}

	return newStream(resp.Body), nil
}

// Models lists the models the server has available.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("creating models request: %w", err)
	}
	c.headers.SetUpstreamRequestHeaders(httpReq, false)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, drainError(resp)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Err: err}
	}
	if !gjson.ValidBytes(data) {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: truncate(data), Err: errors.New("invalid JSON in model listing")}
	}

	models := []Model{}
	gjson.GetBytes(data, "data").ForEach(func(_, entry gjson.Result) bool {
		id := entry.Get("id").String()
		if id != "" {
			models = append(models, Model{ID: id, OwnedBy: entry.Get("owned_by").String()})
		}
		return true
	})

	return models, nil
}

// drainError reads a bounded prefix of a failed response, releases the
// connection and returns the resulting *UpstreamError.
func drainError(resp *http.Response) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &UpstreamError{Status: resp.StatusCode, Err: err}
	}
	return &UpstreamError{Status: resp.StatusCode, Body: string(data)}
}

func truncate(data []byte) string {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return string(data)
}
