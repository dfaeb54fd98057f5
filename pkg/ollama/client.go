package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHost        = "http://localhost:11434"
	DefaultListTimeout = 10 * time.Second
)

// ConnectivityError is returned when the inference endpoint cannot be
// reached or answers with a non-success status. Message is meant to be shown
// to the user as-is.
type ConnectivityError struct {
	Host       string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ConnectivityError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ConnectivityError) Unwrap() error { return e.Cause }

// Config configures a Client.
type Config struct {
	Host string
	// ListTimeout bounds GET /api/tags. Streaming requests are only bounded
	// by their context.
	ListTimeout time.Duration
	HTTPClient  *http.Client
}

// Client talks to an Ollama server. The host can be changed while in use.
type Client struct {
	mu         sync.RWMutex
	host       string
	listClient *http.Client
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	host := NormalizeHost(cfg.Host)
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = DefaultListTimeout
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	list := *base
	list.Timeout = cfg.ListTimeout
	stream := *base
	stream.Timeout = 0
	return &Client{host: host, listClient: &list, httpClient: &stream}
}

// NormalizeHost trims whitespace and trailing slashes and falls back to
// DefaultHost for an empty value.
func NormalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return DefaultHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host
}

func (c *Client) Host() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// SetHost points the client at another server. Streams already open are not
// affected.
func (c *Client) SetHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = NormalizeHost(host)
}

// ListModels returns the models installed on the server, in server order.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	if c == nil {
		return nil, errors.New("ollama client is nil")
	}
	host := c.Host()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build tags request")
	}
	resp, err := c.listClient.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Host: host, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(host, resp)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &ConnectivityError{Host: host, StatusCode: resp.StatusCode, Message: "invalid model list", Cause: err}
	}
	log.Debug().Str("component", "ollama").Str("host", host).Int("models", len(tags.Models)).Msg("listed models")
	return tags.Models, nil
}

// Generate opens a streamed completion. The caller owns the returned body and
// must close it. Cancelling ctx aborts the transfer.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("ollama client is nil")
	}
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal generate request")
	}
	host := c.Host()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build generate request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, &ConnectivityError{Host: host, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(host, resp)
	}
	log.Debug().Str("component", "ollama").Str("model", req.Model).Bool("has_context", len(req.Context) > 0).Msg("generate stream opened")
	return resp.Body, nil
}

func statusError(host string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if msg == "" {
		msg = resp.Status
	}
	return &ConnectivityError{
		Host:       host,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("%s (HTTP %d)", msg, resp.StatusCode),
	}
}
