// Package httpapi is the HTTP client for a session provider's control
// endpoint. Turns are streamed back as server-sent events.
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wfrun/internal/harness"
	"github.com/tidwall/gjson"
)

const (
	// DefaultHealthPath is requested by Ping.
	DefaultHealthPath = "/health"

	maxErrorBodyBytes = 4096
	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 8 * 1024 * 1024
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithLogger configures the logger used for ignored or malformed events.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHealthPath overrides the readiness check path.
func WithHealthPath(path string) Option {
	return func(c *Client) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		c.healthPath = path
	}
}

// Client implements harness.Client over HTTP.
type Client struct {
	baseURL    string
	http       *http.Client
	logger     *log.Logger
	healthPath string
	now        func() time.Time
}

// New builds a client for the provider at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse provider url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("provider url %q must be http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("provider url %q has no host", baseURL)
	}

	client := &Client{
		baseURL:    baseURL,
		http:       &http.Client{},
		logger:     log.New(io.Discard),
		healthPath: DefaultHealthPath,
		now:        time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// Ping succeeds once the control endpoint answers with a 2xx status.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.healthPath, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// CreateSession opens a new provider session.
func (c *Client) CreateSession(ctx context.Context, title string) (harness.SessionInfo, error) {
	resp, err := c.do(ctx, http.MethodPost, "/session", map[string]string{"title": title}, "")
	if err != nil {
		return harness.SessionInfo{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, scannerMaxBuf))
	if err != nil {
		return harness.SessionInfo{}, requestError(fmt.Errorf("read create session response: %w", err))
	}
	if !gjson.ValidBytes(body) {
		return harness.SessionInfo{}, requestError(errors.New("create session response is not valid JSON"))
	}

	parsed := gjson.ParseBytes(body)
	id := strings.TrimSpace(parsed.Get("id").String())
	if id == "" {
		return harness.SessionInfo{}, requestError(errors.New("create session response has no id"))
	}
	info := harness.SessionInfo{ID: id, CreatedAt: c.now().UTC()}
	if created := parsed.Get("created_at"); created.Exists() {
		if ts, err := time.Parse(time.RFC3339Nano, created.String()); err == nil {
			info.CreatedAt = ts.UTC()
		}
	}
	return info, nil
}

// Submit posts content to the session and streams the turn's events.
func (c *Client) Submit(ctx context.Context, sessionID string, content string) (<-chan harness.Event, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	path := "/session/" + url.PathEscape(sessionID) + "/message"
	resp, err := c.do(ctx, http.MethodPost, path, map[string]string{"content": content}, "text/event-stream")
	if err != nil {
		return nil, err
	}

	events := make(chan harness.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		c.stream(ctx, sessionID, resp.Body, events)
	}()
	return events, nil
}

// DeleteSession removes the session from the provider.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	resp, err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, accept string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s request: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, requestError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, requestError(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail))))
	}
	return resp, nil
}

// stream parses server-sent events until the turn ends, the body closes, or
// ctx is cancelled.
func (c *Client) stream(ctx context.Context, sessionID string, body io.Reader, out chan<- harness.Event) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			event, ok := c.decode(sessionID, name, data.String())
			name = ""
			data.Reset()
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.Type == harness.EventSessionIdle || event.Type == harness.EventSessionError {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("event stream read failed", "session", sessionID, "err", err)
	}
}

func (c *Client) decode(sessionID, name, data string) (harness.Event, bool) {
	if !gjson.Valid(data) {
		c.logger.Warn("ignoring malformed event", "session", sessionID, "event", name)
		return harness.Event{}, false
	}
	payload := gjson.Parse(data)

	eventType := harness.EventType(payload.Get("type").String())
	if eventType == "" {
		eventType = harness.EventType(name)
	}
	event := harness.Event{
		Type:      eventType,
		SessionID: sessionID,
		MessageID: payload.Get("message_id").String(),
	}
	if id := payload.Get("session_id").String(); id != "" {
		event.SessionID = id
	}

	switch eventType {
	case harness.EventMessageDelta:
		event.Delta = payload.Get("delta").String()
	case harness.EventMessageComplete:
		event.Content = payload.Get("content").String()
	case harness.EventSessionError:
		errValue := payload.Get("error")
		sessionErr := &harness.SessionError{
			Name:    errValue.Get("name").String(),
			Message: errValue.Get("message").String(),
		}
		if errValue.Type == gjson.String {
			sessionErr.Message = errValue.String()
		}
		if strings.TrimSpace(sessionErr.Message) == "" {
			sessionErr.Message = "provider reported a session error"
		}
		event.Err = sessionErr
	case harness.EventSessionIdle:
	default:
		c.logger.Debug("ignoring event", "session", sessionID, "type", eventType)
		return harness.Event{}, false
	}
	return event, true
}

func requestError(err error) error {
	return &harness.ProviderError{Op: harness.OpRequest, Err: err}
}

var _ harness.Client = (*Client)(nil)
