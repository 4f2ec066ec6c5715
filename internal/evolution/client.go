// Package evolution talks to the Evolution WhatsApp gateway: it sends text
// messages through an instance and parses the webhook envelopes it posts.
package evolution

import (
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
)

const (
	defaultTimeout    = 10 * time.Second
	maxErrorBodyBytes = 4 << 10
)

// ErrNotConfigured is returned when no gateway base URL is set.
var ErrNotConfigured = errors.New("evolution: base url not configured")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithAPIKey sends key instead of the instance id in the apikey header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// Client sends messages through the gateway. Calls are not retried.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client for baseURL. timeout <= 0 uses 10s.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BaseURL returns the configured gateway URL.
func (c *Client) BaseURL() string { return c.baseURL }

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText sends text to number through the instance with the given
// gateway id.
func (c *Client) SendText(ctx context.Context, instanceID, number, text string) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(sendTextRequest{Number: number, Text: text})
	if err != nil {
		return fmt.Errorf("evolution: marshal message: %w", err)
	}

	endpoint := c.baseURL + "/message/sendText/" + url.PathEscape(instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("evolution: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	key := c.apiKey
	if key == "" {
		key = instanceID
	}
	req.Header.Set("apikey", key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("evolution: send to %s via %s: %w", number, instanceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("evolution: send to %s via %s: status=%d body=%q", number, instanceID, resp.StatusCode, string(snippet))
}
