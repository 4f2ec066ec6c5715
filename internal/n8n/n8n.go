// Package n8n posts conversation events to the workflow engine's webhook.
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout    = 15 * time.Second
	maxErrorBodyBytes = 4 << 10

	// LocalTimeLayout renders timestamps the way operators read them.
	LocalTimeLayout = "02/01/2006, 15:04:05"
)

// ErrNotConfigured is returned when no webhook URL is set.
var ErrNotConfigured = errors.New("n8n: webhook url not configured")

// EventType names the event sent to the workflow engine.
type EventType string

const (
	// EventNewLead starts a flow for a phone with no live conversation.
	EventNewLead EventType = "new_lead"
	// EventLeadResponse resumes a waiting flow with the lead's reply.
	EventLeadResponse EventType = "lead_response"
)

// Event is the JSON body posted to the webhook. New leads carry
// FirstMessage and Step; responses carry ResponseMessage and CurrentStep.
type Event struct {
	EventType       EventType `json:"event_type"`
	PhoneNumber     string    `json:"phone_number"`
	Instance        string    `json:"instance"`
	FirstMessage    string    `json:"first_message,omitempty"`
	ResponseMessage string    `json:"response_message,omitempty"`
	ConversationID  string    `json:"conversation_id"`
	Step            string    `json:"step,omitempty"`
	CurrentStep     string    `json:"current_step,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	LocalTime       string    `json:"local_time"`
}

// NewLead builds a new_lead event.
func NewLead(phone, instance, conversationID, step, message string, at time.Time, loc *time.Location) Event {
	return Event{
		EventType:      EventNewLead,
		PhoneNumber:    phone,
		Instance:       instance,
		FirstMessage:   message,
		ConversationID: conversationID,
		Step:           step,
		Timestamp:      at.UTC(),
		LocalTime:      FormatLocal(at, loc),
	}
}

// LeadResponse builds a lead_response event.
func LeadResponse(phone, instance, conversationID, currentStep, message string, at time.Time, loc *time.Location) Event {
	return Event{
		EventType:       EventLeadResponse,
		PhoneNumber:     phone,
		Instance:        instance,
		ResponseMessage: message,
		ConversationID:  conversationID,
		CurrentStep:     currentStep,
		Timestamp:       at.UTC(),
		LocalTime:       FormatLocal(at, loc),
	}
}

// FormatLocal renders t in loc, or UTC when loc is nil.
func FormatLocal(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(LocalTimeLayout)
}

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

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// Client posts events to one webhook URL. Calls are not retried.
type Client struct {
	url       string
	http      *http.Client
	userAgent string
}

// New returns a Client for url. timeout <= 0 uses 15s.
func New(url string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		url:       strings.TrimSpace(url),
		http:      &http.Client{Timeout: timeout},
		userAgent: "flowgate",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// URL returns the configured webhook URL.
func (c *Client) URL() string { return c.url }

// Send posts ev. Any non-2xx response is an error.
func (c *Client) Send(ctx context.Context, ev Event) error {
	if c.url == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("n8n: marshal %s: %w", ev.EventType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("n8n: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("n8n: post %s: %w", ev.EventType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("n8n: post %s: status=%d body=%q", ev.EventType, resp.StatusCode, string(snippet))
}
