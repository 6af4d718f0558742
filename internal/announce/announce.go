// Package announce posts a webhook notification for each detected
// message, for wiring the listener into chat bridges and the like.
package announce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aaronromeo/idlewatch/internal/listener"
	"github.com/pkg/errors"
)

const announcePath = "/announcements"

// Announcer implements listener.Handler by POSTing a JSON announcement
// per message to the configured webhook.
type Announcer struct {
	baseURL string
	client  *http.Client
}

// Option configures an Announcer.
type Option func(*Announcer)

// WithWebhookURL sets the webhook base URL. An empty URL makes the
// announcer a no-op.
func WithWebhookURL(webhookURL string) Option {
	return func(a *Announcer) {
		a.baseURL = strings.TrimSpace(webhookURL)
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Announcer) {
		a.client = client
	}
}

// New builds an Announcer.
func New(opts ...Option) *Announcer {
	a := &Announcer{
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type announcement struct {
	Message string `json:"message"`
	Seq     uint32 `json:"seq"`
	From    string `json:"from,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// HandleMessage posts one announcement. Failures surface as handler
// errors and are isolated by the dispatcher.
func (a *Announcer) HandleMessage(ctx context.Context, msg *listener.Message, _ *listener.Handle) error {
	if a.baseURL == "" {
		return nil
	}

	body := announcement{
		Message: fmt.Sprintf("New message %d from %q: %q", msg.SeqNum, msg.From, msg.Subject),
		Seq:     msg.SeqNum,
		From:    msg.From,
		Subject: msg.Subject,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := strings.TrimRight(a.baseURL, "/") + announcePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("announcement webhook returned status %s", resp.Status)
	}
	return nil
}
