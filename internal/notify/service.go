// Package notify forwards order events to an external webhook.
//
// The notifier subscribes to the event hub and POSTs each matching event as
// JSON. Payloads are optionally signed with HMAC-SHA256 so receivers can
// verify origin. Delivery is best-effort with bounded retries; a dead
// webhook never blocks the ingest path.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/events"
)

const (
	defaultTimeout = 15 * time.Second
	maxAttempts    = 3
)

// Notifier delivers hub events to one webhook endpoint.
type Notifier struct {
	url     string
	secret  string
	types   map[string]bool
	client  *http.Client
	backoff time.Duration
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) { n.client = client }
}

// WithBackoff overrides the base retry delay.
func WithBackoff(backoff time.Duration) Option {
	return func(n *Notifier) { n.backoff = backoff }
}

// New builds a notifier for the given webhook URL. An empty eventTypes list
// subscribes to every event type.
func New(url, secret string, eventTypes []string, opts ...Option) *Notifier {
	n := &Notifier{
		url:     url,
		secret:  secret,
		types:   map[string]bool{},
		client:  &http.Client{Timeout: defaultTimeout},
		backoff: 2 * time.Second,
	}
	for _, eventType := range eventTypes {
		if eventType != "" {
			n.types[eventType] = true
		}
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// wants reports whether the notifier subscribes to the event type. "*"
// matches everything.
func (n *Notifier) wants(eventType string) bool {
	if len(n.types) == 0 || n.types["*"] {
		return true
	}
	return n.types[eventType]
}

// Run subscribes to the hub and forwards events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, hub *events.Hub) {
	subID, ch := hub.Subscribe()
	defer hub.Unsubscribe(subID)

	log.Info().Str("url", n.url).Msg("webhook notifier started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("webhook notifier stopped")
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if !n.wants(event.Type) {
				continue
			}
			if err := n.Send(ctx, event); err != nil {
				log.Warn().Err(err).
					Str("event_type", event.Type).
					Int64("event_id", event.ID).
					Msg("webhook delivery failed")
			}
		}
	}
}

// Send posts one event, retrying transient failures with linear backoff.
func (n *Notifier) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * n.backoff):
			}
		}
		// A fresh request per attempt: the body reader is consumed on send.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "posgate-webhook/1.0")
		req.Header.Set("X-Posgate-Event", event.Type)
		if n.secret != "" {
			mac := hmac.New(sha256.New, []byte(n.secret))
			mac.Write(body)
			req.Header.Set("X-Posgate-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, n.url)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The receiver rejected the payload; retrying won't change that.
			return lastErr
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}
