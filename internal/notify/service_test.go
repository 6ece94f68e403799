package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/orderdesk/posgate/internal/events"
	"github.com/orderdesk/posgate/pkg/models"
)

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	headers   []http.Header
	responses []int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		status := http.StatusOK
		if len(c.responses) > 0 {
			status = c.responses[0]
			c.responses = c.responses[1:]
		}
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestSendSignsPayload(t *testing.T) {
	c := &capture{}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	notifier := New(server.URL, "hook-secret", nil, WithBackoff(0))
	event := events.Event{ID: 7, Type: "order_ingested", OrderID: "ord-1"}
	if err := notifier.Send(context.Background(), event); err != nil {
		t.Fatalf("Send: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) != 1 {
		t.Fatalf("deliveries = %d", len(c.bodies))
	}
	if got := c.headers[0].Get("X-Posgate-Event"); got != "order_ingested" {
		t.Errorf("event header = %q", got)
	}
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(c.bodies[0])
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := c.headers[0].Get("X-Posgate-Signature"); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	c := &capture{responses: []int{http.StatusBadGateway, http.StatusOK}}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	notifier := New(server.URL, "", nil, WithBackoff(time.Millisecond))
	if err := notifier.Send(context.Background(), events.Event{ID: 1, Type: "review_upsert"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c.count() != 2 {
		t.Errorf("attempts = %d, want 2", c.count())
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	c := &capture{responses: []int{http.StatusUnprocessableEntity}}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	notifier := New(server.URL, "", nil, WithBackoff(time.Millisecond))
	err := notifier.Send(context.Background(), events.Event{ID: 1, Type: "review_upsert"})
	if err == nil {
		t.Fatal("expected error on 422")
	}
	if c.count() != 1 {
		t.Errorf("attempts = %d, want 1", c.count())
	}
}

func TestRunForwardsMatchingEvents(t *testing.T) {
	c := &capture{}
	server := httptest.NewServer(c.handler())
	defer server.Close()

	hub := events.NewHub()
	notifier := New(server.URL, "", []string{"order_ingested"}, WithBackoff(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		notifier.Run(ctx, hub)
		close(done)
	}()

	// Give the subscriber time to register before publishing.
	time.Sleep(20 * time.Millisecond)
	hub.Publish("order_ingested", "ord-1", models.Metadata{"status": "pending_review"})
	hub.Publish("review_delete", "ord-2", nil)

	deadline := time.Now().Add(2 * time.Second)
	for c.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if c.count() != 1 {
		t.Fatalf("deliveries = %d, want only the subscribed type", c.count())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if got := c.headers[0].Get("X-Posgate-Event"); got != "order_ingested" {
		t.Errorf("forwarded event = %q", got)
	}
}
