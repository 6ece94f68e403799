package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orderdesk/posgate/pkg/models"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	logger, err := NewLogger(filepath.Join(t.TempDir(), "audit.log.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	return logger
}

func TestWriteRequiresOrderIDAndType(t *testing.T) {
	logger := newTestLogger(t)
	if _, err := logger.Write(&EventRecord{EventType: "ingest_pipeline"}); err == nil {
		t.Error("missing order_id should be rejected")
	}
	if _, err := logger.Write(&EventRecord{OrderID: "o-1"}); err == nil {
		t.Error("missing event_type should be rejected")
	}
}

func TestWriteAndListRoundTrip(t *testing.T) {
	logger := newTestLogger(t)

	for _, eventType := range []string{"ingest_pipeline", "dispatch_decision", "ingest_pipeline"} {
		if _, err := logger.Write(&EventRecord{OrderID: "o-1", EventType: eventType}); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if _, err := logger.Write(&EventRecord{OrderID: "o-2", EventType: "ingest_pipeline"}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	events, err := logger.ListEvents("o-1")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("ListEvents(o-1) = %d events, want 3", len(events))
	}
	if events[0].Timestamp == "" {
		t.Error("timestamp should be defaulted on write")
	}

	byType, err := logger.ListByType("dispatch_decision")
	if err != nil {
		t.Fatalf("ListByType() error: %v", err)
	}
	if len(byType) != 1 || byType[0].OrderID != "o-1" {
		t.Errorf("ListByType = %+v", byType)
	}
}

func TestMaskValue(t *testing.T) {
	masked := MaskValue(map[string]any{
		"api_key":      "sk-abc",
		"my_token_ref": "t-123",
		"SecretThing":  "x",
		"note":         "extra spicy",
		"contact":      "ops@example.com",
		"card":         "abcd1234efgh5678",
		"nested":       map[string]any{"password": "p"},
		"list":         []any{"user@host.io", "plain"},
	}).(map[string]any)

	for _, key := range []string{"api_key", "my_token_ref", "SecretThing", "contact", "card"} {
		if masked[key] != "***" {
			t.Errorf("%s = %v, want ***", key, masked[key])
		}
	}
	if masked["note"] != "extra spicy" {
		t.Errorf("note should pass through, got %v", masked["note"])
	}
	if masked["nested"].(map[string]any)["password"] != "***" {
		t.Error("nested password should be masked")
	}
	list := masked["list"].([]any)
	if list[0] != "***" || list[1] != "plain" {
		t.Errorf("list masking wrong: %v", list)
	}
}

func TestWriteMasksLLMFieldsOnly(t *testing.T) {
	logger := newTestLogger(t)
	written, err := logger.Write(&EventRecord{
		OrderID:   "o-1",
		EventType: "ingest_pipeline",
		LLMRequest: map[string]any{
			"authorization": "Bearer abc",
			"prompt":        "牛肉麵 x2",
		},
		Metadata: models.Metadata{"api_key_hint": "not an llm field"},
	})
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	request := written.LLMRequest.(map[string]any)
	if request["authorization"] != "***" {
		t.Errorf("authorization = %v, want ***", request["authorization"])
	}
	if request["prompt"] != "牛肉麵 x2" {
		t.Errorf("prompt should pass through, got %v", request["prompt"])
	}
	if written.Metadata["api_key_hint"] != "not an llm field" {
		t.Error("metadata must not be masked")
	}
}

func TestGetOrderTraceLatestWins(t *testing.T) {
	logger := newTestLogger(t)
	raw := "第一版"
	mustWrite(t, logger, &EventRecord{
		OrderID: "o-1", EventType: "ingest_pipeline",
		RawText:     &raw,
		ParseResult: map[string]any{"rev": float64(1)},
	})
	mustWrite(t, logger, &EventRecord{
		OrderID: "o-1", EventType: "ingest_pipeline",
		ParseResult: map[string]any{"rev": float64(2)},
		HumanCorrection: map[string]any{
			"before": map[string]any{}, "after": map[string]any{}, "operator": "alice",
		},
	})

	trace, err := logger.GetOrderTrace("o-1")
	if err != nil {
		t.Fatalf("GetOrderTrace() error: %v", err)
	}
	if trace.RawText == nil || *trace.RawText != "第一版" {
		t.Error("raw_text should come from the first event")
	}
	if trace.ParseResult.(map[string]any)["rev"] != float64(2) {
		t.Error("latest parse_result should win")
	}
	if len(trace.ManualCorrections) != 1 {
		t.Fatalf("manual_corrections = %d, want 1", len(trace.ManualCorrections))
	}
	if trace.ManualCorrections[0]["operator"] != "alice" {
		t.Errorf("operator = %v", trace.ManualCorrections[0]["operator"])
	}
	if len(trace.Events) != 2 {
		t.Errorf("events = %d, want 2", len(trace.Events))
	}
}

func TestReviewQueueUnresolvedIndex(t *testing.T) {
	logger := newTestLogger(t)

	// o-1: needs review, then fixed by a manual correction with an "after".
	mustWrite(t, logger, &EventRecord{OrderID: "o-1", EventType: "ingest_pipeline", NeedsReview: true})
	mustWrite(t, logger, &EventRecord{
		OrderID: "o-1", EventType: "manual_correction",
		HumanCorrection: map[string]any{"after": map[string]any{"fixed": true}},
	})

	// o-2: fallback reason alone flags review.
	mustWrite(t, logger, &EventRecord{
		OrderID: "o-2", EventType: "ingest_pipeline",
		FallbackReason: models.Ptr("llm_timeout"),
	})

	// o-3: clean.
	mustWrite(t, logger, &EventRecord{OrderID: "o-3", EventType: "ingest_pipeline"})

	queue, err := logger.ListReviewQueue(100, true)
	if err != nil {
		t.Fatalf("ListReviewQueue() error: %v", err)
	}
	if len(queue) != 1 || queue[0].OrderID != "o-2" {
		t.Fatalf("unresolved queue = %+v, want only o-2", queue)
	}
	if queue[0].PendingCount != 1 {
		t.Errorf("pending_count = %d, want 1", queue[0].PendingCount)
	}

	// New needs-review activity after the fix re-surfaces the order.
	mustWrite(t, logger, &EventRecord{OrderID: "o-1", EventType: "ingest_pipeline", NeedsReview: true})
	queue, err = logger.ListReviewQueue(100, true)
	if err != nil {
		t.Fatalf("ListReviewQueue() error: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("queue = %d entries, want 2", len(queue))
	}

	all, err := logger.ListReviewQueue(100, false)
	if err != nil {
		t.Fatalf("ListReviewQueue() error: %v", err)
	}
	for _, entry := range all {
		if entry.OrderID == "o-1" && !entry.HasManualCorrection {
			t.Error("o-1 should report its manual correction")
		}
	}
}

func TestReadAllSkipsTornLines(t *testing.T) {
	logger := newTestLogger(t)
	mustWrite(t, logger, &EventRecord{OrderID: "o-1", EventType: "ingest_pipeline"})

	handle, err := os.OpenFile(logger.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := handle.WriteString(`{"order_id":"o-2","event`); err != nil {
		t.Fatalf("write: %v", err)
	}
	handle.Close()

	events, err := logger.ListEvents("o-1")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (torn line skipped)", len(events))
	}
}

func mustWrite(t *testing.T, logger *Logger, event *EventRecord) {
	t.Helper()
	if _, err := logger.Write(event); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
}
