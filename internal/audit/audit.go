// Package audit persists pipeline decision events as append-only JSONL and
// answers trace/queue queries over that log. LLM request/response fields are
// masked before hitting disk so prompts and replies never leak credentials
// or contact data.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/orderdesk/posgate/pkg/models"
)

const maskText = "***"

// sensitiveKeys are masked wherever they appear in llm_request/llm_response,
// case-insensitively. Keys containing "token" or "secret" are also masked.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"cookie":        true,
	"phone":         true,
	"mobile":        true,
	"email":         true,
}

// EventRecord is one persisted audit log entry. The payload slots carry
// arbitrary JSON from the stage that emitted the event.
type EventRecord struct {
	OrderID         string          `json:"order_id"`
	EventType       string          `json:"event_type"`
	Timestamp       string          `json:"timestamp"`
	RawText         *string         `json:"raw_text"`
	ParseResult     any             `json:"parse_result"`
	Candidates      any             `json:"candidates"`
	LLMRequest      any             `json:"llm_request"`
	LLMResponse     any             `json:"llm_response"`
	FallbackReason  *string         `json:"fallback_reason"`
	MergeResult     any             `json:"merge_result"`
	FinalOutput     any             `json:"final_output"`
	HumanCorrection map[string]any  `json:"human_correction"`
	Metadata        models.Metadata `json:"metadata"`
	NeedsReview     bool            `json:"needs_review"`
}

// OrderTrace is the consolidated view of everything the log knows about one
// order: last non-empty value per slot, in event order.
type OrderTrace struct {
	OrderID           string           `json:"order_id"`
	RawText           *string          `json:"raw_text"`
	ParseResult       any              `json:"parse_result"`
	Candidates        any              `json:"candidates"`
	LLMRequest        any              `json:"llm_request"`
	LLMResponse       any              `json:"llm_response"`
	FallbackReason    *string          `json:"fallback_reason"`
	MergeResult       any              `json:"merge_result"`
	FinalOutput       any              `json:"final_output"`
	ManualCorrections []map[string]any `json:"manual_corrections"`
	Events            []EventRecord    `json:"events"`
}

// QueueEntry is one order with unresolved needs-review events.
type QueueEntry struct {
	OrderID                string         `json:"order_id"`
	LatestEventType        string         `json:"latest_event_type"`
	LatestTimestamp        string         `json:"latest_timestamp"`
	PendingEventTypes      []string       `json:"pending_event_types"`
	PendingCount           int            `json:"pending_count"`
	HasManualCorrection    bool           `json:"has_manual_correction"`
	LatestManualCorrection map[string]any `json:"latest_manual_correction"`
	RawPreview             *string        `json:"raw_preview"`
}

// Logger appends to and reads back one JSONL file. Writes are serialized
// in-process; the file itself is the source of truth, nothing is cached.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates the parent directory if needed.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Logger{path: path}, nil
}

func (l *Logger) Path() string { return l.path }

// Write validates, defaults, masks, and appends the event. The persisted
// (masked) form is returned.
func (l *Logger) Write(event *EventRecord) (*EventRecord, error) {
	if event == nil {
		return nil, fmt.Errorf("audit event is required")
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return nil, fmt.Errorf("audit event missing required field: order_id")
	}
	if strings.TrimSpace(event.EventType) == "" {
		return nil, fmt.Errorf("audit event missing required field: event_type")
	}

	out := *event
	if out.Timestamp == "" {
		out.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if out.Metadata == nil {
		out.Metadata = models.Metadata{}
	}
	out.HumanCorrection = normalizeCorrection(out.HumanCorrection)
	out.LLMRequest = MaskValue(toJSONValue(out.LLMRequest))
	out.LLMResponse = MaskValue(toJSONValue(out.LLMResponse))

	line, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	handle, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer handle.Close()
	if _, err := handle.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	return &out, nil
}

// ListEvents returns all events for one order, in append order.
func (l *Logger) ListEvents(orderID string) ([]EventRecord, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []EventRecord
	for _, event := range all {
		if event.OrderID == orderID {
			out = append(out, event)
		}
	}
	return out, nil
}

// ListByType returns all events of one type, in append order.
func (l *Logger) ListByType(eventType string) ([]EventRecord, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []EventRecord
	for _, event := range all {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out, nil
}

// GetOrderTrace folds the order's events into one consolidated trace.
// Later events win for every slot.
func (l *Logger) GetOrderTrace(orderID string) (*OrderTrace, error) {
	events, err := l.ListEvents(orderID)
	if err != nil {
		return nil, err
	}
	trace := &OrderTrace{
		OrderID:           orderID,
		ManualCorrections: []map[string]any{},
		Events:            events,
	}
	if trace.Events == nil {
		trace.Events = []EventRecord{}
	}
	for _, event := range events {
		if event.RawText != nil && strings.TrimSpace(*event.RawText) != "" {
			trace.RawText = event.RawText
		}
		if event.ParseResult != nil {
			trace.ParseResult = event.ParseResult
		}
		if event.Candidates != nil {
			trace.Candidates = event.Candidates
		}
		if event.LLMRequest != nil {
			trace.LLMRequest = event.LLMRequest
		}
		if event.LLMResponse != nil {
			trace.LLMResponse = event.LLMResponse
		}
		if event.MergeResult != nil {
			trace.MergeResult = event.MergeResult
		}
		if event.FinalOutput != nil {
			trace.FinalOutput = event.FinalOutput
		}
		if event.FallbackReason != nil && strings.TrimSpace(*event.FallbackReason) != "" {
			trace.FallbackReason = event.FallbackReason
		}
		if event.HumanCorrection != nil {
			trace.ManualCorrections = append(trace.ManualCorrections, event.HumanCorrection)
		}
	}
	return trace, nil
}

// ListReviewQueue indexes orders with needs-review events. With
// unresolvedOnly, events at or before the last manual correction that
// carries an "after" payload are considered resolved and skipped.
func (l *Logger) ListReviewQueue(limit int, unresolvedOnly bool) ([]QueueEntry, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}

	byOrder := map[string][]EventRecord{}
	var orderIDs []string
	for _, event := range all {
		if event.OrderID == "" {
			continue
		}
		if _, seen := byOrder[event.OrderID]; !seen {
			orderIDs = append(orderIDs, event.OrderID)
		}
		byOrder[event.OrderID] = append(byOrder[event.OrderID], event)
	}

	queue := []QueueEntry{}
	for _, orderID := range orderIDs {
		events := byOrder[orderID]

		lastFix := -1
		for i, event := range events {
			if event.EventType != "manual_correction" {
				continue
			}
			if event.HumanCorrection != nil && event.HumanCorrection["after"] != nil {
				lastFix = i
			}
		}

		var pending []EventRecord
		for i, event := range events {
			if !eventNeedsReview(&event) {
				continue
			}
			if unresolvedOnly && i <= lastFix {
				continue
			}
			pending = append(pending, event)
		}
		if len(pending) == 0 {
			continue
		}

		latest := events[len(events)-1]
		entry := QueueEntry{
			OrderID:             orderID,
			LatestEventType:     latest.EventType,
			LatestTimestamp:     latest.Timestamp,
			PendingEventTypes:   dedupeTypes(pending),
			PendingCount:        len(pending),
			HasManualCorrection: lastFix >= 0,
		}
		if lastFix >= 0 {
			entry.LatestManualCorrection = events[lastFix].HumanCorrection
		}
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].RawText != nil && strings.TrimSpace(*events[i].RawText) != "" {
				entry.RawPreview = events[i].RawText
				break
			}
		}
		queue = append(queue, entry)
	}

	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].LatestTimestamp > queue[j].LatestTimestamp
	})
	if limit < 0 {
		limit = 0
	}
	if len(queue) > limit {
		queue = queue[:limit]
	}
	return queue, nil
}

func eventNeedsReview(event *EventRecord) bool {
	if event.NeedsReview {
		return true
	}
	if flag, ok := event.Metadata["needs_review"].(bool); ok && flag {
		return true
	}
	if event.FallbackReason != nil && strings.TrimSpace(*event.FallbackReason) != "" {
		return true
	}
	for _, payload := range []any{event.MergeResult, event.FinalOutput} {
		obj, ok := payload.(map[string]any)
		if !ok {
			continue
		}
		if flag, ok := obj["overall_needs_review"].(bool); ok && flag {
			return true
		}
		if flag, ok := obj["needs_review"].(bool); ok && flag {
			return true
		}
	}
	return false
}

func dedupeTypes(events []EventRecord) []string {
	seen := map[string]bool{}
	var out []string
	for _, event := range events {
		if event.EventType == "" || seen[event.EventType] {
			continue
		}
		seen[event.EventType] = true
		out = append(out, event.EventType)
	}
	return out
}

func normalizeCorrection(correction map[string]any) map[string]any {
	if correction == nil {
		return nil
	}
	out := make(map[string]any, len(correction)+2)
	for key, value := range correction {
		out[key] = value
	}
	operator, _ := out["operator"].(string)
	if strings.TrimSpace(operator) == "" {
		out["operator"] = "unknown"
	} else {
		out["operator"] = strings.TrimSpace(operator)
	}
	timestamp, _ := out["timestamp"].(string)
	if strings.TrimSpace(timestamp) == "" {
		out["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return out
}

// MaskValue recursively replaces sensitive content with "***": values under
// sensitive keys, email-like strings, and long mixed alphanumeric strings
// that look like keys or card numbers.
func MaskValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		masked := make(map[string]any, len(v))
		for key, inner := range v {
			lower := strings.ToLower(key)
			if sensitiveKeys[lower] || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
				masked[key] = maskText
			} else {
				masked[key] = MaskValue(inner)
			}
		}
		return masked
	case []any:
		masked := make([]any, len(v))
		for i, inner := range v {
			masked[i] = MaskValue(inner)
		}
		return masked
	case string:
		if strings.Contains(v, "@") && strings.Contains(v, ".") {
			return maskText
		}
		if len([]rune(v)) >= 16 && hasDigit(v) && hasLetter(v) {
			return maskText
		}
		return v
	default:
		return value
	}
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// toJSONValue round-trips arbitrary Go values through encoding/json so the
// masker sees plain maps/slices/strings regardless of the caller's types.
func toJSONValue(value any) any {
	if value == nil {
		return nil
	}
	switch value.(type) {
	case map[string]any, []any, string, float64, bool:
		return value
	}
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}

func (l *Logger) readAll() ([]EventRecord, error) {
	handle, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer handle.Close()

	var events []EventRecord
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var event EventRecord
		// Torn or foreign lines are skipped, not fatal.
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return events, nil
}
