// Package review is the persistent order registry: every ingested order
// lands here with its review status, human decisions walk the state machine,
// and approved orders are re-classified for dispatch.
package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/audit"
	"github.com/orderdesk/posgate/internal/dispatch"
	"github.com/orderdesk/posgate/pkg/models"
)

// Error codes surfaced to the HTTP layer.
var (
	ErrOrderNotFound         = errors.New("ORDER_NOT_FOUND")
	ErrInvalidPatchedOrderID = errors.New("INVALID_PATCHED_ORDER_ID")
	ErrInvalidDecision       = errors.New("INVALID_DECISION")
)

// NotifyFunc receives store mutations for the event stream.
type NotifyFunc func(eventType, orderID string)

// Store is a file-backed map order_id → ReviewRecord. The whole document is
// rewritten atomically on every mutation; per-order mutations are serialized
// by a lock keyed on order_id.
type Store struct {
	path  string
	audit *audit.Logger

	mu      sync.Mutex
	records map[string]models.ReviewRecord
	locks   map[string]*sync.Mutex

	notify NotifyFunc
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNotify registers a mutation listener.
func WithNotify(notify NotifyFunc) Option {
	return func(s *Store) { s.notify = notify }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads review_store.json when present. A corrupt document is
// logged and replaced by an empty store on the next flush.
func NewStore(path string, auditLog *audit.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create review dir: %w", err)
	}
	s := &Store{
		path:    path,
		audit:   auditLog,
		records: map[string]models.ReviewRecord{},
		locks:   map[string]*sync.Mutex{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read review store: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("review store corrupt, starting empty")
		s.records = map[string]models.ReviewRecord{}
	}
	return s, nil
}

func (s *Store) orderLock(orderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[orderID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[orderID] = lock
	}
	return lock
}

// flushLocked rewrites the document via temp-file + rename. Callers hold
// s.mu.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal review store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".review-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write review store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close review store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace review store: %w", err)
	}
	return nil
}

func (s *Store) emit(eventType, orderID string) {
	if s.notify != nil {
		s.notify(eventType, orderID)
	}
}

// Upsert inserts or replaces the record for the payload's order, preserving
// created_at across updates.
func (s *Store) Upsert(payload models.OrderPayload) (models.ReviewRecord, error) {
	if payload.Order.OrderID == nil || *payload.Order.OrderID == "" {
		return models.ReviewRecord{}, errors.New("order_id is required")
	}
	orderID := *payload.Order.OrderID
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	record := models.ReviewRecord{
		OrderID:      orderID,
		AuditTraceID: payload.AuditTraceID,
		OrderPayload: payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing, ok := s.records[orderID]; ok {
		record.CreatedAt = existing.CreatedAt
	}
	s.records[orderID] = record
	if err := s.flushLocked(); err != nil {
		return models.ReviewRecord{}, err
	}
	s.emit("review_upsert", orderID)
	return record, nil
}

// Get returns the record for an order.
func (s *Store) Get(orderID string) (models.ReviewRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[orderID]
	return record, ok
}

// Len reports the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Delete purges one record without an audit trail.
func (s *Store) Delete(orderID string) (bool, error) {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[orderID]; !ok {
		return false, nil
	}
	delete(s.records, orderID)
	if err := s.flushLocked(); err != nil {
		return false, err
	}
	s.emit("review_delete", orderID)
	return true, nil
}

// ListResult is one page of the queue, split by status family.
type ListResult struct {
	Items         []models.ReviewListItem `json:"items"`
	PendingReview []models.ReviewListItem `json:"pendingReview"`
	Tracking      []models.ReviewListItem `json:"tracking"`
	Total         int                     `json:"total"`
	NextCursor    *int                    `json:"next_cursor"`
}

// List pages all records by updated_at descending.
func (s *Store) List(page, pageSize int) ListResult {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	s.mu.Lock()
	all := make([]models.ReviewRecord, 0, len(s.records))
	for _, record := range s.records {
		all = append(all, record)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].OrderID < all[j].OrderID
	})

	result := ListResult{
		Items:         []models.ReviewListItem{},
		PendingReview: []models.ReviewListItem{},
		Tracking:      []models.ReviewListItem{},
		Total:         len(all),
	}
	start := (page - 1) * pageSize
	if start < len(all) {
		end := start + pageSize
		if end > len(all) {
			end = len(all)
		}
		for _, record := range all[start:end] {
			item := listItem(record)
			result.Items = append(result.Items, item)
			if models.TrackingStatuses[item.ReviewQueueStatus] {
				result.Tracking = append(result.Tracking, item)
			} else {
				result.PendingReview = append(result.PendingReview, item)
			}
		}
		if end < len(all) {
			next := page + 1
			result.NextCursor = &next
		}
	}
	return result
}

func listItem(record models.ReviewRecord) models.ReviewListItem {
	summary := record.OrderPayload.ReviewSummary
	return models.ReviewListItem{
		OrderID:               record.OrderID,
		AuditTraceID:          record.AuditTraceID,
		ReviewQueueStatus:     record.OrderPayload.ReviewQueueStatus,
		OverallNeedsReview:    summary.OverallNeedsReview,
		NeedsReviewItemCount:  len(summary.NeedsReviewItemLineIndices),
		NeedsReviewGroupCount: len(summary.NeedsReviewGroupIDs),
		CreatedAt:             record.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:             record.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Metadata:              record.OrderPayload.Metadata,
		Version:               models.ContractVersion,
	}
}

// QueueSummary counts records per queue side.
type QueueSummary struct {
	Total         int `json:"total"`
	PendingReview int `json:"pending_review"`
	Tracking      int `json:"tracking"`
}

// Summary counts all records without paging.
func (s *Store) Summary() QueueSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := QueueSummary{Total: len(s.records)}
	for _, record := range s.records {
		if models.TrackingStatuses[record.OrderPayload.ReviewQueueStatus] {
			summary.Tracking++
		} else {
			summary.PendingReview++
		}
	}
	return summary
}

// DetailItem pairs a full order payload with the line indices a reviewer
// should look at first.
type DetailItem struct {
	OrderID                  string              `json:"order_id"`
	AuditTraceID             string              `json:"audit_trace_id"`
	ReviewQueueStatus        string              `json:"review_queue_status"`
	OrderPayload             models.OrderPayload `json:"order_payload"`
	LowConfidenceLineIndices []int               `json:"low_confidence_line_indices"`
	UpdatedAt                string              `json:"updated_at"`
}

// DetailsResult is the paged detail listing.
type DetailsResult struct {
	Items      []DetailItem `json:"items"`
	Total      int          `json:"total"`
	NextCursor *int         `json:"next_cursor"`
}

const lowConfidenceThreshold = 0.85

// ListDetails pages full payloads by updated_at descending, flagging lines
// whose item confidence is below threshold or that are marked for review.
func (s *Store) ListDetails(page, pageSize int) DetailsResult {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	s.mu.Lock()
	all := make([]models.ReviewRecord, 0, len(s.records))
	for _, record := range s.records {
		all = append(all, record)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].OrderID < all[j].OrderID
	})

	result := DetailsResult{Items: []DetailItem{}, Total: len(all)}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return result
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	for _, record := range all[start:end] {
		result.Items = append(result.Items, DetailItem{
			OrderID:                  record.OrderID,
			AuditTraceID:             record.AuditTraceID,
			ReviewQueueStatus:        record.OrderPayload.ReviewQueueStatus,
			OrderPayload:             record.OrderPayload,
			LowConfidenceLineIndices: lowConfidenceLines(record.OrderPayload.Order),
			UpdatedAt:                record.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	if end < len(all) {
		next := page + 1
		result.NextCursor = &next
	}
	return result
}

func lowConfidenceLines(order models.NormalizedOrder) []int {
	indices := []int{}
	for _, item := range order.Items {
		low := item.NeedsReview || item.ConfidenceItem == nil ||
			*item.ConfidenceItem < lowConfidenceThreshold
		if low {
			indices = append(indices, item.LineIndex)
		}
	}
	return indices
}

// ApplyDecision walks the review state machine: reject → rejected,
// request_changes → in_review, approve → dispatch_ready or in_review per the
// classifier verdict on the (possibly patched) order.
func (s *Store) ApplyDecision(req *models.ReviewRequest) (*models.ReviewResponse, error) {
	if !models.ReviewDecisions[req.Decision] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}

	lock := s.orderLock(req.OrderID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	record, ok := s.records[req.OrderID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}

	payload := record.OrderPayload
	if req.PatchedOrder != nil {
		patched := *req.PatchedOrder
		if patched.OrderID != nil && *patched.OrderID != req.OrderID {
			return nil, fmt.Errorf("%w: patched order carries %q", ErrInvalidPatchedOrderID, *patched.OrderID)
		}
		patched.OrderID = models.Ptr(req.OrderID)
		before := payload.Order
		payload.Order = patched
		payload.ReviewSummary = models.BuildReviewSummary(&payload.Order)
		s.writeAudit(&audit.EventRecord{
			OrderID:   req.OrderID,
			EventType: "manual_correction",
			HumanCorrection: map[string]any{
				"operator": req.ReviewerID,
				"before":   before,
				"after":    patched,
				"note":     req.Note,
			},
			Metadata: models.Metadata{"decision": req.Decision},
		})
	}

	var status string
	var decision *models.DispatchDecision
	switch req.Decision {
	case models.DecisionReject:
		status = models.StatusRejected
	case models.DecisionRequestChanges:
		status = models.StatusInReview
	case models.DecisionApprove:
		// Re-classification must see the order as it stands now, not the
		// merge-time verdict still sitting in metadata.
		reclassified := payload.Order
		if len(reclassified.Metadata) > 0 {
			trimmed := make(models.Metadata, len(reclassified.Metadata))
			for key, value := range reclassified.Metadata {
				if key != "dispatch_decision" {
					trimmed[key] = value
				}
			}
			reclassified.Metadata = trimmed
		}
		verdict := dispatch.Classify(&reclassified)
		decision = &verdict
		if verdict.Route == models.RouteAutoDispatch {
			status = models.StatusDispatchReady
		} else {
			status = models.StatusInReview
		}
	}

	payload.ReviewQueueStatus = status
	if payload.Metadata == nil {
		payload.Metadata = models.Metadata{}
	}
	lastReview := models.Metadata{
		"decision":    req.Decision,
		"reviewer_id": req.ReviewerID,
		"decided_at":  s.now().UTC().Format(time.RFC3339Nano),
	}
	if req.Note != nil {
		lastReview["note"] = *req.Note
	}
	if decision != nil {
		lastReview["dispatch_decision"] = decision
	}
	payload.Metadata["last_review"] = lastReview

	now := s.now().UTC()
	record.OrderPayload = payload
	record.UpdatedAt = now
	s.mu.Lock()
	s.records[req.OrderID] = record
	err := s.flushLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	auditMeta := models.Metadata{
		"decision":    req.Decision,
		"reviewer_id": req.ReviewerID,
		"status":      status,
		"patched":     req.PatchedOrder != nil,
	}
	s.writeAudit(&audit.EventRecord{
		OrderID:     req.OrderID,
		EventType:   "review_decision",
		FinalOutput: payload.Order,
		Metadata:    auditMeta,
		NeedsReview: payload.Order.OverallNeedsReview,
	})
	s.emit("review_decision", req.OrderID)

	return &models.ReviewResponse{
		OrderPayload:      record.OrderPayload,
		Decision:          req.Decision,
		ReviewQueueStatus: status,
		AuditTraceID:      record.AuditTraceID,
		APIVersion:        models.APIContractVersion,
		Metadata:          models.Metadata{"order_id": req.OrderID},
		Version:           models.ContractVersion,
		Status:            "ok",
	}, nil
}

func (s *Store) writeAudit(event *audit.EventRecord) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Write(event); err != nil {
		log.Error().Err(err).Str("order_id", event.OrderID).
			Str("event_type", event.EventType).Msg("audit write failed")
	}
}

// Snapshot copies every record the predicate matches, oldest update first.
// A nil predicate matches everything.
func (s *Store) Snapshot(predicate func(models.ReviewRecord) bool) []models.ReviewRecord {
	s.mu.Lock()
	matched := make([]models.ReviewRecord, 0, len(s.records))
	for _, record := range s.records {
		if predicate == nil || predicate(record) {
			matched = append(matched, record)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].OrderID < matched[j].OrderID
	})
	return matched
}

// Clear removes every record the predicate matches.
func (s *Store) Clear(predicate func(models.ReviewRecord) bool) (deleted, remaining int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for orderID, record := range s.records {
		if predicate(record) {
			delete(s.records, orderID)
			deleted++
		}
	}
	remaining = len(s.records)
	if deleted > 0 {
		if err = s.flushLocked(); err != nil {
			return deleted, remaining, err
		}
		s.emit("review_clear", "")
	}
	return deleted, remaining, nil
}

var testDataMarkers = []string{"test", "smoke", "fixture", "demo"}

// IsTestData sniffs metadata and source text for test-run markers. Lossy by
// intent; this backs operator cleanup, not a contract.
func IsTestData(record models.ReviewRecord) bool {
	var fields []string
	fields = append(fields, record.OrderID, record.AuditTraceID)
	payload := record.OrderPayload
	if source, ok := payload.Metadata["source"].(string); ok {
		fields = append(fields, source)
	}
	if source, ok := payload.Order.Metadata["source"].(string); ok {
		fields = append(fields, source)
	}
	if scenario, ok := payload.Metadata["scenario"].(string); ok {
		fields = append(fields, scenario)
	}
	for _, field := range fields {
		lowered := strings.ToLower(field)
		for _, marker := range testDataMarkers {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
	}
	return false
}
