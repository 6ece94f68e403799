// Package models defines the wire-level contract records for the POS ingest
// gateway: raw parsed lines, candidate sets, normalized orders, review
// records, and the envelopes that carry them between the pipeline, the
// review queue, and downstream dispatch.
package models

import "time"

// ContractVersion tags every contract record produced by the pipeline.
const ContractVersion = "1.0.0"

// APIContractVersion is the advertised HTTP contract version. Requests must
// carry an exactly matching api_version string.
const APIContractVersion = "1.1.0"

// Metadata holds arbitrary JSON. Values are restricted to what encoding/json
// round-trips: nil, bool, float64, string, []any, map[string]any.
type Metadata = map[string]any

// Ptr returns a pointer to v. Contract fields that are nullable on the wire
// are modeled as pointers.
func Ptr[T any](v T) *T { return &v }

// ── Closed enum sets ─────────────────────────────────────────

const (
	GroupPackTogether = "pack_together"
	GroupSeparate     = "separate"
	GroupOther        = "other"
)

// GroupTypes is the closed set of cross-line grouping kinds.
var GroupTypes = map[string]bool{
	GroupPackTogether: true,
	GroupSeparate:     true,
	GroupOther:        true,
}

const (
	StatusPendingReview  = "pending_review"
	StatusInReview       = "in_review"
	StatusApproved       = "approved"
	StatusRejected       = "rejected"
	StatusDispatchReady  = "dispatch_ready"
	StatusDispatched     = "dispatched"
	StatusDispatchFailed = "dispatch_failed"
)

// ReviewQueueStatuses is the closed set of review queue states.
var ReviewQueueStatuses = map[string]bool{
	StatusPendingReview:  true,
	StatusInReview:       true,
	StatusApproved:       true,
	StatusRejected:       true,
	StatusDispatchReady:  true,
	StatusDispatched:     true,
	StatusDispatchFailed: true,
}

// TrackingStatuses are terminal-ish states listed separately from the
// pending-review bucket.
var TrackingStatuses = map[string]bool{
	StatusApproved:       true,
	StatusRejected:       true,
	StatusDispatchReady:  true,
	StatusDispatched:     true,
	StatusDispatchFailed: true,
}

const (
	DecisionApprove        = "approve"
	DecisionReject         = "reject"
	DecisionRequestChanges = "request_changes"
)

// ReviewDecisions is the closed set of human decisions.
var ReviewDecisions = map[string]bool{
	DecisionApprove:        true,
	DecisionReject:         true,
	DecisionRequestChanges: true,
}

// DispatchStatuses is the closed set of downstream dispatch outcomes.
var DispatchStatuses = map[string]bool{
	"queued":  true,
	"sent":    true,
	"failed":  true,
	"skipped": true,
}

const (
	RouteAutoDispatch = "auto-dispatch"
	RouteReviewQueue  = "review-queue"
)

// ── Pipeline records ─────────────────────────────────────────

// RawLine is one receipt line after parsing: dense 0-based index into the
// source text, extracted name, quantity (>=1, defaulted when unparseable),
// and the optional operator note.
type RawLine struct {
	LineIndex   int      `json:"line_index"`
	RawLine     string   `json:"raw_line"`
	NameRaw     string   `json:"name_raw"`
	Qty         int      `json:"qty"`
	NoteRaw     *string  `json:"note_raw"`
	NeedsReview bool     `json:"needs_review"`
	Metadata    Metadata `json:"metadata"`
	Version     string   `json:"version"`
}

// Mod is a single line-level modification ("加辣", "不要香菜", ...).
type Mod struct {
	ModRaw      string   `json:"mod_raw"`
	ModName     *string  `json:"mod_name"`
	ModValue    *string  `json:"mod_value"`
	Confidence  *float64 `json:"confidence"`
	NeedsReview bool     `json:"needs_review"`
	Metadata    Metadata `json:"metadata"`
	Version     string   `json:"version"`
}

// CandidateItem is one menu item that could plausibly match a raw line,
// scored in [0,100] internally and carried with match diagnostics.
type CandidateItem struct {
	LineIndex      int      `json:"line_index"`
	RawLine        string   `json:"raw_line"`
	NameRaw        string   `json:"name_raw"`
	Qty            int      `json:"qty"`
	CandidateName  string   `json:"candidate_name"`
	CandidateCode  *string  `json:"candidate_code"`
	NoteRaw        *string  `json:"note_raw"`
	ConfidenceItem *float64 `json:"confidence_item"`
	NeedsReview    bool     `json:"needs_review"`
	Metadata       Metadata `json:"metadata"`
	Version        string   `json:"version"`
}

// CandidatesByLine maps line_index to its ranked candidate list.
type CandidatesByLine = map[int][]CandidateItem

// AuditEvent is a pipeline-stage decision record embedded in a normalized
// order (distinct from audit.EventRecord, the persisted log entry).
type AuditEvent struct {
	EventType string   `json:"event_type"`
	Message   string   `json:"message"`
	LineIndex *int     `json:"line_index"`
	ItemIndex *int     `json:"item_index"`
	Metadata  Metadata `json:"metadata"`
	Version   string   `json:"version"`
}

// OrderRawParsed is the parser output for one receipt.
type OrderRawParsed struct {
	SourceText    string   `json:"source_text"`
	Lines         []RawLine `json:"lines"`
	OrderID       *string  `json:"order_id"`
	ParseWarnings []string `json:"parse_warnings"`
	NeedsReview   bool     `json:"needs_review"`
	Metadata      Metadata `json:"metadata"`
	Version       string   `json:"version"`
}

// NormalizedItem is one order line after candidate selection and mod
// extraction. ItemCode is nil when no catalog item could be matched with
// enough confidence; such items always need review.
type NormalizedItem struct {
	LineIndex      int      `json:"line_index"`
	RawLine        string   `json:"raw_line"`
	NameRaw        string   `json:"name_raw"`
	Qty            int      `json:"qty"`
	NameNormalized string   `json:"name_normalized"`
	ItemCode       *string  `json:"item_code"`
	NoteRaw        *string  `json:"note_raw"`
	Mods           []Mod    `json:"mods"`
	GroupID        *string  `json:"group_id"`
	ConfidenceItem *float64 `json:"confidence_item"`
	ConfidenceMods *float64 `json:"confidence_mods"`
	NeedsReview    bool     `json:"needs_review"`
	Metadata       Metadata `json:"metadata"`
	Version        string   `json:"version"`
}

// GroupResult is a cross-line grouping instruction ("pack these together").
// LineIndices are distinct, at least two, and all present in the order.
type GroupResult struct {
	GroupID         string   `json:"group_id"`
	Type            string   `json:"type"`
	Label           string   `json:"label"`
	LineIndices     []int    `json:"line_indices"`
	ConfidenceGroup *float64 `json:"confidence_group"`
	NeedsReview     bool     `json:"needs_review"`
	Metadata        Metadata `json:"metadata"`
	Version         string   `json:"version"`
}

// NormalizedOrder is the pipeline's final product for one receipt.
type NormalizedOrder struct {
	SourceText         string           `json:"source_text"`
	Items              []NormalizedItem `json:"items"`
	Groups             []GroupResult    `json:"groups"`
	OrderID            *string          `json:"order_id"`
	Lines              []RawLine        `json:"lines"`
	AuditEvents        []AuditEvent     `json:"audit_events"`
	OverallNeedsReview bool             `json:"overall_needs_review"`
	OrderConfidence    *float64         `json:"order_confidence"`
	Metadata           Metadata         `json:"metadata"`
	Version            string           `json:"version"`
}

// StructuredResult is the sanitized LLM stage output fed into merge.
type StructuredResult struct {
	Items       []NormalizedItem `json:"items"`
	Groups      []GroupResult    `json:"groups"`
	AuditEvents []AuditEvent     `json:"audit_events"`
	Metadata    Metadata         `json:"metadata"`
	Version     string           `json:"version"`
}

// ── Envelopes ────────────────────────────────────────────────

// ReviewSummary is derived from the order and must stay consistent with it.
type ReviewSummary struct {
	OverallNeedsReview         bool     `json:"overall_needs_review"`
	NeedsReviewItemLineIndices []int    `json:"needs_review_item_line_indices"`
	NeedsReviewGroupIDs        []string `json:"needs_review_group_ids"`
}

// BuildReviewSummary derives the summary for an order.
func BuildReviewSummary(order *NormalizedOrder) ReviewSummary {
	summary := ReviewSummary{
		OverallNeedsReview:         order.OverallNeedsReview,
		NeedsReviewItemLineIndices: []int{},
		NeedsReviewGroupIDs:        []string{},
	}
	for _, item := range order.Items {
		if item.NeedsReview {
			summary.NeedsReviewItemLineIndices = append(summary.NeedsReviewItemLineIndices, item.LineIndex)
		}
	}
	for _, group := range order.Groups {
		if group.NeedsReview {
			summary.NeedsReviewGroupIDs = append(summary.NeedsReviewGroupIDs, group.GroupID)
		}
	}
	return summary
}

// OrderPayload is the persisted/transferred envelope around a normalized
// order: the order itself, its derived review summary, the queue status,
// and the audit trace id that threads it through the log.
type OrderPayload struct {
	Order             NormalizedOrder `json:"order"`
	ReviewSummary     ReviewSummary   `json:"review_summary"`
	ReviewQueueStatus string          `json:"review_queue_status"`
	AuditTraceID      string          `json:"audit_trace_id"`
	Metadata          Metadata        `json:"metadata"`
	Version           string          `json:"version"`
}

// ReviewRecord is the review store entry for one order. CreatedAt is
// preserved across updates.
type ReviewRecord struct {
	OrderID      string       `json:"order_id"`
	AuditTraceID string       `json:"audit_trace_id"`
	OrderPayload OrderPayload `json:"order_payload"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IngestRequest is the POST /ingest-pos-text body. Text is a legacy alias
// for SourceText; SourceText wins when both are set. Empty text is accepted
// and produces a zero-item order flagged for review.
type IngestRequest struct {
	SourceText   string           `json:"source_text"`
	Text         string           `json:"text,omitempty"`
	APIVersion   string           `json:"api_version"`
	StoreID      string           `json:"store_id,omitempty"`
	OrderID      *string          `json:"order_id,omitempty"`
	AuditTraceID string           `json:"audit_trace_id,omitempty"`
	Metadata     Metadata         `json:"metadata,omitempty"`
	MenuCatalog  any              `json:"menu_catalog,omitempty"`
	AllowedMods  []string         `json:"allowed_mods,omitempty"`
	Simulate     *SimulateOptions `json:"simulate,omitempty"`
}

// SimulateOptions forces failure paths for testing.
type SimulateOptions struct {
	LLMTimeout bool `json:"llm_timeout"`
}

// IngestResponse is the ingest endpoint reply. Accepted is true even when
// the order needs review; consumers inspect the payload's queue status.
type IngestResponse struct {
	Accepted     bool         `json:"accepted"`
	Version      string       `json:"version"`
	APIVersion   string       `json:"api_version"`
	OrderPayload OrderPayload `json:"order_payload"`
	Status       string       `json:"status,omitempty"`
	TraceID      string       `json:"trace_id,omitempty"`
}

// ReviewRequest is the POST /review/decision body.
type ReviewRequest struct {
	OrderID           string           `json:"order_id"`
	APIVersion        string           `json:"api_version"`
	AuditTraceID      string           `json:"audit_trace_id"`
	ReviewQueueStatus string           `json:"review_queue_status"`
	Decision          string           `json:"decision"`
	ReviewerID        string           `json:"reviewer_id"`
	Note              *string          `json:"note,omitempty"`
	PatchedOrder      *NormalizedOrder `json:"patched_order,omitempty"`
	Metadata          Metadata         `json:"metadata,omitempty"`
}

// ReviewResponse is the decision endpoint reply.
type ReviewResponse struct {
	OrderPayload      OrderPayload `json:"order_payload"`
	Decision          string       `json:"decision"`
	ReviewQueueStatus string       `json:"review_queue_status"`
	AuditTraceID      string       `json:"audit_trace_id"`
	APIVersion        string       `json:"api_version"`
	Metadata          Metadata     `json:"metadata"`
	Version           string       `json:"version"`
	Status            string       `json:"status,omitempty"`
}

// ReviewListItem is the compact listing shape for the review queue.
type ReviewListItem struct {
	OrderID               string   `json:"order_id"`
	AuditTraceID          string   `json:"audit_trace_id"`
	ReviewQueueStatus     string   `json:"review_queue_status"`
	OverallNeedsReview    bool     `json:"overall_needs_review"`
	NeedsReviewItemCount  int      `json:"needs_review_item_count"`
	NeedsReviewGroupCount int      `json:"needs_review_group_count"`
	CreatedAt             string   `json:"created_at"`
	UpdatedAt             string   `json:"updated_at"`
	Metadata              Metadata `json:"metadata"`
	Version               string   `json:"version"`
}

// DispatchRequest asks for a handoff of an approved order downstream.
type DispatchRequest struct {
	OrderPayload   OrderPayload `json:"order_payload"`
	APIVersion     string       `json:"api_version"`
	DispatchTarget string       `json:"dispatch_target"`
	DryRun         bool         `json:"dry_run,omitempty"`
	Metadata       Metadata     `json:"metadata,omitempty"`
}

// ── Store configuration ──────────────────────────────────────

// MenuItem is one normalized catalog entry.
type MenuItem struct {
	ItemID        string   `json:"item_id"`
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases,omitempty"`
	SoldOut       bool     `json:"sold_out,omitempty"`
}

// LLMConfig is the per-store language model configuration. Enabled is
// tri-state: nil means auto (enabled iff an api key is present). APIKey is
// never serialized outward; readers see APIKeyRedacted.
type LLMConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	TimeoutS float64 `json:"timeout_s"`
	Enabled  *bool  `json:"enabled"`
	APIKey   string `json:"-"`

	APIKeyRedacted string `json:"api_key_redacted,omitempty"`
}

// StoreConfig is the resolved per-store configuration with content-hash
// versions that change iff content changes.
type StoreConfig struct {
	StoreID            string     `json:"store_id"`
	MenuCatalog        []MenuItem `json:"menu_catalog"`
	AllowedMods        []string   `json:"allowed_mods"`
	LLMConfig          LLMConfig  `json:"llm_config"`
	MenuCatalogVersion string     `json:"menu_catalog_version"`
	AllowedModsVersion string     `json:"allowed_mods_version"`
	LLMConfigVersion   string     `json:"llm_config_version"`
}

// DispatchDecision is the classifier verdict for one order.
type DispatchDecision struct {
	Route   string   `json:"route"`
	Reasons []string `json:"reasons"`
	Source  string   `json:"source"`
}
