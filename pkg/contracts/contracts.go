// Package contracts validates the ingest/review/dispatch envelopes against
// the advertised API contract. Validation is pure and idempotent: every
// check runs, errors are collected (never short-circuited), and each error
// is a "path: reason" string suitable for a 400 response body.
package contracts

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/orderdesk/posgate/pkg/models"
)

// errorList collects "path: reason" strings.
type errorList struct {
	errs []string
}

func (e *errorList) addf(path, format string, args ...any) {
	e.errs = append(e.errs, path+": "+fmt.Sprintf(format, args...))
}

func checkAPIVersion(e *errorList, got string) {
	if got == "" {
		e.addf("api_version", "is required")
		return
	}
	if got != models.APIContractVersion {
		e.addf("api_version", "must equal %q, got %q", models.APIContractVersion, got)
	}
}

func checkFinite(e *errorList, path string, value *float64) {
	if value == nil {
		return
	}
	if math.IsNaN(*value) || math.IsInf(*value, 0) {
		e.addf(path, "must be a finite number")
	}
}

func checkUnitInterval(e *errorList, path string, value *float64) {
	checkFinite(e, path, value)
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return
	}
	if *value < 0 || *value > 1 {
		e.addf(path, "must be within [0,1], got %v", *value)
	}
}

// ValidateIngestRequest checks the POST /ingest-pos-text body shape.
func ValidateIngestRequest(req *models.IngestRequest) []string {
	e := &errorList{}
	if req == nil {
		return []string{"request: body is required"}
	}
	checkAPIVersion(e, req.APIVersion)
	// Empty source text is legal: it yields a zero-item order flagged
	// no_items_detected rather than a validation failure.
	for i, mod := range req.AllowedMods {
		if strings.TrimSpace(mod) == "" {
			e.addf(fmt.Sprintf("allowed_mods[%d]", i), "must be a non-empty string")
		}
	}
	return e.errs
}

// ValidateReviewRequest checks the POST /review/decision body shape.
func ValidateReviewRequest(req *models.ReviewRequest) []string {
	e := &errorList{}
	if req == nil {
		return []string{"request: body is required"}
	}
	checkAPIVersion(e, req.APIVersion)
	if strings.TrimSpace(req.OrderID) == "" {
		e.addf("order_id", "is required")
	}
	if !models.ReviewDecisions[req.Decision] {
		e.addf("decision", "must be one of approve|reject|request_changes, got %q", req.Decision)
	}
	if req.ReviewQueueStatus != "" && !models.ReviewQueueStatuses[req.ReviewQueueStatus] {
		e.addf("review_queue_status", "unknown status %q", req.ReviewQueueStatus)
	}
	if strings.TrimSpace(req.ReviewerID) == "" {
		e.addf("reviewer_id", "is required")
	}
	if req.PatchedOrder != nil {
		validateOrder(e, "patched_order", req.PatchedOrder)
	}
	return e.errs
}

// ValidateDispatchRequest checks the dispatch envelope shape.
func ValidateDispatchRequest(req *models.DispatchRequest) []string {
	e := &errorList{}
	if req == nil {
		return []string{"request: body is required"}
	}
	checkAPIVersion(e, req.APIVersion)
	if strings.TrimSpace(req.DispatchTarget) == "" {
		e.addf("dispatch_target", "is required")
	}
	validatePayload(e, "order_payload", &req.OrderPayload)
	return e.errs
}

// ValidateOrderPayload checks a full order envelope, including the derived
// review summary's consistency with the order it summarizes.
func ValidateOrderPayload(payload *models.OrderPayload) []string {
	e := &errorList{}
	if payload == nil {
		return []string{"order_payload: is required"}
	}
	validatePayload(e, "order_payload", payload)
	return e.errs
}

func validatePayload(e *errorList, path string, payload *models.OrderPayload) {
	if !models.ReviewQueueStatuses[payload.ReviewQueueStatus] {
		e.addf(path+".review_queue_status", "unknown status %q", payload.ReviewQueueStatus)
	}
	if strings.TrimSpace(payload.AuditTraceID) == "" {
		e.addf(path+".audit_trace_id", "is required")
	}
	validateOrder(e, path+".order", &payload.Order)

	if payload.ReviewSummary.OverallNeedsReview != payload.Order.OverallNeedsReview {
		e.addf(path+".review_summary.overall_needs_review",
			"must equal order.overall_needs_review (%v)", payload.Order.OverallNeedsReview)
	}
	expected := models.BuildReviewSummary(&payload.Order)
	if !intSetEqual(payload.ReviewSummary.NeedsReviewItemLineIndices, expected.NeedsReviewItemLineIndices) {
		e.addf(path+".review_summary.needs_review_item_line_indices", "does not match order items")
	}
	if !stringSetEqual(payload.ReviewSummary.NeedsReviewGroupIDs, expected.NeedsReviewGroupIDs) {
		e.addf(path+".review_summary.needs_review_group_ids", "does not match order groups")
	}
}

func validateOrder(e *errorList, path string, order *models.NormalizedOrder) {
	lineIndices := make(map[int]bool, len(order.Lines))
	for _, line := range order.Lines {
		lineIndices[line.LineIndex] = true
	}

	itemIndices := make(map[int]bool, len(order.Items))
	anyReview := false
	for i, item := range order.Items {
		itemPath := fmt.Sprintf("%s.items[%d]", path, i)
		if itemIndices[item.LineIndex] {
			e.addf(itemPath+".line_index", "duplicate line_index %d", item.LineIndex)
		}
		itemIndices[item.LineIndex] = true
		if len(order.Lines) > 0 && !lineIndices[item.LineIndex] {
			e.addf(itemPath+".line_index", "line_index %d not present in lines", item.LineIndex)
		}
		if item.Qty < 1 {
			e.addf(itemPath+".qty", "must be >= 1, got %d", item.Qty)
			anyReview = true
		}
		checkUnitInterval(e, itemPath+".confidence_item", item.ConfidenceItem)
		checkUnitInterval(e, itemPath+".confidence_mods", item.ConfidenceMods)
		if item.NeedsReview || item.ItemCode == nil || strings.TrimSpace(deref(item.ItemCode)) == "" {
			anyReview = true
		}
	}

	for i, group := range order.Groups {
		groupPath := fmt.Sprintf("%s.groups[%d]", path, i)
		if !models.GroupTypes[group.Type] {
			e.addf(groupPath+".type", "unknown group type %q", group.Type)
		}
		if len(group.LineIndices) < 2 {
			e.addf(groupPath+".line_indices", "must reference at least 2 lines, got %d", len(group.LineIndices))
		}
		seen := make(map[int]bool, len(group.LineIndices))
		for j, lineIndex := range group.LineIndices {
			memberPath := fmt.Sprintf("%s.line_indices[%d]", groupPath, j)
			if seen[lineIndex] {
				e.addf(memberPath, "duplicate line_index %d", lineIndex)
			}
			seen[lineIndex] = true
			if !itemIndices[lineIndex] {
				e.addf(memberPath, "line_index %d has no matching item", lineIndex)
			}
		}
		checkUnitInterval(e, groupPath+".confidence_group", group.ConfidenceGroup)
		if group.NeedsReview {
			anyReview = true
		}
	}

	// One-directional: the merge stage may raise overall_needs_review for
	// reasons items and groups cannot express (empty order, structured
	// fallback, parse warnings). Only a missing flag is inconsistent.
	if anyReview && !order.OverallNeedsReview {
		e.addf(path+".overall_needs_review",
			"must be true when any item or group needs review, has a missing item_code, or qty<1")
	}
	checkUnitInterval(e, path+".order_confidence", order.OrderConfidence)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intSetEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]int(nil), a...)
	bs := append([]int(nil), b...)
	sort.Ints(as)
	sort.Ints(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
