// Package dispatch decides where a normalized order goes: straight to the
// downstream POS (auto-dispatch) or into the human review queue.
package dispatch

import (
	"github.com/orderdesk/posgate/pkg/models"
)

// Classify routes an order. When the merge stage already recorded a
// dispatch_decision in the order metadata that verdict is honored; otherwise
// the decision is recomputed from the order itself.
func Classify(order *models.NormalizedOrder) models.DispatchDecision {
	if decision, ok := fromMetadata(order); ok {
		return decision
	}
	return fromRules(order)
}

func fromMetadata(order *models.NormalizedOrder) (models.DispatchDecision, bool) {
	raw, ok := order.Metadata["dispatch_decision"]
	if !ok {
		return models.DispatchDecision{}, false
	}
	entry, ok := raw.(models.Metadata)
	if !ok {
		return models.DispatchDecision{}, false
	}
	route, _ := entry["route"].(string)
	if route != models.RouteAutoDispatch && route != models.RouteReviewQueue {
		return models.DispatchDecision{}, false
	}
	decision := models.DispatchDecision{
		Route:   route,
		Reasons: []string{},
		Source:  "merge_metadata",
	}
	switch reasons := entry["reasons"].(type) {
	case []string:
		decision.Reasons = append(decision.Reasons, reasons...)
	case []any:
		for _, reason := range reasons {
			if s, ok := reason.(string); ok {
				decision.Reasons = append(decision.Reasons, s)
			}
		}
	}
	return decision, true
}

func fromRules(order *models.NormalizedOrder) models.DispatchDecision {
	var reasons []string
	if order.OverallNeedsReview {
		reasons = append(reasons, "overall_needs_review")
	}
	itemReview, missingCode, invalidQty := false, false, false
	for _, item := range order.Items {
		if item.NeedsReview {
			itemReview = true
		}
		if item.ItemCode == nil {
			missingCode = true
		}
		if item.Qty < 1 {
			invalidQty = true
		}
	}
	if itemReview {
		reasons = append(reasons, "item_needs_review")
	}
	for _, group := range order.Groups {
		if group.NeedsReview {
			reasons = append(reasons, "group_needs_review")
			break
		}
	}
	if missingCode {
		reasons = append(reasons, "missing_item_code")
	}
	if invalidQty {
		reasons = append(reasons, "invalid_qty")
	}

	route := models.RouteAutoDispatch
	if len(reasons) > 0 {
		route = models.RouteReviewQueue
	}
	if reasons == nil {
		reasons = []string{}
	}
	return models.DispatchDecision{Route: route, Reasons: reasons, Source: "rules"}
}
