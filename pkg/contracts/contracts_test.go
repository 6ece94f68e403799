package contracts

import (
	"strings"
	"testing"

	"github.com/orderdesk/posgate/pkg/models"
)

func ptr[T any](v T) *T { return &v }

func validPayload() models.OrderPayload {
	code := "A01"
	order := models.NormalizedOrder{
		SourceText: "招牌鍋貼 x2",
		Lines: []models.RawLine{
			{LineIndex: 0, RawLine: "招牌鍋貼 x2", NameRaw: "招牌鍋貼", Qty: 2},
		},
		Items: []models.NormalizedItem{
			{
				LineIndex:      0,
				RawLine:        "招牌鍋貼 x2",
				NameRaw:        "招牌鍋貼",
				Qty:            2,
				NameNormalized: "招牌鍋貼",
				ItemCode:       &code,
				ConfidenceItem: ptr(0.95),
			},
		},
		OrderID: ptr("ord-1"),
	}
	return models.OrderPayload{
		Order:             order,
		ReviewSummary:     models.BuildReviewSummary(&order),
		ReviewQueueStatus: models.StatusDispatchReady,
		AuditTraceID:      "at-1",
	}
}

func hasProblem(problems []string, fragment string) bool {
	for _, p := range problems {
		if strings.Contains(p, fragment) {
			return true
		}
	}
	return false
}

func TestValidateIngestRequest(t *testing.T) {
	if problems := ValidateIngestRequest(nil); !hasProblem(problems, "body is required") {
		t.Errorf("nil request problems = %v", problems)
	}

	req := &models.IngestRequest{SourceText: "x", APIVersion: "0.0.1"}
	if problems := ValidateIngestRequest(req); !hasProblem(problems, "api_version") {
		t.Errorf("bad version problems = %v", problems)
	}

	req = &models.IngestRequest{SourceText: "", APIVersion: models.APIContractVersion}
	if problems := ValidateIngestRequest(req); len(problems) != 0 {
		t.Errorf("empty source text must validate, got %v", problems)
	}

	req = &models.IngestRequest{
		SourceText:  "x",
		APIVersion:  models.APIContractVersion,
		AllowedMods: []string{"加辣", "  "},
	}
	if problems := ValidateIngestRequest(req); !hasProblem(problems, "allowed_mods[1]") {
		t.Errorf("blank mod problems = %v", problems)
	}
}

func TestValidateReviewRequest(t *testing.T) {
	req := &models.ReviewRequest{
		APIVersion: models.APIContractVersion,
		Decision:   "escalate",
	}
	problems := ValidateReviewRequest(req)
	for _, fragment := range []string{"order_id", "decision", "reviewer_id"} {
		if !hasProblem(problems, fragment) {
			t.Errorf("missing %q in %v", fragment, problems)
		}
	}

	req = &models.ReviewRequest{
		APIVersion:        models.APIContractVersion,
		OrderID:           "ord-1",
		Decision:          models.DecisionApprove,
		ReviewerID:        "op-1",
		ReviewQueueStatus: "archived",
	}
	if problems := ValidateReviewRequest(req); !hasProblem(problems, "review_queue_status") {
		t.Errorf("unknown status problems = %v", problems)
	}

	req.ReviewQueueStatus = models.StatusInReview
	if problems := ValidateReviewRequest(req); len(problems) != 0 {
		t.Errorf("valid request problems = %v", problems)
	}
}

func TestValidateOrderPayloadAccepts(t *testing.T) {
	payload := validPayload()
	if problems := ValidateOrderPayload(&payload); len(problems) != 0 {
		t.Fatalf("valid payload problems = %v", problems)
	}
}

func TestValidateOrderPayloadDuplicateLineIndex(t *testing.T) {
	payload := validPayload()
	payload.Order.Items = append(payload.Order.Items, payload.Order.Items[0])
	if problems := ValidateOrderPayload(&payload); !hasProblem(problems, "duplicate line_index") {
		t.Errorf("problems = %v", problems)
	}
}

func TestValidateOrderPayloadLineIndexNotInLines(t *testing.T) {
	payload := validPayload()
	payload.Order.Items[0].LineIndex = 5
	problems := ValidateOrderPayload(&payload)
	if !hasProblem(problems, "not present in lines") {
		t.Errorf("problems = %v", problems)
	}
}

func TestValidateOrderPayloadQtyAndConfidence(t *testing.T) {
	payload := validPayload()
	payload.Order.Items[0].Qty = 0
	payload.Order.Items[0].ConfidenceItem = ptr(1.5)
	problems := ValidateOrderPayload(&payload)
	if !hasProblem(problems, "qty") || !hasProblem(problems, "within [0,1]") {
		t.Errorf("problems = %v", problems)
	}
}

func TestValidateOrderPayloadGroupMembership(t *testing.T) {
	payload := validPayload()
	payload.Order.Groups = []models.GroupResult{
		{GroupID: "g1", Type: models.GroupPackTogether, LineIndices: []int{0, 9}},
	}
	problems := ValidateOrderPayload(&payload)
	if !hasProblem(problems, "no matching item") {
		t.Errorf("problems = %v", problems)
	}

	payload.Order.Groups[0].LineIndices = []int{0}
	problems = ValidateOrderPayload(&payload)
	if !hasProblem(problems, "at least 2 lines") {
		t.Errorf("problems = %v", problems)
	}
}

func TestValidateOrderPayloadAcceptsRaisedOverallReview(t *testing.T) {
	// The merge stage raises overall_needs_review for conditions items and
	// groups cannot carry: an empty order, a structured fallback, parse
	// warnings. None of those may fail validation.
	empty := models.NormalizedOrder{
		OrderID:            ptr("ord-empty"),
		OverallNeedsReview: true,
	}
	payload := models.OrderPayload{
		Order:             empty,
		ReviewSummary:     models.BuildReviewSummary(&empty),
		ReviewQueueStatus: models.StatusPendingReview,
		AuditTraceID:      "at-empty",
	}
	if problems := ValidateOrderPayload(&payload); len(problems) != 0 {
		t.Errorf("empty order with overall review flagged: %v", problems)
	}

	fallback := validPayload()
	fallback.Order.OverallNeedsReview = true
	fallback.ReviewSummary = models.BuildReviewSummary(&fallback.Order)
	fallback.ReviewQueueStatus = models.StatusPendingReview
	if problems := ValidateOrderPayload(&fallback); len(problems) != 0 {
		t.Errorf("clean items with overall review flagged: %v", problems)
	}
}

func TestValidateOrderPayloadOverallConsistency(t *testing.T) {
	payload := validPayload()
	payload.Order.Items[0].NeedsReview = true
	// Summary and overall flag deliberately stale.
	problems := ValidateOrderPayload(&payload)
	if !hasProblem(problems, "overall_needs_review") {
		t.Errorf("problems = %v", problems)
	}
	if !hasProblem(problems, "needs_review_item_line_indices") {
		t.Errorf("problems = %v", problems)
	}
}

func TestValidateDispatchRequest(t *testing.T) {
	payload := validPayload()
	req := &models.DispatchRequest{
		APIVersion:   models.APIContractVersion,
		OrderPayload: payload,
	}
	if problems := ValidateDispatchRequest(req); !hasProblem(problems, "dispatch_target") {
		t.Errorf("problems = %v", problems)
	}

	req.DispatchTarget = "kitchen_printer"
	if problems := ValidateDispatchRequest(req); len(problems) != 0 {
		t.Errorf("valid dispatch problems = %v", problems)
	}
}
