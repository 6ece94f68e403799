package review

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdesk/posgate/internal/audit"
	"github.com/orderdesk/posgate/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *audit.Logger, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	logger, err := audit.NewLogger(filepath.Join(dir, "audit.log.jsonl"))
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)}
	store, err := NewStore(filepath.Join(dir, "review_store.json"), logger, WithClock(clock.Now))
	require.NoError(t, err)
	return store, logger, clock
}

func testPayload(orderID string, needsReview bool) models.OrderPayload {
	itemCode := models.Ptr("A01")
	if needsReview {
		itemCode = nil
	}
	order := models.NormalizedOrder{
		SourceText: "雞排 x1",
		OrderID:    models.Ptr(orderID),
		Items: []models.NormalizedItem{{
			LineIndex:   0,
			RawLine:     "雞排 x1",
			NameRaw:     "雞排",
			Qty:         1,
			ItemCode:    itemCode,
			NeedsReview: needsReview,
			Metadata:    models.Metadata{},
			Version:     models.ContractVersion,
		}},
		Groups:             []models.GroupResult{},
		Lines:              []models.RawLine{},
		AuditEvents:        []models.AuditEvent{},
		OverallNeedsReview: needsReview,
		Metadata:           models.Metadata{},
		Version:            models.ContractVersion,
	}
	status := models.StatusDispatchReady
	if needsReview {
		status = models.StatusPendingReview
	}
	return models.OrderPayload{
		Order:             order,
		ReviewSummary:     models.BuildReviewSummary(&order),
		ReviewQueueStatus: status,
		AuditTraceID:      "trace-" + orderID,
		Metadata:          models.Metadata{},
		Version:           models.ContractVersion,
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	store, _, clock := newTestStore(t)

	first, err := store.Upsert(testPayload("ord-1", true))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := store.Upsert(testPayload("ord-1", false))
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestUpsertRequiresOrderID(t *testing.T) {
	store, _, _ := newTestStore(t)
	payload := testPayload("ord-1", false)
	payload.Order.OrderID = nil
	_, err := store.Upsert(payload)
	require.Error(t, err)
}

func TestStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review_store.json")
	store, err := NewStore(path, nil)
	require.NoError(t, err)
	_, err = store.Upsert(testPayload("ord-1", true))
	require.NoError(t, err)

	reopened, err := NewStore(path, nil)
	require.NoError(t, err)
	record, ok := reopened.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, "trace-ord-1", record.AuditTraceID)
}

func TestStoreCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review_store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store, err := NewStore(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestApplyDecisionStateMachine(t *testing.T) {
	cases := []struct {
		name        string
		decision    string
		needsReview bool
		wantStatus  string
	}{
		{"reject", models.DecisionReject, false, models.StatusRejected},
		{"request changes", models.DecisionRequestChanges, false, models.StatusInReview},
		{"approve clean order", models.DecisionApprove, false, models.StatusDispatchReady},
		{"approve order still needing review", models.DecisionApprove, true, models.StatusInReview},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, _, _ := newTestStore(t)
			_, err := store.Upsert(testPayload("ord-1", tc.needsReview))
			require.NoError(t, err)

			resp, err := store.ApplyDecision(&models.ReviewRequest{
				OrderID:    "ord-1",
				APIVersion: models.APIContractVersion,
				Decision:   tc.decision,
				ReviewerID: "op-7",
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, resp.ReviewQueueStatus)
			assert.Equal(t, tc.wantStatus, resp.OrderPayload.ReviewQueueStatus)

			record, ok := store.Get("ord-1")
			require.True(t, ok)
			assert.Equal(t, tc.wantStatus, record.OrderPayload.ReviewQueueStatus)
		})
	}
}

func TestApplyDecisionUnknownOrder(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.ApplyDecision(&models.ReviewRequest{
		OrderID:  "ghost",
		Decision: models.DecisionApprove,
	})
	require.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestApplyDecisionInvalidDecision(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.ApplyDecision(&models.ReviewRequest{OrderID: "ord-1", Decision: "maybe"})
	require.True(t, errors.Is(err, ErrInvalidDecision))
}

func TestApplyDecisionPatchedOrder(t *testing.T) {
	store, logger, _ := newTestStore(t)
	_, err := store.Upsert(testPayload("ord-1", true))
	require.NoError(t, err)

	patched := testPayload("ord-1", false).Order
	resp, err := store.ApplyDecision(&models.ReviewRequest{
		OrderID:      "ord-1",
		Decision:     models.DecisionApprove,
		ReviewerID:   "op-7",
		PatchedOrder: &patched,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDispatchReady, resp.ReviewQueueStatus)
	require.NotNil(t, resp.OrderPayload.Order.Items[0].ItemCode)
	assert.Equal(t, "A01", *resp.OrderPayload.Order.Items[0].ItemCode)
	assert.False(t, resp.OrderPayload.ReviewSummary.OverallNeedsReview)

	events, err := logger.ListByType("manual_correction")
	require.NoError(t, err)
	require.Len(t, events, 1)
	correction := events[0].HumanCorrection
	require.NotNil(t, correction)
	assert.Equal(t, "op-7", correction["operator"])
	assert.NotNil(t, correction["before"])
	assert.NotNil(t, correction["after"])
}

func TestApplyDecisionPatchedOrderIDMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Upsert(testPayload("ord-1", true))
	require.NoError(t, err)

	patched := testPayload("ord-2", false).Order
	_, err = store.ApplyDecision(&models.ReviewRequest{
		OrderID:      "ord-1",
		Decision:     models.DecisionApprove,
		PatchedOrder: &patched,
	})
	require.True(t, errors.Is(err, ErrInvalidPatchedOrderID))
}

func TestListPagingAndSplit(t *testing.T) {
	store, _, clock := newTestStore(t)
	for _, spec := range []struct {
		id          string
		needsReview bool
	}{
		{"ord-1", true},
		{"ord-2", false},
		{"ord-3", true},
	} {
		_, err := store.Upsert(testPayload(spec.id, spec.needsReview))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	result := store.List(1, 2)
	assert.Equal(t, 3, result.Total)
	require.Len(t, result.Items, 2)
	// updated_at descending: ord-3 first.
	assert.Equal(t, "ord-3", result.Items[0].OrderID)
	assert.Equal(t, "ord-2", result.Items[1].OrderID)
	require.NotNil(t, result.NextCursor)
	assert.Equal(t, 2, *result.NextCursor)

	assert.Len(t, result.PendingReview, 1)
	assert.Len(t, result.Tracking, 1)

	last := store.List(2, 2)
	require.Len(t, last.Items, 1)
	assert.Nil(t, last.NextCursor)
}

func TestListDetailsFlagsLowConfidenceLines(t *testing.T) {
	store, _, _ := newTestStore(t)

	confident := testPayload("ord-ok", false)
	confident.Order.Items[0].ConfidenceItem = models.Ptr(0.95)
	_, err := store.Upsert(confident)
	require.NoError(t, err)

	shaky := testPayload("ord-low", true)
	shaky.Order.Items[0].ConfidenceItem = models.Ptr(0.42)
	_, err = store.Upsert(shaky)
	require.NoError(t, err)

	details := store.ListDetails(1, 10)
	require.Equal(t, 2, details.Total)
	require.Len(t, details.Items, 2)

	byID := map[string]DetailItem{}
	for _, item := range details.Items {
		byID[item.OrderID] = item
	}
	assert.Empty(t, byID["ord-ok"].LowConfidenceLineIndices)
	assert.Equal(t, []int{0}, byID["ord-low"].LowConfidenceLineIndices)
	assert.Equal(t, "ord-low", *byID["ord-low"].OrderPayload.Order.OrderID)
	assert.Nil(t, details.NextCursor)
}

func TestListDetailsPaging(t *testing.T) {
	store, _, clock := newTestStore(t)
	for _, id := range []string{"ord-1", "ord-2", "ord-3"} {
		clock.Advance(time.Second)
		_, err := store.Upsert(testPayload(id, true))
		require.NoError(t, err)
	}
	first := store.ListDetails(1, 2)
	require.Len(t, first.Items, 2)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, "ord-3", first.Items[0].OrderID)

	second := store.ListDetails(*first.NextCursor, 2)
	require.Len(t, second.Items, 1)
	assert.Nil(t, second.NextCursor)
}

func TestDeleteAndClear(t *testing.T) {
	store, _, _ := newTestStore(t)
	payload := testPayload("ord-1", false)
	payload.Metadata["source"] = "fixture_suite"
	_, err := store.Upsert(payload)
	require.NoError(t, err)
	_, err = store.Upsert(testPayload("ord-2", false))
	require.NoError(t, err)

	deleted, remaining, err := store.Clear(IsTestData)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, remaining)
	_, ok := store.Get("ord-1")
	assert.False(t, ok)

	removed, err := store.Delete("ord-2")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.Delete("ord-2")
	require.NoError(t, err)
	assert.False(t, removed)
}
