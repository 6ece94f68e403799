package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orderdesk/posgate/internal/api/handlers"
	"github.com/orderdesk/posgate/internal/audit"
	"github.com/orderdesk/posgate/internal/cache"
	"github.com/orderdesk/posgate/internal/config"
	"github.com/orderdesk/posgate/internal/events"
	"github.com/orderdesk/posgate/internal/ingest"
	"github.com/orderdesk/posgate/internal/llm"
	"github.com/orderdesk/posgate/internal/review"
	"github.com/orderdesk/posgate/internal/storeconfig"
	"github.com/orderdesk/posgate/pkg/models"
)

type testStack struct {
	router  http.Handler
	reviews *review.Store
	hub     *events.Hub
}

// newTestStack wires the full surface with the model gate closed, so every
// ingest runs the deterministic rule path.
func newTestStack(t *testing.T) *testStack {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Version:  models.ContractVersion,
		DataDir:  dir,
		LLM:      config.LLMConfig{Provider: "openai", Model: "gpt-4o-mini", TimeoutS: 1},
		Pipeline: config.PipelineConfig{TotalTimeout: 10 * time.Second},
	}
	stores, err := storeconfig.New(dir, cfg.LLM)
	if err != nil {
		t.Fatalf("storeconfig.New: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	if _, err := stores.UpdateConfig("default", []models.MenuItem{
		{ItemID: "A01", CanonicalName: "招牌鍋貼", Aliases: []string{"鍋貼"}},
		{ItemID: "B01", CanonicalName: "酸辣湯"},
	}, []string{"加辣", "不要蔥"}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	auditLog, err := audit.NewLogger(filepath.Join(dir, "audit_log.jsonl"))
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}
	hub := events.NewHub()
	reviews, err := review.NewStore(filepath.Join(dir, "review_store.json"), auditLog,
		review.WithNotify(func(eventType, orderID string) {
			hub.Publish(eventType, orderID, nil)
		}))
	if err != nil {
		t.Fatalf("review.NewStore: %v", err)
	}
	pipelineCache, err := cache.New(cache.NewMemoryBackend())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	svc := ingest.New(cfg, stores, auditLog, reviews, pipelineCache, hub,
		ingest.WithRuntimeBuilder(func(models.LLMConfig, string, string) llm.Runtime {
			return llm.Runtime{Enabled: false, Reason: llm.ReasonDisabled, TimeoutS: 1}
		}))

	h := handlers.New(cfg, svc, reviews, auditLog, stores, hub, nil)
	return &testStack{router: NewRouter(cfg, h), reviews: reviews, hub: hub}
}

func (s *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (s *testStack) ingestOne(t *testing.T, sourceText string) models.IngestResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/orders/ingest-pos-text", models.IngestRequest{
		SourceText: sourceText,
		APIVersion: models.APIContractVersion,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp models.IngestResponse
	decodeBody(t, rec, &resp)
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	stack := newTestStack(t)
	if rec := stack.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
	rec := stack.do(t, http.MethodGet, "/version", nil)
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["service"] != "posgate" {
		t.Errorf("service = %q", body["service"])
	}
}

func TestIngestEndpoint(t *testing.T) {
	stack := newTestStack(t)
	resp := stack.ingestOne(t, "招牌鍋貼 x2\n酸辣湯 x1")
	if !resp.Accepted {
		t.Fatal("accepted = false")
	}
	if len(resp.OrderPayload.Order.Items) != 2 {
		t.Fatalf("items = %d", len(resp.OrderPayload.Order.Items))
	}
	if resp.OrderPayload.Order.Metadata["ingest_engine"] != "rule_fallback" {
		t.Errorf("engine = %v", resp.OrderPayload.Order.Metadata["ingest_engine"])
	}
}

func TestIngestValidation(t *testing.T) {
	stack := newTestStack(t)
	rec := stack.do(t, http.MethodPost, "/api/orders/ingest-pos-text", map[string]any{
		"source_text": "雞排 x1",
		"api_version": "9.9.9",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Details []string `json:"details"`
	}
	decodeBody(t, rec, &body)
	if len(body.Details) == 0 || !strings.Contains(body.Details[0], "api_version") {
		t.Errorf("details = %v", body.Details)
	}
}

func TestPerStoreIngestForcesStoreID(t *testing.T) {
	stack := newTestStack(t)
	rec := stack.do(t, http.MethodPost, "/api/orders/stores/branch-7/ingest-pos-text", models.IngestRequest{
		SourceText: "招牌鍋貼 x1",
		APIVersion: models.APIContractVersion,
		StoreID:    "ignored",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp models.IngestResponse
	decodeBody(t, rec, &resp)
	if resp.OrderPayload.Order.Metadata["store_id"] != "branch-7" {
		t.Errorf("store_id = %v", resp.OrderPayload.Order.Metadata["store_id"])
	}
}

func TestReviewListAndGet(t *testing.T) {
	stack := newTestStack(t)
	resp := stack.ingestOne(t, "招牌鍋貼 x2")
	orderID := *resp.OrderPayload.Order.OrderID

	rec := stack.do(t, http.MethodGet, "/api/orders/review?page=1&page_size=10", nil)
	var list review.ListResult
	decodeBody(t, rec, &list)
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("list = %+v", list)
	}

	rec = stack.do(t, http.MethodGet, "/api/orders/review/"+orderID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}
	rec = stack.do(t, http.MethodGet, "/api/orders/review/ord-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing get = %d, want 404", rec.Code)
	}
}

func TestReviewDetailsEndpoint(t *testing.T) {
	stack := newTestStack(t)
	stack.ingestOne(t, "鱈魚漢堡 x1")

	rec := stack.do(t, http.MethodGet, "/api/orders/review/details", nil)
	var details review.DetailsResult
	decodeBody(t, rec, &details)
	if details.Total != 1 || len(details.Items) != 1 {
		t.Fatalf("details = %+v", details)
	}
	if len(details.Items[0].LowConfidenceLineIndices) == 0 {
		t.Error("unknown item should be flagged low confidence")
	}
}

func TestReviewDecisionEndpoint(t *testing.T) {
	stack := newTestStack(t)
	resp := stack.ingestOne(t, "招牌鍋貼 x2")
	orderID := *resp.OrderPayload.Order.OrderID

	rec := stack.do(t, http.MethodPost, "/api/orders/review/decision", models.ReviewRequest{
		OrderID:    orderID,
		APIVersion: models.APIContractVersion,
		Decision:   models.DecisionReject,
		ReviewerID: "op-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision = %d body %s", rec.Code, rec.Body.String())
	}
	var decision models.ReviewResponse
	decodeBody(t, rec, &decision)
	if decision.ReviewQueueStatus != models.StatusRejected {
		t.Errorf("status = %q", decision.ReviewQueueStatus)
	}

	rec = stack.do(t, http.MethodPost, "/api/orders/review/decision", models.ReviewRequest{
		OrderID:    "ord-missing",
		APIVersion: models.APIContractVersion,
		Decision:   models.DecisionApprove,
		ReviewerID: "op-1",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing decision = %d, want 404", rec.Code)
	}

	rec = stack.do(t, http.MethodPost, "/api/orders/review/decision", models.ReviewRequest{
		OrderID:    orderID,
		APIVersion: models.APIContractVersion,
		Decision:   "escalate",
		ReviewerID: "op-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad decision = %d, want 400", rec.Code)
	}
}

func TestReviewDeleteEndpoint(t *testing.T) {
	stack := newTestStack(t)
	resp := stack.ingestOne(t, "招牌鍋貼 x2")
	orderID := *resp.OrderPayload.Order.OrderID

	rec := stack.do(t, http.MethodDelete, "/api/orders/review/"+orderID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = stack.do(t, http.MethodDelete, "/api/orders/review/"+orderID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}

func TestClearTestDataEndpoint(t *testing.T) {
	stack := newTestStack(t)
	rec := stack.do(t, http.MethodPost, "/api/orders/ingest-pos-text", models.IngestRequest{
		SourceText: "招牌鍋貼 x1",
		APIVersion: models.APIContractVersion,
		Metadata:   models.Metadata{"source": "fixture_suite"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest = %d", rec.Code)
	}
	stack.ingestOne(t, "酸辣湯 x1")

	rec = stack.do(t, http.MethodPost, "/api/orders/review/clear-test-data", map[string]string{"scope": "test_only"})
	var cleared map[string]int
	decodeBody(t, rec, &cleared)
	if cleared["deleted_count"] != 1 || cleared["remaining_count"] != 1 {
		t.Errorf("cleared = %v", cleared)
	}

	rec = stack.do(t, http.MethodPost, "/api/orders/review/clear-test-data", map[string]string{"scope": "everything"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad scope = %d, want 400", rec.Code)
	}
}

func TestPipelineConfigEndpoints(t *testing.T) {
	stack := newTestStack(t)
	rec := stack.do(t, http.MethodGet, "/api/orders/pipeline-config?store_id=default", nil)
	var cfg models.StoreConfig
	decodeBody(t, rec, &cfg)
	if len(cfg.MenuCatalog) != 2 {
		t.Fatalf("catalog = %d items", len(cfg.MenuCatalog))
	}
	previousVersion := cfg.MenuCatalogVersion

	rec = stack.do(t, http.MethodPut, "/api/orders/pipeline-config", map[string]any{
		"store_id": "default",
		"menu_catalog": []map[string]any{
			{"item_id": "A01", "canonical_name": "招牌鍋貼"},
			{"item_id": "B01", "canonical_name": "酸辣湯"},
			{"item_id": "C01", "canonical_name": "蛋花湯"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d body %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &cfg)
	if len(cfg.MenuCatalog) != 3 {
		t.Errorf("catalog = %d items after update", len(cfg.MenuCatalog))
	}
	if cfg.MenuCatalogVersion == previousVersion {
		t.Error("menu_catalog_version did not change with content")
	}

	rec = stack.do(t, http.MethodPut, "/api/orders/pipeline-config", map[string]any{
		"store_id":     "default",
		"menu_catalog": "not-a-catalog",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed catalog = %d, want 400", rec.Code)
	}
}

func TestLLMConfigEndpoints(t *testing.T) {
	stack := newTestStack(t)
	rec := stack.do(t, http.MethodPut, "/api/orders/llm-config", map[string]any{
		"store_id": "default",
		"api_key":  "sk-super-secret-0001",
		"model":    "gpt-4o-mini",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d body %s", rec.Code, rec.Body.String())
	}

	rec = stack.do(t, http.MethodGet, "/api/orders/llm-config?store_id=default", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-super-secret-0001") {
		t.Error("api key leaked in llm-config response")
	}
	var cfg models.LLMConfig
	decodeBody(t, rec, &cfg)
	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Model)
	}
}

func TestEngineStatusEndpoint(t *testing.T) {
	stack := newTestStack(t)
	stack.ingestOne(t, "鱈魚漢堡 x1")

	rec := stack.do(t, http.MethodGet, "/api/orders/ingest-engine/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status struct {
		StoreID string `json:"store_id"`
		Engine  struct {
			Enabled bool   `json:"enabled"`
			Reason  string `json:"reason"`
		} `json:"engine"`
		Queue review.QueueSummary `json:"queue"`
	}
	decodeBody(t, rec, &status)
	if status.StoreID != "default" {
		t.Errorf("store_id = %q", status.StoreID)
	}
	if status.Engine.Enabled || status.Engine.Reason != llm.ReasonMissingAPIKey {
		t.Errorf("engine = %+v", status.Engine)
	}
	if status.Queue.Total != 1 || status.Queue.PendingReview != 1 {
		t.Errorf("queue = %+v", status.Queue)
	}
}

func TestFixturesEndpoints(t *testing.T) {
	stack := newTestStack(t)
	rec := stack.do(t, http.MethodGet, "/api/orders/ingest-fixtures", nil)
	var listing struct {
		Fixtures []struct {
			Name     string `json:"name"`
			Scenario string `json:"scenario"`
		} `json:"fixtures"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Fixtures) == 0 {
		t.Fatal("no fixtures listed")
	}

	rec = stack.do(t, http.MethodPost, "/api/orders/ingest-test-suite", map[string]any{
		"store_id":     "default",
		"inject_dirty": true,
		"max_cases":    3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("suite = %d body %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Total  int `json:"total"`
		Failed int `json:"failed"`
	}
	decodeBody(t, rec, &result)
	if result.Total != 3 || result.Failed != 0 {
		t.Errorf("suite result = %+v", result)
	}
}

func TestLegacyPullWithoutBridge(t *testing.T) {
	stack := newTestStack(t)
	rec := stack.do(t, http.MethodPost, "/api/orders/legacy/pull", map[string]bool{"dry_run": true})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("pull without bridge = %d, want 400", rec.Code)
	}
}

func TestEventStreamReplay(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.router)
	defer server.Close()

	stack.hub.Publish("order_ingested", "ord-1", nil)
	stack.hub.Publish("review_upsert", "ord-2", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/orders/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) >= 3 {
			break
		}
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "id: 2") || !strings.Contains(joined, "event: review_upsert") {
		t.Errorf("replay = %q, want only the event after cursor 1", joined)
	}
	if strings.Contains(joined, fmt.Sprintf("id: %d", 1)) {
		t.Errorf("replay included event before cursor: %q", joined)
	}
}

func TestEventStreamReplayThenLiveWithoutDuplicates(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.router)
	defer server.Close()

	stack.hub.Publish("order_ingested", "ord-1", nil)
	stack.hub.Publish("review_upsert", "ord-2", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/orders/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	// Publish a live event once the stream is open; the subscriber channel
	// must carry it exactly once alongside the replayed frame.
	stack.hub.Publish("review_decision", "ord-3", nil)

	scanner := bufio.NewScanner(resp.Body)
	var idLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			idLines = append(idLines, line)
		}
		if strings.Contains(line, "event: review_decision") {
			break
		}
	}

	counts := map[string]int{}
	for _, line := range idLines {
		counts[line]++
	}
	if counts["id: 1"] != 0 {
		t.Errorf("event before cursor delivered: %v", idLines)
	}
	if counts["id: 2"] != 1 {
		t.Errorf("replayed frame delivered %d times: %v", counts["id: 2"], idLines)
	}
	if counts["id: 3"] != 1 {
		t.Errorf("live frame delivered %d times: %v", counts["id: 3"], idLines)
	}
}
