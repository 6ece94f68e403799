// Package handlers implements the HTTP handlers for the POS ingest gateway.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/audit"
	"github.com/orderdesk/posgate/internal/config"
	"github.com/orderdesk/posgate/internal/events"
	"github.com/orderdesk/posgate/internal/fixtures"
	"github.com/orderdesk/posgate/internal/ingest"
	"github.com/orderdesk/posgate/internal/legacy"
	"github.com/orderdesk/posgate/internal/llm"
	"github.com/orderdesk/posgate/internal/review"
	"github.com/orderdesk/posgate/internal/storeconfig"
	"github.com/orderdesk/posgate/pkg/contracts"
	"github.com/orderdesk/posgate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Cfg     *config.Config
	Ingest  *ingest.Service
	Reviews *review.Store
	Audit   *audit.Logger
	Stores  *storeconfig.Store
	Hub     *events.Hub
	Legacy  *legacy.Poller
}

// New creates a Handlers instance with all dependencies. Legacy may be nil
// when the bridge is not configured.
func New(cfg *config.Config, svc *ingest.Service, reviews *review.Store, auditLog *audit.Logger, stores *storeconfig.Store, hub *events.Hub, poller *legacy.Poller) *Handlers {
	return &Handlers{
		Cfg:     cfg,
		Ingest:  svc,
		Reviews: reviews,
		Audit:   auditLog,
		Stores:  stores,
		Hub:     hub,
		Legacy:  poller,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondValidation is the 400 shape: details lists the offending field paths.
func respondValidation(w http.ResponseWriter, details []string) {
	respondJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation failed",
		"details": details,
	})
}

func queryInt(r *http.Request, key, fallbackKey string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" && fallbackKey != "" {
		raw = r.URL.Query().Get(fallbackKey)
	}
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// ── Ingest ───────────────────────────────────────────────────

func (h *Handlers) IngestPOSText(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, []string{"body: invalid JSON"})
		return
	}
	h.runIngest(w, r, &req)
}

// IngestPOSTextForStore forces store_id from the URL path.
func (h *Handlers) IngestPOSTextForStore(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, []string{"body: invalid JSON"})
		return
	}
	req.StoreID = chi.URLParam(r, "storeId")
	h.runIngest(w, r, &req)
}

func (h *Handlers) runIngest(w http.ResponseWriter, r *http.Request, req *models.IngestRequest) {
	if problems := contracts.ValidateIngestRequest(req); len(problems) > 0 {
		respondValidation(w, problems)
		return
	}
	resp, err := h.Ingest.IngestPOSText(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("store_id", req.StoreID).Msg("ingest failed")
		respondError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Review queue ─────────────────────────────────────────────

func (h *Handlers) ListReview(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", "", 1)
	pageSize := queryInt(r, "page_size", "pageSize", 20)
	respondJSON(w, http.StatusOK, h.Reviews.List(page, pageSize))
}

func (h *Handlers) ReviewDetails(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", "", 1)
	pageSize := queryInt(r, "page_size", "pageSize", 20)
	respondJSON(w, http.StatusOK, h.Reviews.ListDetails(page, pageSize))
}

func (h *Handlers) GetReview(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	record, ok := h.Reviews.Get(orderID)
	if !ok {
		respondError(w, http.StatusNotFound, review.ErrOrderNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (h *Handlers) DeleteReview(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	deleted, err := h.Reviews.Delete(orderID)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("review delete failed")
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, review.ErrOrderNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "order_id": orderID})
}

func (h *Handlers) ReviewDecision(w http.ResponseWriter, r *http.Request) {
	var req models.ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, []string{"body: invalid JSON"})
		return
	}
	if problems := contracts.ValidateReviewRequest(&req); len(problems) > 0 {
		respondValidation(w, problems)
		return
	}

	resp, err := h.Reviews.ApplyDecision(&req)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, resp)
	case errors.Is(err, review.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, review.ErrOrderNotFound.Error())
	case errors.Is(err, review.ErrInvalidPatchedOrderID), errors.Is(err, review.ErrInvalidDecision):
		respondValidation(w, []string{err.Error()})
	default:
		log.Error().Err(err).Str("order_id", req.OrderID).Msg("review decision failed")
		respondError(w, http.StatusInternalServerError, "decision failed")
	}
}

func (h *Handlers) ClearTestData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, []string{"body: invalid JSON"})
		return
	}

	var predicate func(models.ReviewRecord) bool
	switch req.Scope {
	case "", "test_only":
		predicate = review.IsTestData
	case "all":
		predicate = func(models.ReviewRecord) bool { return true }
	default:
		respondValidation(w, []string{fmt.Sprintf("scope: unknown value %q", req.Scope)})
		return
	}

	deleted, remaining, err := h.Reviews.Clear(predicate)
	if err != nil {
		log.Error().Err(err).Msg("clear test data failed")
		respondError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"deleted_count":   deleted,
		"remaining_count": remaining,
	})
}

// ── Store configuration ──────────────────────────────────────

func storeIDFromQuery(r *http.Request) string {
	if id := r.URL.Query().Get("store_id"); id != "" {
		return id
	}
	return "default"
}

func (h *Handlers) GetPipelineConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Stores.GetConfig(storeIDFromQuery(r))
	if err != nil {
		respondValidation(w, []string{"store_id: " + err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) PutPipelineConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoreID     string   `json:"store_id"`
		MenuCatalog any      `json:"menu_catalog"`
		AllowedMods []string `json:"allowed_mods"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondValidation(w, []string{"body: invalid JSON"})
		return
	}
	if req.StoreID == "" {
		req.StoreID = "default"
	}

	cfg, err := h.Stores.UpdateConfig(req.StoreID, req.MenuCatalog, req.AllowedMods)
	if err != nil {
		respondValidation(w, []string{err.Error()})
		return
	}
	log.Info().Str("store_id", cfg.StoreID).
		Str("menu_catalog_version", cfg.MenuCatalogVersion).
		Msg("pipeline config updated")
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) GetLLMConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Stores.GetLLMConfig(storeIDFromQuery(r))
	if err != nil {
		respondValidation(w, []string{"store_id: " + err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) PutLLMConfig(w http.ResponseWriter, r *http.Request) {
	patch := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondValidation(w, []string{"body: invalid JSON"})
		return
	}
	storeID := "default"
	if id, ok := patch["store_id"].(string); ok && id != "" {
		storeID = id
	}
	delete(patch, "store_id")

	cfg, err := h.Stores.UpdateLLMConfig(storeID, patch)
	if err != nil {
		respondValidation(w, []string{err.Error()})
		return
	}
	log.Info().Str("store_id", storeID).Msg("llm config updated")
	respondJSON(w, http.StatusOK, cfg)
}

// ── Engine status ────────────────────────────────────────────

func (h *Handlers) EngineStatus(w http.ResponseWriter, r *http.Request) {
	storeID := storeIDFromQuery(r)
	cfg, err := h.Stores.GetConfig(storeID)
	if err != nil {
		respondValidation(w, []string{"store_id: " + err.Error()})
		return
	}
	apiKey, _ := h.Stores.APIKey(storeID)
	runtime := llm.BuildRuntime(cfg.LLMConfig, apiKey, h.Cfg.LLM.BaseURL)

	status := map[string]any{
		"store_id": cfg.StoreID,
		"engine": map[string]any{
			"enabled":   runtime.Enabled,
			"reason":    runtime.Reason,
			"provider":  cfg.LLMConfig.Provider,
			"model":     runtime.Model,
			"timeout_s": runtime.TimeoutS,
		},
		"store": map[string]any{
			"menu_catalog_version": cfg.MenuCatalogVersion,
			"allowed_mods_version": cfg.AllowedModsVersion,
			"llm_config_version":   cfg.LLMConfigVersion,
			"menu_item_count":      len(cfg.MenuCatalog),
			"allowed_mods_count":   len(cfg.AllowedMods),
		},
		"queue": h.Reviews.Summary(),
	}
	if h.Legacy != nil {
		status["legacy_bridge"] = h.Legacy.Status()
	}
	respondJSON(w, http.StatusOK, status)
}

// ── Fixtures & test suite ────────────────────────────────────

func (h *Handlers) ListFixtures(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"fixtures": fixtures.List()})
}

func (h *Handlers) RunTestSuite(w http.ResponseWriter, r *http.Request) {
	var opts fixtures.SuiteOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		respondValidation(w, []string{"body: invalid JSON"})
		return
	}
	result := fixtures.RunSuite(r.Context(), h.Ingest.IngestPOSText, opts)
	log.Info().Int("total", result.Total).Int("failed", result.Failed).Msg("fixture suite finished")
	respondJSON(w, http.StatusOK, result)
}

// ── Legacy bridge ────────────────────────────────────────────

func (h *Handlers) LegacyPull(w http.ResponseWriter, r *http.Request) {
	if h.Legacy == nil {
		respondValidation(w, []string{"legacy bridge is not configured"})
		return
	}
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondValidation(w, []string{"body: invalid JSON"})
			return
		}
	}
	summary, err := h.Legacy.PullOnce(r.Context(), req.DryRun)
	if err != nil {
		log.Warn().Err(err).Msg("manual legacy pull failed")
		respondJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error(), "summary": summary})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": summary})
}

// ── SSE stream ───────────────────────────────────────────────

const ssePingInterval = 15 * time.Second

// StreamEvents serves the order event stream. Last-Event-ID replays buffered
// events with id > cursor before going live.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var cursor int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cursor = parsed
		}
	}

	// Subscribe before replaying so nothing published in between is lost;
	// events landing in both the replay and the channel dedupe on ID.
	subID, ch := h.Hub.Subscribe()
	defer h.Hub.Unsubscribe(subID)

	lastSent := cursor
	for _, event := range h.Hub.ListSince(cursor) {
		writeSSE(w, event)
		lastSent = event.ID
	}
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			if event.ID <= lastSent {
				continue
			}
			writeSSE(w, event)
			lastSent = event.ID
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, ":ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event events.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
}
