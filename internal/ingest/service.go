// Package ingest orchestrates one receipt's journey: resolve store config,
// run the parse/candidates/normalize/merge pipeline under a total deadline,
// classify for dispatch, persist to the review store, and leave an audit
// trail.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/audit"
	"github.com/orderdesk/posgate/internal/cache"
	"github.com/orderdesk/posgate/internal/config"
	"github.com/orderdesk/posgate/internal/dispatch"
	"github.com/orderdesk/posgate/internal/events"
	"github.com/orderdesk/posgate/internal/llm"
	"github.com/orderdesk/posgate/internal/pipeline"
	"github.com/orderdesk/posgate/internal/review"
	"github.com/orderdesk/posgate/internal/storeconfig"
	"github.com/orderdesk/posgate/pkg/contracts"
	"github.com/orderdesk/posgate/pkg/models"
)

// RuntimeBuilder resolves the LLM gate for a store. Swappable in tests.
type RuntimeBuilder func(cfg models.LLMConfig, apiKey, baseURL string) llm.Runtime

// Service wires the pipeline to its collaborators.
type Service struct {
	cfg     *config.Config
	stores  *storeconfig.Store
	audit   *audit.Logger
	reviews *review.Store
	cache   *cache.Cache
	hub     *events.Hub

	buildRuntime RuntimeBuilder
}

// Option configures a Service.
type Option func(*Service)

// WithRuntimeBuilder overrides LLM runtime construction (tests).
func WithRuntimeBuilder(builder RuntimeBuilder) Option {
	return func(s *Service) { s.buildRuntime = builder }
}

// New constructs the ingest service.
func New(cfg *config.Config, stores *storeconfig.Store, auditLog *audit.Logger, reviews *review.Store, pipelineCache *cache.Cache, hub *events.Hub, opts ...Option) *Service {
	s := &Service{
		cfg:          cfg,
		stores:       stores,
		audit:        auditLog,
		reviews:      reviews,
		cache:        pipelineCache,
		hub:          hub,
		buildRuntime: llm.BuildRuntime,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// resolvedConfig is the effective per-request configuration.
type resolvedConfig struct {
	storeID            string
	menuCatalog        []models.MenuItem
	allowedMods        []string
	menuCatalogVersion string
	allowedModsVersion string
	llm                models.LLMConfig
	apiKey             string
	inline             bool
	configError        string
}

func (s *Service) resolveConfig(req *models.IngestRequest) resolvedConfig {
	storeID := req.StoreID
	if storeID == "" {
		if fromMeta, ok := req.Metadata["store_id"].(string); ok {
			storeID = fromMeta
		}
	}
	resolved := resolvedConfig{storeID: storeconfig.NormalizeStoreID(storeID)}

	stored, err := s.stores.GetConfig(resolved.storeID)
	if err != nil {
		// Config read failures degrade to defaults; the order still ingests.
		resolved.configError = err.Error()
		resolved.llm = models.LLMConfig{
			Provider: s.cfg.LLM.Provider,
			Model:    s.cfg.LLM.Model,
			TimeoutS: s.cfg.LLM.TimeoutS,
			Enabled:  s.cfg.LLM.Enabled,
		}
		resolved.apiKey = s.cfg.LLM.APIKey
	} else {
		resolved.menuCatalog = stored.MenuCatalog
		resolved.allowedMods = stored.AllowedMods
		resolved.menuCatalogVersion = stored.MenuCatalogVersion
		resolved.allowedModsVersion = stored.AllowedModsVersion
		resolved.llm = stored.LLMConfig
		if key, err := s.stores.APIKey(resolved.storeID); err == nil {
			resolved.apiKey = key
		}
	}

	if req.MenuCatalog != nil {
		if catalog, err := storeconfig.ParseMenuCatalog(req.MenuCatalog); err == nil {
			resolved.menuCatalog = catalog
			resolved.menuCatalogVersion = "inline"
			resolved.inline = true
		} else if resolved.configError == "" {
			resolved.configError = fmt.Sprintf("inline menu_catalog rejected: %v", err)
		}
	}
	if req.AllowedMods != nil {
		resolved.allowedMods = storeconfig.NormalizeMods(req.AllowedMods)
		resolved.allowedModsVersion = "inline"
		resolved.inline = true
	}
	return resolved
}

// IngestPOSText runs one receipt through the full pipeline.
func (s *Service) IngestPOSText(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
	sourceText := req.SourceText
	if sourceText == "" {
		sourceText = req.Text
	}

	orderID := ""
	if req.OrderID != nil {
		orderID = strings.TrimSpace(*req.OrderID)
	}
	if orderID == "" {
		orderID = "ord-" + uuid.NewString()
	}
	traceID := req.AuditTraceID
	if traceID == "" {
		traceID = "trace-" + uuid.NewString()
	}

	resolved := s.resolveConfig(req)
	runtime := s.buildRuntime(resolved.llm, resolved.apiKey, s.cfg.LLM.BaseURL)

	// Total deadline covers client warmup on top of the configured timeout.
	total := s.cfg.Pipeline.TotalTimeout
	if llmBudget := time.Duration(runtime.TimeoutS*float64(time.Second)) + 5*time.Second; llmBudget > total {
		total = llmBudget
	}
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	parsed := pipeline.ParseReceiptText(sourceText)
	parsed.OrderID = models.Ptr(orderID)

	candidates := s.generateCandidates(parsed.Lines, resolved)
	s.warmNoteModsCache(parsed.Lines, resolved)

	var structured *models.StructuredResult
	switch {
	case req.Simulate != nil && req.Simulate.LLMTimeout:
		structured = pipeline.RuleFallback(parsed, candidates, resolved.allowedMods, llm.FallbackTimeout)
	case !runtime.Enabled:
		structured = pipeline.RuleFallback(parsed, candidates, resolved.allowedMods, runtime.Reason)
	default:
		structured = llm.NormalizeAndGroup(ctx, parsed, candidates, resolved.allowedMods, runtime.Client)
	}

	order := pipeline.MergeAndValidate(parsed, candidates, structured, pipeline.MergeOptions{
		MenuCatalog: resolved.menuCatalog,
		AllowedMods: resolved.allowedMods,
	})
	order.OrderID = models.Ptr(orderID)

	fallbackReason, _ := structured.Metadata["fallback_reason"].(string)
	attempts, _ := structured.Metadata["llm_attempts"].(int)
	engine := "llm_pipeline"
	if fallbackReason != "" {
		engine = "rule_fallback"
	}
	order.Metadata["ingest_engine"] = engine
	order.Metadata["llm_attempted"] = attempts > 0
	order.Metadata["llm_used"] = attempts > 0 && fallbackReason == ""
	if fallbackReason != "" {
		order.Metadata["fallback_reason"] = fallbackReason
	}
	order.Metadata["store_id"] = resolved.storeID
	order.Metadata["menu_catalog_version"] = resolved.menuCatalogVersion
	order.Metadata["allowed_mods_version"] = resolved.allowedModsVersion
	if resolved.configError != "" {
		order.Metadata["config_error"] = resolved.configError
	}
	for key, value := range req.Metadata {
		if _, taken := order.Metadata[key]; !taken {
			order.Metadata[key] = value
		}
	}

	verdict := dispatch.Classify(order)
	status := models.StatusPendingReview
	if verdict.Route == models.RouteAutoDispatch {
		status = models.StatusDispatchReady
	}

	payload := models.OrderPayload{
		Order:             *order,
		ReviewSummary:     models.BuildReviewSummary(order),
		ReviewQueueStatus: status,
		AuditTraceID:      traceID,
		Metadata: models.Metadata{
			"store_id":      resolved.storeID,
			"ingest_engine": engine,
			"inline_config": resolved.inline,
		},
		Version: models.ContractVersion,
	}
	if source, ok := req.Metadata["source"]; ok {
		payload.Metadata["source"] = source
	}

	if problems := contracts.ValidateOrderPayload(&payload); len(problems) > 0 {
		return nil, fmt.Errorf("order payload failed validation: %s", strings.Join(problems, "; "))
	}

	if _, err := s.reviews.Upsert(payload); err != nil {
		return nil, fmt.Errorf("persist review record: %w", err)
	}

	s.writeAuditTrail(orderID, traceID, sourceText, parsed, candidates, order, fallbackReason, verdict, resolved)

	if s.hub != nil {
		s.hub.Publish("order_ingested", orderID, models.Metadata{
			"store_id":            resolved.storeID,
			"review_queue_status": status,
			"route":               verdict.Route,
		})
	}

	log.Info().
		Str("order_id", orderID).
		Str("store_id", resolved.storeID).
		Str("engine", engine).
		Str("route", verdict.Route).
		Int("items", len(order.Items)).
		Msg("order ingested")

	return &models.IngestResponse{
		Accepted:     true,
		Version:      models.ContractVersion,
		APIVersion:   models.APIContractVersion,
		OrderPayload: payload,
		Status:       status,
		TraceID:      traceID,
	}, nil
}

// generateCandidates ranks per line, consulting the item-mapping cache keyed
// by raw name and catalog version. Cached values only short-circuit within a
// process lifetime; a restored snapshot misses on type and is recomputed.
func (s *Service) generateCandidates(lines []models.RawLine, resolved resolvedConfig) models.CandidatesByLine {
	byLine := models.CandidatesByLine{}
	for _, line := range lines {
		keyPayload := map[string]any{
			"name_raw":             line.NameRaw,
			"menu_catalog_version": resolved.menuCatalogVersion,
		}
		if s.cache != nil {
			if entry, err := s.cache.Get(cache.ItemMappingCache, keyPayload); err == nil && entry != nil {
				if cached, ok := entry.Value.([]models.CandidateItem); ok {
					byLine[line.LineIndex] = rebindCandidates(cached, line)
					continue
				}
			}
		}
		generated := pipeline.GenerateCandidates([]models.RawLine{line}, resolved.menuCatalog, pipeline.DefaultTopK)
		lineCandidates := generated[line.LineIndex]
		byLine[line.LineIndex] = lineCandidates
		if s.cache != nil && len(lineCandidates) > 0 {
			confidence := 0.0
			if lineCandidates[0].ConfidenceItem != nil {
				confidence = *lineCandidates[0].ConfidenceItem
			}
			if _, err := s.cache.Set(cache.ItemMappingCache, keyPayload, lineCandidates, confidence, nil); err != nil {
				log.Warn().Err(err).Msg("item mapping cache write failed")
			}
		}
	}
	return byLine
}

// rebindCandidates re-targets cached candidates at the current line, since
// the cache key only covers name_raw and catalog version.
func rebindCandidates(cached []models.CandidateItem, line models.RawLine) []models.CandidateItem {
	out := make([]models.CandidateItem, len(cached))
	for i, candidate := range cached {
		candidate.LineIndex = line.LineIndex
		candidate.RawLine = line.RawLine
		candidate.Qty = line.Qty
		candidate.NoteRaw = line.NoteRaw
		candidate.NeedsReview = candidate.NeedsReview || line.NeedsReview
		out[i] = candidate
	}
	return out
}

// warmNoteModsCache precomputes rule mods per note so repeat notes hit the
// cache and leave a trace.
func (s *Service) warmNoteModsCache(lines []models.RawLine, resolved resolvedConfig) {
	if s.cache == nil {
		return
	}
	for _, line := range lines {
		if line.NoteRaw == nil || *line.NoteRaw == "" {
			continue
		}
		keyPayload := map[string]any{
			"note_raw":             *line.NoteRaw,
			"allowed_mods_version": resolved.allowedModsVersion,
		}
		if entry, err := s.cache.Get(cache.NoteModsCache, keyPayload); err == nil && entry != nil {
			continue
		}
		mods := pipeline.RuleModsFromText(*line.NoteRaw, resolved.allowedMods)
		if _, err := s.cache.Set(cache.NoteModsCache, keyPayload, mods, 0.6, nil); err != nil {
			log.Warn().Err(err).Msg("note mods cache write failed")
		}
	}
}

func (s *Service) writeAuditTrail(orderID, traceID, sourceText string, parsed *models.OrderRawParsed, candidates models.CandidatesByLine, order *models.NormalizedOrder, fallbackReason string, verdict models.DispatchDecision, resolved resolvedConfig) {
	if s.audit == nil {
		return
	}
	var reasonPtr *string
	if fallbackReason != "" {
		reasonPtr = models.Ptr(fallbackReason)
	}
	pipelineEvent := &audit.EventRecord{
		OrderID:        orderID,
		EventType:      "ingest_pipeline",
		RawText:        models.Ptr(sourceText),
		ParseResult:    parsed,
		Candidates:     candidates,
		MergeResult:    order,
		FinalOutput:    order,
		FallbackReason: reasonPtr,
		NeedsReview:    order.OverallNeedsReview,
		Metadata: models.Metadata{
			"trace_id":      traceID,
			"store_id":      resolved.storeID,
			"ingest_engine": order.Metadata["ingest_engine"],
		},
	}
	if _, err := s.audit.Write(pipelineEvent); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("ingest audit write failed")
	}

	decisionEvent := &audit.EventRecord{
		OrderID:   orderID,
		EventType: "dispatch_decision",
		Metadata: models.Metadata{
			"trace_id": traceID,
			"route":    verdict.Route,
			"reasons":  verdict.Reasons,
			"source":   verdict.Source,
		},
		NeedsReview: verdict.Route == models.RouteReviewQueue,
	}
	if _, err := s.audit.Write(decisionEvent); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("dispatch audit write failed")
	}
}
