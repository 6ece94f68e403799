package llm

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/internal/pipeline"
	"github.com/orderdesk/posgate/pkg/models"
)

//go:embed prompt.md
var promptTemplate string

const maxAttempts = 2

const (
	// Fallback reasons recorded in structured-result metadata.
	FallbackClientMissing = "llm_client_missing"
	FallbackTimeout       = "llm_timeout"
	FallbackAPIError      = "llm_api_error"
	FallbackJSONParse     = "llm_json_parse_error"

	defaultItemConfidence  = 0.65
	defaultGroupConfidence = 0.7
)

type promptCandidate struct {
	ItemID string  `json:"item_id"`
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
}

type promptLine struct {
	LineIndex  int               `json:"line_index"`
	NameRaw    string            `json:"name_raw"`
	Qty        int               `json:"qty"`
	NoteRaw    *string           `json:"note_raw"`
	Candidates []promptCandidate `json:"candidates"`
}

func buildPrompt(orderRaw *models.OrderRawParsed, candidates models.CandidatesByLine, allowedMods []string, hints []pipeline.GroupHint) string {
	lines := make([]promptLine, 0, len(orderRaw.Lines))
	seenIDs := map[string]int{}
	for _, line := range orderRaw.Lines {
		entry := promptLine{
			LineIndex:  line.LineIndex,
			NameRaw:    line.NameRaw,
			Qty:        line.Qty,
			NoteRaw:    line.NoteRaw,
			Candidates: []promptCandidate{},
		}
		for _, candidate := range candidates[line.LineIndex] {
			if candidate.CandidateCode == nil {
				continue
			}
			// Catalogs occasionally repeat item ids across entries; suffix
			// later occurrences so the model can't conflate them.
			id := *candidate.CandidateCode
			seenIDs[id]++
			if n := seenIDs[id]; n > 1 {
				id = fmt.Sprintf("%s#%d", id, n)
			}
			score := 0.0
			if candidate.ConfidenceItem != nil {
				score = *candidate.ConfidenceItem
			}
			entry.Candidates = append(entry.Candidates, promptCandidate{
				ItemID: id,
				Name:   candidate.CandidateName,
				Score:  score,
			})
		}
		lines = append(lines, entry)
	}

	if allowedMods == nil {
		allowedMods = []string{}
	}
	if hints == nil {
		hints = []pipeline.GroupHint{}
	}
	modsJSON, _ := json.Marshal(allowedMods)
	linesJSON, _ := json.MarshalIndent(lines, "", "  ")
	hintsJSON, _ := json.Marshal(hints)

	prompt := strings.ReplaceAll(promptTemplate, "{{ALLOWED_MODS_JSON}}", string(modsJSON))
	prompt = strings.ReplaceAll(prompt, "{{ORDER_LINES_JSON}}", string(linesJSON))
	prompt = strings.ReplaceAll(prompt, "{{STEP1_HINTS_JSON}}", string(hintsJSON))
	return prompt
}

type rawStructured struct {
	Items  []map[string]any `json:"items"`
	Groups []map[string]any `json:"groups"`
}

// parseStructuredJSON decodes the model reply, salvaging the outermost JSON
// object when the model wrapped it in prose.
func parseStructuredJSON(text string) (*rawStructured, error) {
	var parsed rawStructured
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		return &parsed, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("reply contains no JSON object")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &parsed, nil
}

// NormalizeAndGroup runs the model step: prompt, up to one retry, sanitize.
// On any failure it degrades to the rule fallback, recording the reason and
// the attempt count.
func NormalizeAndGroup(ctx context.Context, orderRaw *models.OrderRawParsed, candidates models.CandidatesByLine, allowedMods []string, client Client) *models.StructuredResult {
	hints := pipeline.BuildGroupHints(orderRaw)

	if client == nil {
		return fallbackResult(orderRaw, candidates, allowedMods, FallbackClientMissing, 0, hints)
	}

	prompt := buildPrompt(orderRaw, candidates, allowedMods, hints)
	var auditEvents []models.AuditEvent
	var parsed *rawStructured
	attempts := 0
	reason := ""

	for attempts < maxAttempts {
		attempts++
		reply, err := client.Complete(ctx, prompt)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				reason = FallbackTimeout
			} else {
				reason = FallbackAPIError
			}
			log.Warn().Err(err).Int("attempt", attempts).Msg("llm completion failed")
			// Transport failures fall back immediately; the retry budget
			// covers invalid-JSON replies only.
			break
		}
		result, err := parseStructuredJSON(reply)
		if err != nil {
			reason = FallbackJSONParse
			log.Warn().Err(err).Int("attempt", attempts).Msg("llm reply was not valid JSON")
			auditEvents = append(auditEvents, models.AuditEvent{
				EventType: "llm_json_parse_retry",
				Message:   "Model reply was not valid JSON; retrying once",
				Metadata:  models.Metadata{"attempt": attempts},
				Version:   models.ContractVersion,
			})
			prompt += "\n\nYour previous reply was not valid JSON. Return only the JSON object."
			continue
		}
		parsed = result
		reason = ""
		break
	}

	if parsed == nil {
		result := fallbackResult(orderRaw, candidates, allowedMods, reason, attempts, hints)
		result.AuditEvents = append(auditEvents, result.AuditEvents...)
		return result
	}

	items, itemEvents := sanitizeItems(parsed.Items, allowedMods)
	groups, groupEvents := sanitizeGroups(parsed.Groups)
	auditEvents = append(auditEvents, itemEvents...)
	auditEvents = append(auditEvents, groupEvents...)

	reviewItems, reviewGroups := 0, 0
	for _, item := range items {
		if item.NeedsReview {
			reviewItems++
		}
	}
	for _, group := range groups {
		if group.NeedsReview {
			reviewGroups++
		}
	}

	return &models.StructuredResult{
		Items:       items,
		Groups:      groups,
		AuditEvents: auditEvents,
		Metadata: models.Metadata{
			"llm_attempts":     attempts,
			"fallback_reason":  nil,
			"step1_hint_count": len(hints),
			"review_queue": models.Metadata{
				"needs_review_items":  reviewItems,
				"needs_review_groups": reviewGroups,
			},
		},
		Version: models.ContractVersion,
	}
}

func fallbackResult(orderRaw *models.OrderRawParsed, candidates models.CandidatesByLine, allowedMods []string, reason string, attempts int, hints []pipeline.GroupHint) *models.StructuredResult {
	result := pipeline.RuleFallback(orderRaw, candidates, allowedMods, reason)
	result.Metadata["llm_attempts"] = attempts
	result.Metadata["step1_hint_count"] = len(hints)
	return result
}

func sanitizeItems(rawItems []map[string]any, allowedMods []string) ([]models.NormalizedItem, []models.AuditEvent) {
	allowed := map[string]bool{}
	for _, mod := range allowedMods {
		allowed[mod] = true
	}

	var events []models.AuditEvent
	items := make([]models.NormalizedItem, 0, len(rawItems))
	for _, raw := range rawItems {
		lineIndex, ok := asInt(raw["line_index"])
		if !ok {
			events = append(events, models.AuditEvent{
				EventType: "llm_item_discarded",
				Message:   "Structured item has no usable line_index",
				Metadata:  models.Metadata{"raw": raw},
				Version:   models.ContractVersion,
			})
			continue
		}

		qty, _ := asInt(raw["qty"])
		confidenceItem := asConfidence(raw["confidence_item"], defaultItemConfidence)
		confidenceMods := asConfidence(raw["confidence_mods"], defaultItemConfidence)
		needsReview, _ := asBool(raw["needs_review"])

		var itemCode *string
		if code, ok := asString(raw["item_code"]); ok && code != "" {
			// Strip the collision suffix added in the prompt context.
			if cut := strings.Index(code, "#"); cut > 0 {
				code = code[:cut]
			}
			itemCode = models.Ptr(code)
		}

		mods, modEvents := sanitizeMods(raw["mods"], allowed, lineIndex)
		events = append(events, modEvents...)

		name, _ := asString(raw["name_normalized"])
		items = append(items, models.NormalizedItem{
			LineIndex:      lineIndex,
			Qty:            qty,
			NameNormalized: name,
			ItemCode:       itemCode,
			Mods:           mods,
			ConfidenceItem: confidenceItem,
			ConfidenceMods: confidenceMods,
			NeedsReview:    needsReview,
			Metadata:       models.Metadata{"source": "llm"},
			Version:        models.ContractVersion,
		})
	}
	return items, events
}

func sanitizeMods(raw any, allowed map[string]bool, lineIndex int) ([]models.Mod, []models.AuditEvent) {
	list, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	var events []models.AuditEvent
	var mods []models.Mod
	seen := map[string]bool{}
	for _, entry := range list {
		var modRaw, modName string
		var confidence *float64
		switch value := entry.(type) {
		case string:
			modRaw = strings.TrimSpace(value)
			modName = modRaw
		case map[string]any:
			modRaw, _ = asString(value["mod_raw"])
			modName, _ = asString(value["mod_name"])
			modRaw = strings.TrimSpace(modRaw)
			if modName == "" {
				modName = modRaw
			}
			confidence = asConfidence(value["confidence"], 0)
		default:
			continue
		}
		if modRaw == "" || seen[modRaw] {
			continue
		}
		seen[modRaw] = true

		metadata := models.Metadata{"source": "llm"}
		if len(allowed) > 0 && !allowed[modRaw] && !allowed[modName] {
			// Unlisted mods are kept; the operator sees them in review.
			metadata["beyond_reference"] = true
			events = append(events, models.AuditEvent{
				EventType: "mods_beyond_reference",
				Message:   "Model returned a mod outside the allowed list; kept as-is",
				LineIndex: models.Ptr(lineIndex),
				Metadata:  models.Metadata{"mod_raw": modRaw},
				Version:   models.ContractVersion,
			})
		}
		mods = append(mods, models.Mod{
			ModRaw:     modRaw,
			ModName:    models.Ptr(modName),
			Confidence: confidence,
			Metadata:   metadata,
			Version:    models.ContractVersion,
		})
	}
	return mods, events
}

func sanitizeGroups(rawGroups []map[string]any) ([]models.GroupResult, []models.AuditEvent) {
	var events []models.AuditEvent
	groups := make([]models.GroupResult, 0, len(rawGroups))
	seen := map[string]bool{}

	for i, raw := range rawGroups {
		indices := asIntSlice(raw["line_indices"])
		if len(indices) < 2 {
			events = append(events, models.AuditEvent{
				EventType: "llm_group_discarded",
				Message:   "Structured group has fewer than 2 line_indices",
				Metadata:  models.Metadata{"raw": raw},
				Version:   models.ContractVersion,
			})
			continue
		}
		groupType, _ := asString(raw["type"])
		needsReview, _ := asBool(raw["needs_review"])
		if !models.GroupTypes[groupType] {
			groupType = models.GroupOther
			needsReview = true
		}

		sorted := append([]int(nil), indices...)
		sort.Ints(sorted)
		signature := fmt.Sprintf("%s|%v", groupType, sorted)
		if seen[signature] {
			continue
		}
		seen[signature] = true

		groupID, _ := asString(raw["group_id"])
		if groupID == "" {
			groupID = fmt.Sprintf("G%d", i+1)
		}
		label, _ := asString(raw["label"])
		if label == "" {
			label = "group"
		}
		groups = append(groups, models.GroupResult{
			GroupID:         groupID,
			Type:            groupType,
			Label:           label,
			LineIndices:     indices,
			ConfidenceGroup: asConfidence(raw["confidence_group"], defaultGroupConfidence),
			NeedsReview:     needsReview,
			Metadata:        models.Metadata{"source": "llm"},
			Version:         models.ContractVersion,
		})
	}
	return groups, events
}

// ── loose JSON coercion ──────────────────────────────────────

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// asConfidence coerces to [0,1], folding 0..100 scales, with a default for
// anything unusable. A zero fallback means "no confidence" (nil).
func asConfidence(value any, fallback float64) *float64 {
	parsed, ok := asFloat(value)
	if !ok || parsed < 0 || parsed > 100 {
		if fallback <= 0 {
			return nil
		}
		return models.Ptr(fallback)
	}
	if parsed > 1 {
		parsed /= 100
	}
	return models.Ptr(parsed)
}

func asBool(value any) (bool, bool) {
	if v, ok := value.(bool); ok {
		return v, true
	}
	return false, false
}

func asString(value any) (string, bool) {
	if v, ok := value.(string); ok {
		return strings.TrimSpace(v), true
	}
	return "", false
}

func asIntSlice(value any) []int {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var out []int
	for _, entry := range list {
		if parsed, ok := asInt(entry); ok {
			out = append(out, parsed)
		}
	}
	return out
}
