package pipeline

import (
	"fmt"

	"github.com/orderdesk/posgate/pkg/models"
)

const defaultThreshold = 0.85

// MergeOptions parameterize the merge/validate stage. Zero thresholds mean
// the default 0.85.
type MergeOptions struct {
	MenuCatalog    []models.MenuItem
	AllowedMods    []string
	ItemThreshold  float64
	ModsThreshold  float64
	GroupThreshold float64
}

func normalizeThreshold(value float64) float64 {
	if value <= 0 {
		return defaultThreshold
	}
	if value > 1 {
		return 1
	}
	return value
}

// normalizeConfidence maps 0..1 through, folds 0..100 scales down, and
// rejects everything else.
func normalizeConfidence(value *float64) *float64 {
	if value == nil {
		return nil
	}
	v := *value
	if v < 0 {
		return nil
	}
	if v <= 1 {
		return models.Ptr(v)
	}
	if v <= 100 {
		return models.Ptr(v / 100)
	}
	return nil
}

func auditEvent(eventType, message string, lineIndex *int, metadata models.Metadata) models.AuditEvent {
	if metadata == nil {
		metadata = models.Metadata{}
	}
	return models.AuditEvent{
		EventType: eventType,
		Message:   message,
		LineIndex: lineIndex,
		Metadata:  metadata,
		Version:   models.ContractVersion,
	}
}

func catalogIDs(catalog []models.MenuItem, candidates models.CandidatesByLine) map[string]bool {
	ids := map[string]bool{}
	for _, entry := range catalog {
		if entry.ItemID != "" {
			ids[entry.ItemID] = true
		}
	}
	if len(ids) > 0 {
		return ids
	}
	for _, lineCandidates := range candidates {
		for _, candidate := range lineCandidates {
			if candidate.CandidateCode != nil && *candidate.CandidateCode != "" {
				ids[*candidate.CandidateCode] = true
			}
		}
	}
	return ids
}

// collectLLMItems indexes structured items by line, dropping out-of-range
// indices and keeping the first of any duplicates.
func collectLLMItems(items []models.NormalizedItem, validLines map[int]bool, events *[]models.AuditEvent) map[int]*models.NormalizedItem {
	byLine := map[int]*models.NormalizedItem{}
	for i := range items {
		item := &items[i]
		if !validLines[item.LineIndex] {
			*events = append(*events, auditEvent(
				"item_invalid_line_index",
				"Structured item line_index not found in parser lines",
				models.Ptr(item.LineIndex), nil))
			continue
		}
		if _, dup := byLine[item.LineIndex]; dup {
			*events = append(*events, auditEvent(
				"item_duplicate_line_index",
				"Duplicate structured item for the same line_index; first one is kept",
				models.Ptr(item.LineIndex), nil))
			continue
		}
		byLine[item.LineIndex] = item
	}
	return byLine
}

func mergeOneItem(
	line models.RawLine,
	llmItem *models.NormalizedItem,
	lineCandidates []models.CandidateItem,
	validCatalogIDs map[string]bool,
	soldOutIDs map[string]bool,
	allowedMods []string,
	itemThreshold, modsThreshold float64,
	events *[]models.AuditEvent,
) models.NormalizedItem {
	needsReview := line.NeedsReview
	lineIndex := models.Ptr(line.LineIndex)

	var primary *models.CandidateItem
	if len(lineCandidates) > 0 {
		primary = &lineCandidates[0]
	}

	qty := line.Qty
	if llmItem != nil && llmItem.Qty != line.Qty {
		if llmItem.Qty > 0 {
			qty = llmItem.Qty
		} else {
			needsReview = true
			*events = append(*events, auditEvent("qty_invalid",
				"Structured qty must be a positive integer; parsed qty is kept",
				lineIndex, models.Metadata{"qty": llmItem.Qty}))
		}
	}
	if qty <= 0 {
		needsReview = true
		*events = append(*events, auditEvent("qty_invalid",
			"Final qty must be a positive integer", lineIndex, models.Metadata{"qty": qty}))
	}

	var confidenceItem, confidenceMods *float64
	if llmItem != nil {
		confidenceItem = normalizeConfidence(llmItem.ConfidenceItem)
		confidenceMods = normalizeConfidence(llmItem.ConfidenceMods)
	}
	if confidenceItem == nil || *confidenceItem < itemThreshold {
		needsReview = true
		if confidenceItem != nil {
			*events = append(*events, auditEvent("item_below_threshold",
				"Item confidence is below the review threshold",
				lineIndex, models.Metadata{"confidence_item": *confidenceItem, "threshold": itemThreshold}))
		}
	}
	if confidenceMods == nil || *confidenceMods < modsThreshold {
		needsReview = true
	}

	var itemCode *string
	if llmItem != nil && llmItem.ItemCode != nil && *llmItem.ItemCode != "" {
		itemCode = llmItem.ItemCode
	}
	if itemCode != nil && !validCatalogIDs[*itemCode] {
		needsReview = true
		*events = append(*events, auditEvent("item_code_not_in_catalog",
			"Structured item_code not found in menu_catalog; fallback is applied",
			lineIndex, models.Metadata{"item_code": *itemCode}))
		itemCode = nil
	}

	fallbackReason := ""
	var selected *models.CandidateItem
	if itemCode != nil {
		for i := range lineCandidates {
			if lineCandidates[i].CandidateCode != nil && *lineCandidates[i].CandidateCode == *itemCode {
				selected = &lineCandidates[i]
				break
			}
		}
		if selected == nil {
			needsReview = true
			fallbackReason = "item_code_not_in_line_candidates"
			*events = append(*events, auditEvent("item_code_not_in_line_candidates",
				"Structured item_code is not in this line's candidates; fallback is applied when possible",
				lineIndex, models.Metadata{"item_code": *itemCode}))
			itemCode = nil
		}
	}
	if itemCode == nil && primary != nil && primary.CandidateCode != nil && validCatalogIDs[*primary.CandidateCode] {
		primaryScore := 0.0
		if primary.ConfidenceItem != nil {
			primaryScore = *primary.ConfidenceItem
		}
		// Only trust the top candidate when its own score clears the
		// threshold; below that the item ships without a code.
		if primaryScore >= itemThreshold {
			itemCode = primary.CandidateCode
			selected = primary
			needsReview = true
			if fallbackReason == "" {
				fallbackReason = "candidate_fallback"
			}
			if confidenceItem == nil {
				confidenceItem = models.Ptr(primaryScore)
			}
			*events = append(*events, auditEvent("item_fallback_to_candidate",
				"Structured item_code missing or invalid; using top candidate",
				lineIndex, models.Metadata{"item_code": *itemCode, "candidate_score": primaryScore}))
		}
	}

	if itemCode != nil && soldOutIDs[*itemCode] {
		needsReview = true
		*events = append(*events, auditEvent("item_sold_out",
			"Requested item is flagged sold out in the menu catalog",
			lineIndex, models.Metadata{"item_code": *itemCode}))
	}

	nameNormalized := ""
	if llmItem != nil && llmItem.NameNormalized != "" {
		nameNormalized = llmItem.NameNormalized
	}
	if nameNormalized == "" && selected != nil {
		nameNormalized = selected.CandidateName
		if llmItem != nil {
			needsReview = true
			if fallbackReason == "" {
				fallbackReason = "name_from_candidate"
			}
		}
	}
	if nameNormalized == "" {
		nameNormalized = line.NameRaw
		needsReview = true
		if fallbackReason == "" {
			fallbackReason = "name_from_raw"
		}
	}

	mods := mergeMods(line, llmItem, allowedMods, confidenceMods, modsThreshold, &needsReview)

	if llmItem == nil {
		needsReview = true
		if fallbackReason == "" {
			fallbackReason = "llm_item_missing"
		}
		*events = append(*events, auditEvent("llm_item_missing",
			"No structured item for parser line; using fallback fields", lineIndex, nil))
	} else if llmItem.NeedsReview {
		needsReview = true
	}

	var sourceMetadata models.Metadata
	if llmItem != nil {
		sourceMetadata = llmItem.Metadata
	}
	metadata := models.Metadata{}
	for key, value := range sourceMetadata {
		metadata[key] = value
	}
	mergeSource := "fallback"
	if llmItem != nil {
		mergeSource = "llm"
	}
	metadata["merge_source"] = mergeSource
	if fallbackReason != "" {
		metadata["fallback_reason"] = fallbackReason
	} else {
		metadata["fallback_reason"] = nil
	}
	metadata["catalog_valid"] = itemCode != nil && validCatalogIDs[*itemCode]

	var groupID *string
	if llmItem != nil {
		groupID = llmItem.GroupID
	}
	return models.NormalizedItem{
		LineIndex:      line.LineIndex,
		RawLine:        line.RawLine,
		NameRaw:        line.NameRaw,
		Qty:            qty,
		NameNormalized: nameNormalized,
		ItemCode:       itemCode,
		NoteRaw:        line.NoteRaw,
		Mods:           mods,
		GroupID:        groupID,
		ConfidenceItem: confidenceItem,
		ConfidenceMods: confidenceMods,
		NeedsReview:    needsReview,
		Metadata:       metadata,
		Version:        models.ContractVersion,
	}
}

// mergeMods combines structured mods with rule-extracted ones: allowed-list
// containment over the line text plus mod-like clauses split out of the
// note. Deduplicated preserving order, structured mods first.
func mergeMods(
	line models.RawLine,
	llmItem *models.NormalizedItem,
	allowedMods []string,
	confidenceMods *float64,
	modsThreshold float64,
	needsReview *bool,
) []models.Mod {
	var mods []models.Mod
	seen := map[string]bool{}

	if llmItem != nil {
		for _, raw := range llmItem.Mods {
			token := raw.ModRaw
			if token == "" && raw.ModName != nil {
				token = *raw.ModName
			}
			if token == "" || seen[token] {
				if token == "" {
					*needsReview = true
				}
				continue
			}
			seen[token] = true
			confidence := normalizeConfidence(raw.Confidence)
			if confidence == nil {
				confidence = confidenceMods
			}
			lowConfidence := confidence == nil || *confidence < modsThreshold
			mod := raw
			mod.ModRaw = token
			mod.Confidence = confidence
			mod.NeedsReview = raw.NeedsReview || lowConfidence
			if mod.Version == "" {
				mod.Version = models.ContractVersion
			}
			mods = append(mods, mod)
		}
	}

	lineText := line.RawLine
	note := ""
	if line.NoteRaw != nil {
		note = *line.NoteRaw
		lineText += " " + note
	}
	ruleTokens := RuleModsFromText(lineText, allowedMods)
	ruleTokens = append(ruleTokens, noteModClauses(note, allowedMods)...)
	for _, token := range ruleTokens {
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		mods = append(mods, models.Mod{
			ModRaw:      token,
			ModName:     models.Ptr(token),
			Confidence:  models.Ptr(fallbackConfidence),
			NeedsReview: fallbackConfidence < modsThreshold,
			Metadata:    models.Metadata{"source": "rule"},
			Version:     models.ContractVersion,
		})
	}
	return mods
}

// mergeGroups validates structured groups: membership restricted to known
// lines, duplicates dropped, conflicts resolved first-group-wins, at least
// two members required.
func mergeGroups(rawGroups []models.GroupResult, validLines map[int]bool, groupThreshold float64, events *[]models.AuditEvent) []models.GroupResult {
	merged := make([]models.GroupResult, 0, len(rawGroups))
	occupied := map[int]string{}

	for idx, raw := range rawGroups {
		groupID := raw.GroupID
		if groupID == "" {
			groupID = fmt.Sprintf("G%d", idx+1)
		}
		groupType := raw.Type
		typeCoerced := false
		if !models.GroupTypes[groupType] {
			groupType = models.GroupOther
			typeCoerced = true
		}
		label := raw.Label
		if label == "" {
			label = "group"
		}

		seenLocal := map[int]bool{}
		var cleaned []int
		outOfRange, duplicated := false, false
		for _, lineIndex := range raw.LineIndices {
			if !validLines[lineIndex] {
				outOfRange = true
				continue
			}
			if seenLocal[lineIndex] {
				duplicated = true
				continue
			}
			seenLocal[lineIndex] = true
			cleaned = append(cleaned, lineIndex)
		}

		conflict := false
		final := []int{}
		for _, lineIndex := range cleaned {
			if _, taken := occupied[lineIndex]; taken {
				conflict = true
				continue
			}
			occupied[lineIndex] = groupID
			final = append(final, lineIndex)
		}

		confidence := normalizeConfidence(raw.ConfidenceGroup)
		lowConfidence := confidence == nil || *confidence < groupThreshold
		tooFew := len(final) < 2
		needsReview := raw.NeedsReview || outOfRange || duplicated || conflict || tooFew || lowConfidence || typeCoerced

		if outOfRange {
			*events = append(*events, auditEvent("group_line_index_out_of_range",
				"Group contains line_indices outside parser lines", nil,
				models.Metadata{"group_id": groupID, "line_indices": raw.LineIndices}))
		}
		if duplicated {
			*events = append(*events, auditEvent("group_line_index_duplicated",
				"Group line_indices contain duplicates", nil, models.Metadata{"group_id": groupID}))
		}
		if conflict {
			*events = append(*events, auditEvent("group_line_conflict",
				"Group conflicts with a previous group; conflicting lines removed (first group wins)",
				nil, models.Metadata{"group_id": groupID}))
		}
		if tooFew {
			*events = append(*events, auditEvent("group_rejected",
				"Group must contain at least 2 valid line_indices",
				nil, models.Metadata{"group_id": groupID, "line_indices": final}))
			continue
		}

		metadata := models.Metadata{
			"source":                "llm",
			"group_membership_rule": "single_group_per_line_first_wins",
		}
		for key, value := range raw.Metadata {
			metadata[key] = value
		}
		version := raw.Version
		if version == "" {
			version = models.ContractVersion
		}
		merged = append(merged, models.GroupResult{
			GroupID:         groupID,
			Type:            groupType,
			Label:           label,
			LineIndices:     final,
			ConfidenceGroup: confidence,
			NeedsReview:     needsReview,
			Metadata:        metadata,
			Version:         version,
		})
	}
	return merged
}

func buildDispatchDecision(orderRaw *models.OrderRawParsed, items []models.NormalizedItem, groups []models.GroupResult, overallNeedsReview bool) models.Metadata {
	var reasons []string
	if orderRaw.NeedsReview {
		reasons = append(reasons, "order_raw_needs_review")
	}
	itemReview, missingCode, invalidQty := false, false, false
	for _, item := range items {
		if item.NeedsReview {
			itemReview = true
		}
		if item.ItemCode == nil {
			missingCode = true
		}
		if item.Qty <= 0 {
			invalidQty = true
		}
	}
	if itemReview {
		reasons = append(reasons, "item_needs_review")
	}
	for _, group := range groups {
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

	shouldReview := overallNeedsReview || len(reasons) > 0
	route := models.RouteAutoDispatch
	if shouldReview {
		route = models.RouteReviewQueue
	}
	if reasons == nil {
		reasons = []string{}
	}
	return models.Metadata{
		"route":                route,
		"should_auto_dispatch": !shouldReview,
		"reasons":              reasons,
	}
}

// MergeAndValidate folds the parsed lines, candidate sets, and structured
// (LLM or rule-fallback) result into one validated NormalizedOrder.
func MergeAndValidate(orderRaw *models.OrderRawParsed, candidates models.CandidatesByLine, structured *models.StructuredResult, opts MergeOptions) *models.NormalizedOrder {
	itemThreshold := normalizeThreshold(opts.ItemThreshold)
	modsThreshold := normalizeThreshold(opts.ModsThreshold)
	groupThreshold := normalizeThreshold(opts.GroupThreshold)

	lines := append([]models.RawLine(nil), orderRaw.Lines...)
	validLines := make(map[int]bool, len(lines))
	for _, line := range lines {
		validLines[line.LineIndex] = true
	}
	validCatalogIDs := catalogIDs(opts.MenuCatalog, candidates)
	soldOutIDs := map[string]bool{}
	for _, entry := range opts.MenuCatalog {
		if entry.SoldOut {
			soldOutIDs[entry.ItemID] = true
		}
	}

	if structured == nil {
		structured = &models.StructuredResult{Metadata: models.Metadata{}}
	}
	events := append([]models.AuditEvent(nil), structured.AuditEvents...)
	for i := range events {
		if events[i].EventType == "" {
			events[i].EventType = "merge_validate_info"
		}
		if events[i].Message == "" {
			events[i].Message = "merge_validate_event"
		}
	}

	structuredFallback, _ := structured.Metadata["fallback_reason"].(string)
	if structuredFallback != "" {
		events = append(events, auditEvent("llm_fallback",
			"Structured stage fell back to rules", nil,
			models.Metadata{"fallback_reason": structuredFallback}))
	}
	if len(lines) == 0 && !hasEventType(events, "no_items_detected") {
		events = append(events, auditEvent("no_items_detected",
			"No order lines were parsed from the source text", nil, nil))
	}

	llmItemsByLine := collectLLMItems(structured.Items, validLines, &events)

	items := make([]models.NormalizedItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, mergeOneItem(
			line,
			llmItemsByLine[line.LineIndex],
			candidates[line.LineIndex],
			validCatalogIDs,
			soldOutIDs,
			opts.AllowedMods,
			itemThreshold, modsThreshold,
			&events,
		))
	}

	groupInput := structured.Groups
	if len(groupInput) == 0 && structuredFallback == "" {
		// Structured stage offered no groups; fall back to rule hints.
		groupInput = BuildRuleGroups(BuildGroupHints(orderRaw), true, "rule_backstop")
	}
	groups := mergeGroups(groupInput, validLines, groupThreshold, &events)

	// Any structured-stage fallback routes the order to review regardless of
	// per-item scores.
	overallNeedsReview := orderRaw.NeedsReview || len(lines) == 0 || structuredFallback != ""
	for _, item := range items {
		if item.NeedsReview {
			overallNeedsReview = true
		}
	}
	for _, group := range groups {
		if group.NeedsReview {
			overallNeedsReview = true
		}
	}

	dispatchDecision := buildDispatchDecision(orderRaw, items, groups, overallNeedsReview)

	metadata := models.Metadata{}
	for key, value := range orderRaw.Metadata {
		metadata[key] = value
	}
	metadata["structured_result_metadata"] = structured.Metadata
	metadata["thresholds"] = models.Metadata{
		"item_threshold":  itemThreshold,
		"mods_threshold":  modsThreshold,
		"group_threshold": groupThreshold,
	}
	metadata["validation_rules"] = models.Metadata{
		"group_membership_rule": "single_group_per_line_first_wins",
		"mods_filter_mode":      "open",
	}
	metadata["dispatch_decision"] = dispatchDecision

	var orderConfidence *float64
	consider := func(value *float64) {
		if value == nil {
			return
		}
		if orderConfidence == nil || *value < *orderConfidence {
			orderConfidence = models.Ptr(*value)
		}
	}
	for _, item := range items {
		consider(item.ConfidenceItem)
		consider(item.ConfidenceMods)
	}
	for _, group := range groups {
		consider(group.ConfidenceGroup)
	}

	return &models.NormalizedOrder{
		SourceText:         orderRaw.SourceText,
		Items:              items,
		Groups:             groups,
		OrderID:            orderRaw.OrderID,
		Lines:              lines,
		AuditEvents:        events,
		OverallNeedsReview: overallNeedsReview,
		OrderConfidence:    orderConfidence,
		Metadata:           metadata,
		Version:            models.ContractVersion,
	}
}

func hasEventType(events []models.AuditEvent, eventType string) bool {
	for _, event := range events {
		if event.EventType == eventType {
			return true
		}
	}
	return false
}
