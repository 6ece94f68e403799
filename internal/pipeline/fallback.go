package pipeline

import (
	"github.com/orderdesk/posgate/pkg/models"
)

// fallbackMatchThreshold is the candidate score above which the rule path
// trusts the top catalog match without the language model's confirmation.
const fallbackMatchThreshold = 0.85

// fallbackConfidence is assigned when no usable candidate score exists.
const fallbackConfidence = 0.4

// RuleFallback builds a structured result without the language model: each
// line takes its top candidate when the score clears the match threshold,
// otherwise ships with a null item code and needs review. Mods come from
// allowed-list containment. No groups are synthesized on this path.
func RuleFallback(orderRaw *models.OrderRawParsed, candidates models.CandidatesByLine, allowedMods []string, fallbackReason string) *models.StructuredResult {
	var auditEvents []models.AuditEvent

	if len(orderRaw.Lines) == 0 {
		auditEvents = append(auditEvents, models.AuditEvent{
			EventType: "no_items_detected",
			Message:   "No order lines were parsed from the source text",
			Metadata:  models.Metadata{"tags": []string{"no_items_detected", "review_queue"}},
			Version:   models.ContractVersion,
		})
	}

	items := make([]models.NormalizedItem, 0, len(orderRaw.Lines))
	for _, line := range orderRaw.Lines {
		lineCandidates := candidates[line.LineIndex]

		var selected *models.CandidateItem
		score := 0.0
		if len(lineCandidates) > 0 {
			top := lineCandidates[0]
			if top.ConfidenceItem != nil {
				score = *top.ConfidenceItem
			}
			if score >= fallbackMatchThreshold {
				selected = &top
			}
		} else {
			auditEvents = append(auditEvents, models.AuditEvent{
				EventType: "missing_candidates",
				Message:   "No candidates found; fallback to raw line",
				LineIndex: models.Ptr(line.LineIndex),
				Metadata:  models.Metadata{"tags": []string{"missing_candidates"}},
				Version:   models.ContractVersion,
			})
		}

		confidenceItem := score
		if confidenceItem == 0 {
			confidenceItem = fallbackConfidence
		}

		lineText := line.RawLine
		if line.NoteRaw != nil {
			lineText += " " + *line.NoteRaw
		}
		var mods []models.Mod
		for _, token := range RuleModsFromText(lineText, allowedMods) {
			mods = append(mods, models.Mod{
				ModRaw:     token,
				ModName:    models.Ptr(token),
				Confidence: models.Ptr(fallbackConfidence),
				Metadata:   models.Metadata{"source": "rule"},
				Version:    models.ContractVersion,
			})
		}

		nameNormalized := line.NameRaw
		var itemCode *string
		if selected != nil {
			nameNormalized = selected.CandidateName
			itemCode = selected.CandidateCode
		}

		reviewReasons := []string{"llm_fallback"}
		if fallbackReason != "" {
			reviewReasons = append(reviewReasons, "fallback:"+fallbackReason)
		}
		items = append(items, models.NormalizedItem{
			LineIndex:      line.LineIndex,
			RawLine:        line.RawLine,
			NameRaw:        line.NameRaw,
			Qty:            line.Qty,
			NameNormalized: nameNormalized,
			ItemCode:       itemCode,
			NoteRaw:        line.NoteRaw,
			Mods:           mods,
			ConfidenceItem: models.Ptr(confidenceItem),
			ConfidenceMods: models.Ptr(fallbackConfidence),
			NeedsReview:    itemCode == nil || line.NeedsReview,
			Metadata: models.Metadata{
				"selection_source": "fallback_first_candidate",
				"review_reasons":   reviewReasons,
				"review_tags":      reviewReasons,
			},
			Version: models.ContractVersion,
		})
	}

	metadata := models.Metadata{"llm_attempts": 0, "fallback_reason": nil}
	if fallbackReason != "" {
		metadata["fallback_reason"] = fallbackReason
	}
	return &models.StructuredResult{
		Items:       items,
		Groups:      []models.GroupResult{},
		AuditEvents: auditEvents,
		Metadata:    metadata,
		Version:     models.ContractVersion,
	}
}
