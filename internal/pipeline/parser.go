// Package pipeline implements the receipt normalization stages: parsing raw
// POS text into lines, ranking menu candidates per line, merging structured
// results into a validated order, and the rule-only fallback path.
package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/orderdesk/posgate/pkg/models"
)

// Receipt text arrives with full-width punctuation; fold it to ASCII before
// any pattern matching.
var symbolReplacer = strings.NewReplacer(
	"：", ":",
	"（", "(",
	"）", ")",
	"＊", "*",
	"﹡", "*",
	"＄", "$",
	"Ｘ", "x",
	"ｘ", "x",
	"×", "x",
	"　", " ",
)

var (
	leadingMarkerRe = regexp.MustCompile(`^\s*(?:[*\-•●#]+|\d{1,3}[.)、]|[(（]\d{1,3}[)）]|[A-Za-z][.)])\s*`)
	separatorRe     = regexp.MustCompile(`^[\-=~_*#\s]{3,}$`)
	phoneOnlyRe     = regexp.MustCompile(`(?i)^\s*(?:電話|tel)?\s*:?\s*(?:\+?886[-\s]?)?(?:0\d{1,2}[-\s]?\d{6,8}|09\d{2}[-\s]?\d{3}[-\s]?\d{3})(?:\s*(?:#|ext\.?|轉)\s*\d{1,5})?\s*$`)
	datetimeOnlyRe  = regexp.MustCompile(`^\s*(?:\d{4}[/-]\d{1,2}[/-]\d{1,2}(?:\s+\d{1,2}:\d{2}(?::\d{2})?)?|\d{1,2}:\d{2}(?::\d{2})?)\s*$`)
	noisePrefixRe   = regexp.MustCompile(`(?i)^\s*(?:電話|tel|地址|統編|單號|訂單|時間|日期|總計|小計|合計|應收|找零)(?:\s|:|$)`)

	inlineNoteRe     = regexp.MustCompile(`(?i)(?:備註|註記|附註|备注)\s*(?::\s*|\s+)(.+)$`)
	standaloneNoteRe = regexp.MustCompile(`(?i)^\s*(?:備註|註記|附註|备注)\s*(?::\s*|\s+)(.+)$`)
	trailingParenRe  = regexp.MustCompile(`^(.+?)\s*\(([^()]+)\)\s*$`)

	qtyXOrStarRe  = regexp.MustCompile(`(?i)^(.+?)\s*[x*]\s*(-?\d+)\s*$`)
	qtyFenRe      = regexp.MustCompile(`^(.+?)\s+(-?\d+)\s*份\s*$`)
	qtyPlainRe    = regexp.MustCompile(`^(.+?)\s+(-?\d+)\s*$`)
	qtyMarkerAny  = regexp.MustCompile(`(?i)^(.+?)\s*[x*]\s*(\S*)\s*$`)
	qtyFenAnyRe   = regexp.MustCompile(`^(.+?)\s+(\S+)\s*份\s*$`)
	hasQtyHintRe  = regexp.MustCompile(`(?i)[x*]\s*\S+|\d+\s*份`)
	hasQtyMarkRe  = regexp.MustCompile(`(?i)(?:^|\s)[x*]\s*\S+`)
	hasFenMarkRe  = regexp.MustCompile(`\d+\s*份`)
	trailingQtyRe = regexp.MustCompile(`(?i)[x*]\s*-?\d+\s*$`)
	trailingFenRe = regexp.MustCompile(`\s*-?\d+\s*份?\s*$`)

	trailingCurrencyRe = regexp.MustCompile(`(?i)^(.+?)\s*(?:ntd?\$?|twd|\$)\s*(\d+(?:\.\d{1,2})?)\s*$`)
	trailingUnitRe     = regexp.MustCompile(`^(.+?)\s*(\d+(?:\.\d{1,2})?)\s*元\s*$`)
	trailingPlainRe    = regexp.MustCompile(`^(.+?)\s+(\d+(?:\.\d{1,2})?)\s*$`)

	multiSpaceRe = regexp.MustCompile(`\s+`)
)

func normalizeForParse(line string) string {
	normalized := symbolReplacer.Replace(line)
	normalized = multiSpaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

func stripLeadingMarkers(line string) string {
	current := line
	for {
		stripped := strings.TrimSpace(leadingMarkerRe.ReplaceAllString(current, ""))
		if stripped == current {
			return current
		}
		current = stripped
	}
}

func isNoiseLine(normalized string) bool {
	if normalized == "" {
		return true
	}
	if separatorRe.MatchString(normalized) {
		return true
	}
	if noisePrefixRe.MatchString(normalized) {
		// A noise prefix with a quantity hint is still an orderable line
		// ("訂單 雞排 x2" happens on sloppy receipts).
		return !hasQtyHintRe.MatchString(normalized)
	}
	if phoneOnlyRe.MatchString(normalized) {
		return true
	}
	return datetimeOnlyRe.MatchString(normalized)
}

func extractInlineNote(text string) (string, string) {
	loc := inlineNoteRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return strings.TrimSpace(text), ""
	}
	return strings.TrimSpace(text[:loc[0]]), strings.TrimSpace(text[loc[2]:loc[3]])
}

// extractParentheticalNotes peels trailing "(...)" notes, innermost last.
func extractParentheticalNotes(nameWithNote string) (string, []string) {
	var notes []string
	current := strings.TrimSpace(nameWithNote)
	for {
		m := trailingParenRe.FindStringSubmatch(current)
		if m == nil {
			return current, notes
		}
		notes = append([]string{strings.TrimSpace(m[2])}, notes...)
		current = strings.TrimSpace(m[1])
	}
}

func fallbackName(text string) string {
	name := strings.TrimSpace(trailingQtyRe.ReplaceAllString(text, ""))
	name = strings.TrimSpace(trailingFenRe.ReplaceAllString(name, ""))
	if name == "" {
		return strings.TrimSpace(text)
	}
	return name
}

type qtyState int

const (
	qtyOK qtyState = iota
	qtyMissing
	qtyInvalid
)

func extractNameAndQtyOnce(text string) (string, int, bool, qtyState) {
	if m := qtyXOrStarRe.FindStringSubmatch(text); m != nil {
		qty, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), qty, true, qtyOK
	}
	if m := qtyFenRe.FindStringSubmatch(text); m != nil {
		qty, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), qty, true, qtyOK
	}
	if m := qtyMarkerAny.FindStringSubmatch(text); m != nil {
		state := qtyInvalid
		if strings.TrimSpace(m[2]) == "" {
			state = qtyMissing
		}
		return strings.TrimSpace(m[1]), 0, false, state
	}
	if m := qtyFenAnyRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), 0, false, qtyInvalid
	}
	if hasQtyMarkRe.MatchString(text) || hasFenMarkRe.MatchString(text) {
		return text, 0, false, qtyInvalid
	}
	if m := qtyPlainRe.FindStringSubmatch(text); m != nil {
		qty, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), qty, true, qtyOK
	}
	return text, 0, false, qtyMissing
}

// stripTrailingAmount removes trailing price tokens ("NT$120", "120元") that
// would otherwise be mistaken for quantities.
func stripTrailingAmount(text string) string {
	current := strings.TrimSpace(text)
	if m := trailingCurrencyRe.FindStringSubmatch(current); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := trailingUnitRe.FindStringSubmatch(current); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := trailingPlainRe.FindStringSubmatch(current); m != nil {
		body := strings.TrimSpace(m[1])
		if hasQtyHintRe.MatchString(body) {
			return body
		}
	}
	return current
}

func extractNameAndQty(prepared string) (string, int, bool, qtyState) {
	name, qty, ok, state := extractNameAndQtyOnce(prepared)
	if ok {
		return name, qty, ok, state
	}
	trimmed := stripTrailingAmount(prepared)
	if trimmed != prepared {
		tName, tQty, tOK, tState := extractNameAndQtyOnce(trimmed)
		if tOK || tState == qtyInvalid {
			return tName, tQty, tOK, tState
		}
	}
	return name, qty, ok, state
}

func parseLine(rawLine string, lineIndex, sourceLine int, warnings *[]string) models.RawLine {
	normalized := normalizeForParse(rawLine)
	prepared := stripLeadingMarkers(normalized)
	prepared, inlineNote := extractInlineNote(prepared)
	// Trailing "(...)" after the qty marker would defeat the qty patterns;
	// peel it off first. Parens inside the name token are peeled after.
	prepared, trailingNotes := extractParentheticalNotes(prepared)

	nameToken, qty, qtyFound, state := extractNameAndQty(prepared)

	needsReview := false
	if !qtyFound {
		qty = 1
		needsReview = true
		if state == qtyInvalid {
			*warnings = append(*warnings, fmt.Sprintf("line %d: qty invalid, defaulted to 1", sourceLine))
		} else {
			*warnings = append(*warnings, fmt.Sprintf("line %d: qty missing, defaulted to 1", sourceLine))
		}
		nameToken = fallbackName(nameToken)
	} else if qty <= 0 {
		qty = 1
		needsReview = true
		*warnings = append(*warnings, fmt.Sprintf("line %d: qty must be positive, defaulted to 1", sourceLine))
	}

	nameRaw, noteParts := extractParentheticalNotes(nameToken)
	noteParts = append(noteParts, trailingNotes...)
	if inlineNote != "" {
		noteParts = append(noteParts, inlineNote)
	}
	var kept []string
	for _, part := range noteParts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	var noteRaw *string
	if len(kept) > 0 {
		noteRaw = models.Ptr(strings.Join(kept, "; "))
	}

	if nameRaw == "" {
		nameRaw = fallbackName(prepared)
		if nameRaw == "" {
			nameRaw = normalized
		}
		if nameRaw == "" {
			nameRaw = strings.TrimSpace(rawLine)
		}
		needsReview = true
		*warnings = append(*warnings, fmt.Sprintf("line %d: unable to confidently parse item name", sourceLine))
	}

	return models.RawLine{
		LineIndex:   lineIndex,
		RawLine:     rawLine,
		NameRaw:     nameRaw,
		Qty:         qty,
		NoteRaw:     noteRaw,
		NeedsReview: needsReview,
		Metadata:    models.Metadata{"source_line": sourceLine},
		Version:     models.ContractVersion,
	}
}

// standaloneNote returns the note text when a line is only a note marker
// ("備註:分裝"), which attaches to the previous item.
func standaloneNote(rawLine string) string {
	normalized := normalizeForParse(rawLine)
	m := standaloneNoteRe.FindStringSubmatch(normalized)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ParseReceiptText splits source text into normalized item lines. Noise
// lines (separators, phone numbers, timestamps, totals) are dropped; kept
// lines get dense 0-based indices. Standalone note lines merge into the
// previous item's note.
func ParseReceiptText(text string) *models.OrderRawParsed {
	var warnings []string
	var lines []models.RawLine

	for sourceLine, raw := range strings.Split(text, "\n") {
		rawLine := strings.TrimRight(raw, "\r")
		normalized := normalizeForParse(rawLine)
		if normalized == "" || isNoiseLine(normalized) {
			continue
		}

		if note := standaloneNote(rawLine); note != "" {
			if len(lines) == 0 {
				warnings = append(warnings, fmt.Sprintf("line %d: standalone note with no preceding item", sourceLine))
				continue
			}
			prev := &lines[len(lines)-1]
			if prev.NoteRaw != nil && *prev.NoteRaw != "" {
				prev.NoteRaw = models.Ptr(*prev.NoteRaw + "; " + note)
			} else {
				prev.NoteRaw = models.Ptr(note)
			}
			continue
		}

		lines = append(lines, parseLine(rawLine, len(lines), sourceLine, &warnings))
	}

	needsReview := len(warnings) > 0
	for _, line := range lines {
		if line.NeedsReview {
			needsReview = true
		}
	}
	if lines == nil {
		lines = []models.RawLine{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	return &models.OrderRawParsed{
		SourceText:    text,
		Lines:         lines,
		ParseWarnings: warnings,
		NeedsReview:   needsReview,
		Metadata:      models.Metadata{},
		Version:       models.ContractVersion,
	}
}
