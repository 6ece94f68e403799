package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/orderdesk/posgate/pkg/models"
)

// groupKeywords mark a line whose note talks about packing lines together
// or keeping them apart.
var groupKeywords = []string{
	"一起", "同一袋", "同袋", "同包", "合併", "合并", "裝一起", "装一起", "上面", "前面",
	"分裝", "分装", "分開", "分开", "分袋",
}

// separateKeywords flip the group type from pack_together to separate.
var separateKeywords = []string{"分裝", "分装", "分開", "分开", "分袋"}

var refCountMap = map[string]int{
	"1": 1, "2": 2, "3": 3,
	"一": 1, "二": 2, "兩": 2, "两": 2, "三": 3,
}

var refRe = regexp.MustCompile(`(上面|前面|前)\s*([123一二兩两三])\s*項`)

// GroupHint is one rule-detected grouping cue, fed both to the prompt and
// to the rule-group builder.
type GroupHint struct {
	TriggerLineIndex      int    `json:"trigger_line_index"`
	CandidateGroupNote    string `json:"candidate_group_note"`
	ReferencedLineIndices []int  `json:"referenced_line_indices"`
}

func resolveReferenceIndices(linePositions []int, currentPos int, text string) []int {
	previous := linePositions[:currentPos]
	if m := refRe.FindStringSubmatch(text); m != nil {
		if count := refCountMap[m[2]]; count > 0 && len(previous) > 0 {
			if count > len(previous) {
				count = len(previous)
			}
			return append([]int(nil), previous[len(previous)-count:]...)
		}
	}
	containsAny := func(keywords ...string) bool {
		for _, keyword := range keywords {
			if strings.Contains(text, keyword) {
				return true
			}
		}
		return false
	}
	if (strings.Contains(text, "全部") || strings.Contains(text, "都")) &&
		containsAny("一起", "同袋", "同包", "合併", "合并", "分裝", "分装", "分開", "分开") {
		return append([]int(nil), linePositions[:currentPos+1]...)
	}
	if containsAny("一起", "同袋", "同包", "合併", "合并", "裝一起", "装一起",
		"分裝", "分装", "分開", "分开", "分袋") && len(previous) > 0 {
		return []int{previous[len(previous)-1], linePositions[currentPos]}
	}
	return nil
}

// hintGroupType reads the grouping kind off the note text.
func hintGroupType(note string) string {
	for _, keyword := range separateKeywords {
		if strings.Contains(note, keyword) {
			return models.GroupSeparate
		}
	}
	return models.GroupPackTogether
}

// BuildGroupHints scans notes and raw lines for grouping language and
// resolves which line indices each cue refers to.
func BuildGroupHints(orderRaw *models.OrderRawParsed) []GroupHint {
	linePositions := make([]int, len(orderRaw.Lines))
	for i, line := range orderRaw.Lines {
		linePositions[i] = line.LineIndex
	}

	var hints []GroupHint
	for pos, line := range orderRaw.Lines {
		var parts []string
		if line.NoteRaw != nil && *line.NoteRaw != "" {
			parts = append(parts, *line.NoteRaw)
		}
		if line.RawLine != "" {
			parts = append(parts, line.RawLine)
		}
		text := strings.TrimSpace(strings.Join(parts, " "))
		if text == "" {
			continue
		}
		keyword := false
		for _, candidate := range groupKeywords {
			if strings.Contains(text, candidate) {
				keyword = true
				break
			}
		}
		if !keyword {
			continue
		}
		note := line.RawLine
		if line.NoteRaw != nil && *line.NoteRaw != "" {
			note = *line.NoteRaw
		}
		hints = append(hints, GroupHint{
			TriggerLineIndex:      line.LineIndex,
			CandidateGroupNote:    note,
			ReferencedLineIndices: resolveReferenceIndices(linePositions, pos, text),
		})
	}
	return hints
}

// BuildRuleGroups turns hints into pack_together groups: referenced indices
// sorted and deduplicated, at least two members, one group per index set.
func BuildRuleGroups(hints []GroupHint, markReview bool, source string) []models.GroupResult {
	var groups []models.GroupResult
	seen := map[string]bool{}
	for _, hint := range hints {
		indexSet := map[int]bool{}
		for _, index := range hint.ReferencedLineIndices {
			indexSet[index] = true
		}
		indices := make([]int, 0, len(indexSet))
		for index := range indexSet {
			indices = append(indices, index)
		}
		sort.Ints(indices)
		if len(indices) < 2 {
			continue
		}
		key := fmt.Sprint(indices)
		if seen[key] {
			continue
		}
		seen[key] = true

		metadata := models.Metadata{"source": source}
		if markReview {
			metadata["review_reasons"] = []string{"rule_group_backstop"}
			metadata["review_tags"] = []string{"rule_group_backstop"}
		}
		label := strings.TrimSpace(hint.CandidateGroupNote)
		if label == "" {
			label = "rule_group_note"
		}
		groups = append(groups, models.GroupResult{
			GroupID:         fmt.Sprintf("G%d", len(groups)+1),
			Type:            hintGroupType(hint.CandidateGroupNote),
			Label:           label,
			LineIndices:     indices,
			ConfidenceGroup: models.Ptr(0.35),
			NeedsReview:     markReview,
			Metadata:        metadata,
			Version:         models.ContractVersion,
		})
	}
	return groups
}
