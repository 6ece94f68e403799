package pipeline

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/orderdesk/posgate/pkg/models"
)

// Scoring weights: character-level similarity dominates, with partial
// (substring window) and token (bigram jaccard) contributions.
const (
	weightChar    = 0.50
	weightPartial = 0.30
	weightToken   = 0.20

	// Internal scores run 0..100; wire confidences are normalized to [0,1].
	lowConfidenceThreshold = 55.0

	// DefaultTopK caps candidates per line.
	DefaultTopK = 5
)

var commonSymbolsRe = regexp.MustCompile(
	"[!\"#$%&'()*+,\\-./:;<=>?@\\[\\]\\\\^_`{|}~，。！？、；：／（）【】「」『』《》〈〉·．]")

func normalizeMatchText(text string) string {
	normalized := strings.ToLower(norm.NFKC.String(text))
	normalized = commonSymbolsRe.ReplaceAllString(normalized, " ")
	normalized = multiSpaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

func compactText(text string) string {
	return strings.ReplaceAll(text, " ", "")
}

// tokenize yields space-separated words plus character bigrams of the
// compacted text, which is what makes CJK names comparable at all.
func tokenize(normalized string) map[string]bool {
	compact := []rune(compactText(normalized))
	if len(compact) == 0 {
		return nil
	}
	tokens := map[string]bool{}
	for _, part := range strings.Split(normalized, " ") {
		if part != "" {
			tokens[part] = true
		}
	}
	if len(compact) == 1 {
		tokens[string(compact)] = true
		return tokens
	}
	for i := 0; i+1 < len(compact); i++ {
		tokens[string(compact[i:i+2])] = true
	}
	return tokens
}

// ratio is a normalized indel similarity in 0..100: 2*LCS/(len+len).
func ratio(left, right string) float64 {
	if left == "" || right == "" {
		return 0
	}
	a, b := []rune(left), []rune(right)
	lcs := lcsLength(a, b)
	return 200 * float64(lcs) / float64(len(a)+len(b))
}

func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// partialRatio scores the best alignment of the shorter string against any
// equal-length window of the longer one.
func partialRatio(left, right string) float64 {
	if left == "" || right == "" {
		return 0
	}
	short, long := left, right
	if len([]rune(short)) > len([]rune(long)) {
		short, long = long, short
	}
	if strings.Contains(long, short) {
		return 100
	}
	shortRunes, longRunes := []rune(short), []rune(long)
	if len(shortRunes) == len(longRunes) {
		return ratio(short, long)
	}
	window := len(shortRunes)
	best := 0.0
	for start := 0; start+window <= len(longRunes); start++ {
		score := ratio(short, string(longRunes[start:start+window]))
		if score > best {
			best = score
		}
	}
	return best
}

func tokenSimilarity(left, right map[string]bool) float64 {
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	inter := 0
	for token := range left {
		if right[token] {
			inter++
		}
	}
	union := len(left) + len(right) - inter
	if union == 0 {
		return 0
	}
	return 100 * float64(inter) / float64(union)
}

// scoreMatch combines the three similarities with a containment bonus.
func scoreMatch(query, candidate string) (float64, string) {
	queryNorm := normalizeMatchText(query)
	candidateNorm := normalizeMatchText(candidate)
	queryCompact := compactText(queryNorm)
	candidateCompact := compactText(candidateNorm)

	charScore := ratio(queryCompact, candidateCompact)
	partialScore := partialRatio(queryCompact, candidateCompact)
	tokenScore := tokenSimilarity(tokenize(queryNorm), tokenize(candidateNorm))

	score := weightChar*charScore + weightPartial*partialScore + weightToken*tokenScore
	if queryCompact != "" && candidateCompact != "" &&
		(strings.Contains(candidateCompact, queryCompact) || strings.Contains(queryCompact, candidateCompact)) {
		score += 5
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	basis := "string"
	if tokenScore >= math.Max(charScore, partialScore)+5 {
		basis = "token"
	}
	return score, basis
}

func round4(value float64) float64 {
	return math.Round(value*1e4) / 1e4
}

// GenerateCandidates ranks the catalog against each parsed line and returns
// the top-k per line_index, scores normalized to [0,1]. Sorting is stable:
// score descending, then canonical name, then item id.
func GenerateCandidates(lines []models.RawLine, catalog []models.MenuItem, topK int) models.CandidatesByLine {
	if topK <= 0 {
		topK = DefaultTopK
	}
	byLine := models.CandidatesByLine{}

	for _, line := range lines {
		type scored struct {
			score   float64
			basis   string
			matched string
			entry   models.MenuItem
		}
		rows := make([]scored, 0, len(catalog))
		for _, entry := range catalog {
			bestScore, bestBasis := -1.0, "canonical"
			matched := entry.CanonicalName

			score, basis := scoreMatch(line.NameRaw, entry.CanonicalName)
			if score > bestScore {
				bestScore = score
				bestBasis = "canonical"
				if basis == "token" {
					bestBasis = "token"
				}
				matched = entry.CanonicalName
			}
			for _, alias := range entry.Aliases {
				score, basis := scoreMatch(line.NameRaw, alias)
				if score > bestScore {
					bestScore = score
					bestBasis = "alias"
					if basis == "token" {
						bestBasis = "token"
					}
					matched = alias
				}
			}
			rows = append(rows, scored{score: bestScore, basis: bestBasis, matched: matched, entry: entry})
		}

		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].score != rows[j].score {
				return rows[i].score > rows[j].score
			}
			if rows[i].entry.CanonicalName != rows[j].entry.CanonicalName {
				return rows[i].entry.CanonicalName < rows[j].entry.CanonicalName
			}
			return rows[i].entry.ItemID < rows[j].entry.ItemID
		})
		if len(rows) > topK {
			rows = rows[:topK]
		}

		bestLineScore := 0.0
		if len(rows) > 0 {
			bestLineScore = rows[0].score
		}
		lowConfidence := bestLineScore < lowConfidenceThreshold

		candidates := make([]models.CandidateItem, 0, len(rows))
		for rank, row := range rows {
			reviewReason := "ok"
			if lowConfidence {
				reviewReason = "best_score_below_threshold"
			}
			candidates = append(candidates, models.CandidateItem{
				LineIndex:      line.LineIndex,
				RawLine:        line.RawLine,
				NameRaw:        line.NameRaw,
				Qty:            line.Qty,
				CandidateName:  row.entry.CanonicalName,
				CandidateCode:  models.Ptr(row.entry.ItemID),
				NoteRaw:        line.NoteRaw,
				ConfidenceItem: models.Ptr(round4(row.score / 100)),
				NeedsReview:    line.NeedsReview || lowConfidence,
				Metadata: models.Metadata{
					"match_basis":              row.basis,
					"score":                    round4(row.score / 100),
					"low_confidence":           lowConfidence,
					"matched_text":             row.matched,
					"rank":                     rank + 1,
					"best_line_score":          round4(bestLineScore / 100),
					"low_confidence_threshold": round4(lowConfidenceThreshold / 100),
					"review_reason":            reviewReason,
				},
				Version: models.ContractVersion,
			})
		}
		byLine[line.LineIndex] = candidates
	}
	return byLine
}
