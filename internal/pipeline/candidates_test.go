package pipeline

import (
	"testing"

	"github.com/orderdesk/posgate/pkg/models"
)

var testCatalog = []models.MenuItem{
	{ItemID: "A01", CanonicalName: "雞排", Aliases: []string{"香雞排"}},
	{ItemID: "B01", CanonicalName: "珍珠奶茶", Aliases: []string{"珍奶"}},
	{ItemID: "C01", CanonicalName: "蘿蔔糕"},
}

func rawLineFor(index int, name string) models.RawLine {
	return models.RawLine{
		LineIndex: index,
		RawLine:   name + " x1",
		NameRaw:   name,
		Qty:       1,
		Metadata:  models.Metadata{},
		Version:   models.ContractVersion,
	}
}

func TestGenerateCandidatesExactMatch(t *testing.T) {
	byLine := GenerateCandidates([]models.RawLine{rawLineFor(0, "雞排")}, testCatalog, 0)
	candidates := byLine[0]
	if len(candidates) == 0 {
		t.Fatal("no candidates generated")
	}
	top := candidates[0]
	if top.CandidateCode == nil || *top.CandidateCode != "A01" {
		t.Fatalf("top candidate = %v, want A01", top.CandidateCode)
	}
	if top.ConfidenceItem == nil || *top.ConfidenceItem < 0.99 {
		t.Errorf("confidence_item = %v, want ~1.0 for exact match", top.ConfidenceItem)
	}
	if top.NeedsReview {
		t.Error("exact match should not need review")
	}
	if got := top.Metadata["review_reason"]; got != "ok" {
		t.Errorf("review_reason = %v, want ok", got)
	}
}

func TestGenerateCandidatesAliasMatch(t *testing.T) {
	byLine := GenerateCandidates([]models.RawLine{rawLineFor(0, "珍奶")}, testCatalog, 0)
	candidates := byLine[0]
	if len(candidates) == 0 {
		t.Fatal("no candidates generated")
	}
	top := candidates[0]
	if top.CandidateCode == nil || *top.CandidateCode != "B01" {
		t.Fatalf("top candidate = %v, want B01 via alias", top.CandidateCode)
	}
	if got := top.Metadata["match_basis"]; got != "alias" {
		t.Errorf("match_basis = %v, want alias", got)
	}
	if got := top.Metadata["matched_text"]; got != "珍奶" {
		t.Errorf("matched_text = %v, want the alias", got)
	}
}

func TestGenerateCandidatesLowConfidence(t *testing.T) {
	byLine := GenerateCandidates([]models.RawLine{rawLineFor(0, "鱈魚漢堡")}, testCatalog, 0)
	candidates := byLine[0]
	if len(candidates) == 0 {
		t.Fatal("no candidates generated")
	}
	for _, candidate := range candidates {
		if !candidate.NeedsReview {
			t.Errorf("candidate %s should need review", candidate.CandidateName)
		}
		if got := candidate.Metadata["review_reason"]; got != "best_score_below_threshold" {
			t.Errorf("review_reason = %v, want best_score_below_threshold", got)
		}
		if got := candidate.Metadata["low_confidence"]; got != true {
			t.Errorf("low_confidence = %v, want true", got)
		}
	}
}

func TestGenerateCandidatesScoresNormalizedAndSorted(t *testing.T) {
	byLine := GenerateCandidates([]models.RawLine{rawLineFor(0, "珍珠奶茶")}, testCatalog, 0)
	candidates := byLine[0]
	if len(candidates) != len(testCatalog) {
		t.Fatalf("candidates = %d, want %d", len(candidates), len(testCatalog))
	}
	previous := 2.0
	for rank, candidate := range candidates {
		if candidate.ConfidenceItem == nil {
			t.Fatal("confidence_item is nil")
		}
		score := *candidate.ConfidenceItem
		if score < 0 || score > 1 {
			t.Errorf("score %v outside [0,1]", score)
		}
		if score > previous {
			t.Errorf("candidates not sorted by score descending at rank %d", rank)
		}
		previous = score
		if got := candidate.Metadata["rank"]; got != rank+1 {
			t.Errorf("rank = %v, want %d", got, rank+1)
		}
	}
}

func TestGenerateCandidatesTopK(t *testing.T) {
	byLine := GenerateCandidates([]models.RawLine{rawLineFor(0, "雞排")}, testCatalog, 2)
	if got := len(byLine[0]); got != 2 {
		t.Fatalf("candidates = %d, want top-2", got)
	}
}

func TestGenerateCandidatesEmptyCatalog(t *testing.T) {
	byLine := GenerateCandidates([]models.RawLine{rawLineFor(0, "雞排")}, nil, 0)
	if got := len(byLine[0]); got != 0 {
		t.Fatalf("candidates = %d, want 0 for empty catalog", got)
	}
}
