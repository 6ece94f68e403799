// Package fixtures ships embedded test receipts and a bounded suite runner
// that pushes them through the ingest pipeline.
package fixtures

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/orderdesk/posgate/pkg/models"
)

//go:embed receipts/*.txt
var receiptFS embed.FS

// Fixture is one canned receipt. Scenario is "clean" or "dirty": clean
// receipts should auto-dispatch against a matching catalog, dirty ones
// exercise review paths.
type Fixture struct {
	Name       string `json:"name"`
	Scenario   string `json:"scenario"`
	SourceText string `json:"source_text"`
}

// List returns all embedded fixtures sorted by name.
func List() []Fixture {
	entries, err := fs.ReadDir(receiptFS, "receipts")
	if err != nil {
		return nil
	}
	fixtures := make([]Fixture, 0, len(entries))
	for _, entry := range entries {
		raw, err := receiptFS.ReadFile("receipts/" + entry.Name())
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		scenario := "clean"
		if strings.HasPrefix(name, "dirty_") {
			scenario = "dirty"
		}
		fixtures = append(fixtures, Fixture{
			Name:       name,
			Scenario:   scenario,
			SourceText: strings.TrimRight(string(raw), "\n"),
		})
	}
	sort.Slice(fixtures, func(i, j int) bool { return fixtures[i].Name < fixtures[j].Name })
	return fixtures
}

// IngestFunc submits one fixture to the pipeline.
type IngestFunc func(ctx context.Context, req *models.IngestRequest) (*models.IngestResponse, error)

// SuiteOptions selects and bounds a run.
type SuiteOptions struct {
	StoreID     string `json:"store_id"`
	InjectDirty bool   `json:"inject_dirty"`
	MaxCases    int    `json:"max_cases"`
	Scenario    string `json:"scenario"`
}

// CaseResult is one fixture outcome.
type CaseResult struct {
	Name              string `json:"name"`
	Scenario          string `json:"scenario"`
	OrderID           string `json:"order_id,omitempty"`
	Accepted          bool   `json:"accepted"`
	ReviewQueueStatus string `json:"review_queue_status,omitempty"`
	IngestEngine      string `json:"ingest_engine,omitempty"`
	NeedsReview       bool   `json:"needs_review"`
	ItemCount         int    `json:"item_count"`
	Error             string `json:"error,omitempty"`
}

// SuiteResult summarizes one run.
type SuiteResult struct {
	Total       int          `json:"total"`
	Accepted    int          `json:"accepted"`
	NeedsReview int          `json:"needs_review"`
	Failed      int          `json:"failed"`
	Cases       []CaseResult `json:"cases"`
}

const suiteConcurrency = 4

// RunSuite ingests the selected fixtures concurrently, at most
// suiteConcurrency in flight. Fixture orders carry metadata.source
// "fixture_suite" so the review store's test-data sweep can find them.
func RunSuite(ctx context.Context, ingest IngestFunc, opts SuiteOptions) SuiteResult {
	selected := make([]Fixture, 0)
	for _, fixture := range List() {
		if fixture.Scenario == "dirty" && !opts.InjectDirty {
			continue
		}
		if opts.Scenario != "" && fixture.Scenario != opts.Scenario {
			continue
		}
		selected = append(selected, fixture)
	}
	if opts.MaxCases > 0 && len(selected) > opts.MaxCases {
		selected = selected[:opts.MaxCases]
	}

	results := make([]CaseResult, len(selected))
	var mu sync.Mutex

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(suiteConcurrency)
	for i, fixture := range selected {
		i, fixture := i, fixture
		group.Go(func() error {
			result := CaseResult{Name: fixture.Name, Scenario: fixture.Scenario}
			resp, err := ingest(ctx, &models.IngestRequest{
				SourceText: fixture.SourceText,
				APIVersion: models.APIContractVersion,
				StoreID:    opts.StoreID,
				Metadata: models.Metadata{
					"source":   "fixture_suite",
					"scenario": fixture.Name,
				},
			})
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Accepted = resp.Accepted
				result.ReviewQueueStatus = resp.Status
				result.NeedsReview = resp.OrderPayload.Order.OverallNeedsReview
				result.ItemCount = len(resp.OrderPayload.Order.Items)
				if resp.OrderPayload.Order.OrderID != nil {
					result.OrderID = *resp.OrderPayload.Order.OrderID
				}
				if engine, ok := resp.OrderPayload.Order.Metadata["ingest_engine"].(string); ok {
					result.IngestEngine = engine
				}
			}
			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	summary := SuiteResult{Total: len(results), Cases: results}
	for _, result := range results {
		switch {
		case result.Error != "":
			summary.Failed++
		default:
			if result.Accepted {
				summary.Accepted++
			}
			if result.NeedsReview {
				summary.NeedsReview++
			}
		}
	}
	return summary
}
