package fixtures

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/orderdesk/posgate/pkg/models"
)

func TestListEmbedsBothScenarios(t *testing.T) {
	fixtures := List()
	if len(fixtures) == 0 {
		t.Fatal("no embedded fixtures")
	}
	scenarios := map[string]int{}
	for _, fixture := range fixtures {
		scenarios[fixture.Scenario]++
		if fixture.SourceText == "" {
			t.Errorf("fixture %s has empty source text", fixture.Name)
		}
		if strings.HasSuffix(fixture.SourceText, "\n") {
			t.Errorf("fixture %s keeps a trailing newline", fixture.Name)
		}
	}
	if scenarios["clean"] == 0 || scenarios["dirty"] == 0 {
		t.Errorf("scenarios = %v, want both clean and dirty", scenarios)
	}
}

func stubIngest(t *testing.T) (IngestFunc, *[]models.IngestRequest) {
	t.Helper()
	var mu sync.Mutex
	var calls []models.IngestRequest
	fn := func(_ context.Context, req *models.IngestRequest) (*models.IngestResponse, error) {
		mu.Lock()
		calls = append(calls, *req)
		mu.Unlock()
		return &models.IngestResponse{
			Accepted: true,
			Status:   models.StatusDispatchReady,
			OrderPayload: models.OrderPayload{
				Order: models.NormalizedOrder{
					OrderID:  models.Ptr("ord-" + req.Metadata["scenario"].(string)),
					Metadata: models.Metadata{"ingest_engine": "rule_fallback"},
				},
			},
		}, nil
	}
	return fn, &calls
}

func TestRunSuiteCleanOnlyByDefault(t *testing.T) {
	ingest, calls := stubIngest(t)
	result := RunSuite(context.Background(), ingest, SuiteOptions{StoreID: "default"})
	if result.Total == 0 {
		t.Fatal("suite ran no cases")
	}
	for _, c := range result.Cases {
		if c.Scenario != "clean" {
			t.Errorf("case %s scenario = %s, want clean only", c.Name, c.Scenario)
		}
	}
	if result.Accepted != result.Total {
		t.Errorf("accepted = %d of %d", result.Accepted, result.Total)
	}
	for _, req := range *calls {
		if req.Metadata["source"] != "fixture_suite" {
			t.Errorf("metadata source = %v", req.Metadata["source"])
		}
	}
}

func TestRunSuiteInjectDirty(t *testing.T) {
	ingest, _ := stubIngest(t)
	clean := RunSuite(context.Background(), ingest, SuiteOptions{})
	all := RunSuite(context.Background(), ingest, SuiteOptions{InjectDirty: true})
	if all.Total <= clean.Total {
		t.Errorf("inject_dirty total = %d, want more than %d", all.Total, clean.Total)
	}
}

func TestRunSuiteScenarioFilterAndMaxCases(t *testing.T) {
	ingest, _ := stubIngest(t)
	result := RunSuite(context.Background(), ingest, SuiteOptions{
		InjectDirty: true,
		Scenario:    "dirty",
		MaxCases:    1,
	})
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	if result.Cases[0].Scenario != "dirty" {
		t.Errorf("scenario = %s, want dirty", result.Cases[0].Scenario)
	}
}

func TestRunSuiteRecordsFailures(t *testing.T) {
	failing := func(context.Context, *models.IngestRequest) (*models.IngestResponse, error) {
		return nil, errors.New("store offline")
	}
	result := RunSuite(context.Background(), failing, SuiteOptions{})
	if result.Failed != result.Total {
		t.Errorf("failed = %d of %d", result.Failed, result.Total)
	}
	for _, c := range result.Cases {
		if c.Error == "" {
			t.Errorf("case %s missing error", c.Name)
		}
	}
}
