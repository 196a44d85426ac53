package usage

import (
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/careerdesk/counselor/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"gpt-4o":            {InputPerMillion: 2.5, OutputPerMillion: 10.0},
		"gpt-3.5-turbo-16k": {InputPerMillion: 3.0, OutputPerMillion: 4.0},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecordAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	recs := []Record{
		{Timestamp: now, Token: "tok1", UserID: "sam", ThreadID: "thread_1", RunID: "run_1",
			Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0075},
		{Timestamp: now, Token: "tok2", UserID: "sam", ThreadID: "thread_1", RunID: "run_2",
			Model: "gpt-3.5-turbo-16k", InputTokens: 2000, OutputTokens: 1000, CostUSD: 0.01},
		{Timestamp: now, Token: "tok3", UserID: "ana", ThreadID: "thread_2", RunID: "run_3",
			Model: "gpt-4o", InputTokens: 50, OutputTokens: 5, CostUSD: 0.0001},
		{Timestamp: now.Add(-48 * time.Hour), Token: "tok4", UserID: "sam", ThreadID: "thread_1", RunID: "run_0",
			Model: "gpt-4o", InputTokens: 9999, OutputTokens: 9999, CostUSD: 1},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, "sam", now.Add(-time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Runs != 2 || sum.InputTokens != 3000 || sum.OutputTokens != 1500 {
		t.Errorf("summary = %+v", sum)
	}
	if !almostEqual(sum.CostUSD, 0.0175) {
		t.Errorf("cost = %f, want 0.0175", sum.CostUSD)
	}

	byModel, err := s.SummaryByModel(ctx, "sam", now.Add(-time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 || byModel["gpt-4o"].InputTokens != 1000 {
		t.Errorf("by model = %+v", byModel)
	}
}

func TestRecord_OncePerRun(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()
	rec := Record{Token: "tok1", UserID: "sam", ThreadID: "t", RunID: "r", Model: "gpt-4o", InputTokens: 10}

	for range 2 {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	sum, err := s.Summary(ctx, "sam", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Runs != 1 || sum.InputTokens != 10 {
		t.Errorf("summary = %+v, want one record", sum)
	}
}

func TestSummary_Empty(t *testing.T) {
	s := testStore(t)
	sum, err := s.Summary(t.Context(), "nobody", time.Time{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if *sum != (Summary{}) {
		t.Errorf("summary = %+v", sum)
	}
}

func TestComputeCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		in    int
		out   int
		want  float64
	}{
		{"priced model", "gpt-4o", 1_000_000, 100_000, 3.5},
		{"other priced model", "gpt-3.5-turbo-16k", 500_000, 250_000, 2.5},
		{"unknown model is free", "local-llama", 1_000_000, 1_000_000, 0},
		{"zero tokens", "gpt-4o", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeCost(tt.model, tt.in, tt.out, testPricing()); !almostEqual(got, tt.want) {
				t.Errorf("ComputeCost() = %f, want %f", got, tt.want)
			}
		})
	}
}
