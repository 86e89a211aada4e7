package envelope_test

import (
	"strings"
	"testing"

	"signline/internal/envelope"
)

func TestContentHashStableAfterRounding(t *testing.T) {
	a := map[string]any{"moment": 12.3456, "shear": 3.0001}
	b := map[string]any{"shear": 3.0, "moment": 12.3451}
	// 12.3456 rounds to 12.346 while 12.3451 rounds to 12.345
	if envelope.ContentHash(a) == envelope.ContentHash(b) {
		t.Fatalf("expected distinct hashes for values that differ after rounding")
	}
	c := map[string]any{"shear": 3.0004, "moment": 12.3451}
	d := map[string]any{"moment": 12.345, "shear": 3.0}
	if envelope.ContentHash(c) != envelope.ContentHash(d) {
		t.Fatalf("expected identical hashes for numerically-equal-after-rounding results")
	}
}

func TestContentHashIgnoresKeyOrder(t *testing.T) {
	type result struct {
		Shear  float64 `json:"shear"`
		Moment float64 `json:"moment"`
	}
	structural := envelope.ContentHash(result{Shear: 3.0, Moment: 12.345})
	mapped := envelope.ContentHash(map[string]any{"moment": 12.345, "shear": 3.0})
	if structural != mapped {
		t.Fatalf("hash should not depend on source shape: %s vs %s", structural, mapped)
	}
}

func TestBuildLowConfidenceSuppressesResult(t *testing.T) {
	env := envelope.Build(map[string]any{"ok": true}, []string{"warning: gust factor assumed"}, nil, nil, 0.4, envelope.Trace{})
	if env.Result != nil {
		t.Fatalf("expected nil result below review threshold, got %v", env.Result)
	}
	found := false
	for _, a := range env.Assumptions {
		if strings.Contains(a, "manual review") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected review assumption, got %v", env.Assumptions)
	}
}

func TestBuildHighConfidenceKeepsResult(t *testing.T) {
	env := envelope.Build(map[string]any{"ok": true}, nil, nil, nil, 0.5, envelope.Trace{})
	if env.Result == nil {
		t.Fatalf("expected result at threshold confidence")
	}
	if env.ContentHash == "" {
		t.Fatalf("expected content hash")
	}
}

func TestBuildErrorsForceNilResult(t *testing.T) {
	env := envelope.Build(map[string]any{"ok": true}, nil, nil, []envelope.FieldError{{Field: "height", Message: "out of range"}}, 0.9, envelope.Trace{})
	if env.Result != nil {
		t.Fatalf("expected nil result when errors present")
	}
	if len(env.Errors) != 1 || env.Errors[0].Field != "height" {
		t.Fatalf("unexpected errors: %v", env.Errors)
	}
}

func TestBuildIsPure(t *testing.T) {
	assumptions := []string{"a"}
	env := envelope.Build(nil, assumptions, nil, nil, 0.2, envelope.Trace{})
	if len(assumptions) != 1 {
		t.Fatalf("builder mutated caller slice: %v", assumptions)
	}
	if len(env.Assumptions) != 2 {
		t.Fatalf("expected appended review assumption, got %v", env.Assumptions)
	}
}

func TestCalcConfidence(t *testing.T) {
	cases := []struct {
		name        string
		assumptions []string
		want        float64
	}{
		{"empty", nil, 1.0},
		{"warning", []string{"warning: exposure category assumed C"}, 0.9},
		{"failure", []string{"baseplate check failed"}, 0.7},
		{"abstain", []string{"abstain: cannot size footing"}, 0.5},
		{"no feasible", []string{"no feasible pole section"}, 0.6},
		{"stacked", []string{"warning: x", "warning: y", "anchor check failed", "abstain"}, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := envelope.CalcConfidence(tc.assumptions)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestSortByKey(t *testing.T) {
	items := []map[string]any{{"id": "b"}, {"id": "a"}, {"id": "c"}}
	sorted := envelope.SortByKey(items, "id")
	if sorted[0]["id"] != "a" || sorted[2]["id"] != "c" {
		t.Fatalf("unexpected order: %v", sorted)
	}
	if items[0]["id"] != "b" {
		t.Fatalf("input mutated")
	}
}
