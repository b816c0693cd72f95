package core

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/prospecthq/prospect/tools"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestParseSectionsSplitsOnHeadings(t *testing.T) {
	report := parseSections("## Overview\n\nIntro text.\n\n## Risks\n\nRisk text.")
	if len(report.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(report.Sections))
	}
	if content, ok := report.Section("Risks"); !ok || content != "Risk text." {
		t.Fatalf("unexpected Risks section: %q ok=%v", content, ok)
	}
}

func TestReportUpsertReplacesExistingTopic(t *testing.T) {
	var r Report
	r.Upsert("Overview", "first")
	r.Upsert("overview", "second")
	if len(r.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(r.Sections))
	}
	if content, _ := r.Section("Overview"); content != "second" {
		t.Fatalf("expected replacement, got %q", content)
	}
}

func TestRefineIsContentAdditive(t *testing.T) {
	var existing Report
	existing.Upsert("Overview", "existing overview")
	existing.Upsert("Risks", "existing risks")

	w := NewWriter(fixedLLM("## Funding\n\nNew funding detail."), discardLogger())
	merged, err := w.Refine(context.Background(), existing, "add funding detail", map[string][]tools.Result{
		"refine-1": {okResult("funding content")},
	})
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if len(merged.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(merged.Sections))
	}
	for _, topic := range []string{"Overview", "Risks", "Funding"} {
		if _, ok := merged.Section(topic); !ok {
			t.Fatalf("missing section %s", topic)
		}
	}
}

func TestRefineHonorsExplicitRemoval(t *testing.T) {
	var existing Report
	existing.Upsert("Overview", "existing overview")
	existing.Upsert("Stale", "out of date")

	w := NewWriter(fixedLLM("REMOVE: Stale\n## Overview\n\nRefreshed overview."), discardLogger())
	merged, err := w.Refine(context.Background(), existing, "drop the stale section", nil)
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if _, ok := merged.Section("Stale"); ok {
		t.Fatal("explicitly removed section must be dropped")
	}
	if content, _ := merged.Section("Overview"); content != "Refreshed overview." {
		t.Fatalf("expected refreshed overview, got %q", content)
	}
}

func TestRefineFailurePreservesExistingReport(t *testing.T) {
	var existing Report
	existing.Upsert("Overview", "existing overview")

	w := NewWriter(&stubLLM{}, discardLogger())
	if _, err := w.Refine(context.Background(), existing, "add detail", nil); err == nil {
		t.Fatal("expected an error from the failed model call")
	}
	if _, ok := existing.Section("Overview"); !ok {
		t.Fatal("existing report must be untouched on failure")
	}
}

func TestSynthesizeFallsBackToRawFindings(t *testing.T) {
	state := &AgentState{
		Plan: &Plan{Steps: []ResearchStep{{ID: "step-1", Target: "Snowflake overview"}}},
	}
	state.RecordFinding("step-1", okResult(longFinding))

	w := NewWriter(&stubLLM{}, discardLogger())
	report := w.Synthesize(context.Background(), "Analyze Snowflake", state)
	if report.Empty() {
		t.Fatal("fallback report must not be empty")
	}
	if report.Caveat == "" {
		t.Fatal("fallback report must carry a caveat")
	}
	if _, ok := report.Section("Snowflake overview"); !ok {
		t.Fatal("fallback sections should be keyed by step target")
	}
}
