package core

import (
	"context"
	"testing"

	"github.com/prospecthq/prospect/tools"
)

func TestBuildPlanParsesStepsAndTiers(t *testing.T) {
	llm := fixedLLM(`{"steps":[
		{"target":"Snowflake revenue history","tier":"discovery"},
		{"target":"Snowflake 10-K filings","tier":"deep_dive"},
		{"target":"analyst sentiment","tier":"bogus"}
	]}`)
	p := NewPlanner(llm, 10, discardLogger())

	plan, err := p.BuildPlan(context.Background(), "Analyze Snowflake", nil, "")
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[1].StartTier != tools.TierDeepDive {
		t.Fatalf("expected deep_dive start tier, got %s", plan.Steps[1].StartTier)
	}
	if plan.Steps[2].StartTier != tools.TierDiscovery {
		t.Fatalf("unknown tier must default to discovery, got %s", plan.Steps[2].StartTier)
	}
}

func TestBuildPlanCapsStepCount(t *testing.T) {
	llm := fixedLLM(`{"steps":[
		{"target":"a"},{"target":"b"},{"target":"c"},{"target":"d"}
	]}`)
	p := NewPlanner(llm, 2, discardLogger())

	plan, err := p.BuildPlan(context.Background(), "Analyze Snowflake", nil, "")
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected plan capped at 2 steps, got %d", len(plan.Steps))
	}
}

func TestBuildPlanFallsBackOnModelFailure(t *testing.T) {
	p := NewPlanner(&stubLLM{}, 10, discardLogger())
	plan, err := p.BuildPlan(context.Background(), "Analyze Snowflake", nil, "")
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("expected single-step fallback plan, got %d steps", len(plan.Steps))
	}
	if plan.Steps[0].Target != "Analyze Snowflake" {
		t.Fatalf("fallback step must target the raw request, got %q", plan.Steps[0].Target)
	}
}

func TestBuildPlanFallsBackOnGarbageOutput(t *testing.T) {
	p := NewPlanner(fixedLLM("sure, here is a plan: first search the web"), 10, discardLogger())
	plan, err := p.BuildPlan(context.Background(), "Analyze Snowflake", nil, "")
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("expected single-step fallback plan, got %d steps", len(plan.Steps))
	}
}

func TestBuildPlanStripsMarkdownFences(t *testing.T) {
	llm := fixedLLM("```json\n{\"steps\":[{\"target\":\"Snowflake overview\",\"tier\":\"discovery\"}]}\n```")
	p := NewPlanner(llm, 10, discardLogger())
	plan, err := p.BuildPlan(context.Background(), "Analyze Snowflake", nil, "")
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Target != "Snowflake overview" {
		t.Fatalf("unexpected plan: %+v", plan.Steps)
	}
}
