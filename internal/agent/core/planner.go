package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prospecthq/prospect/tools"
)

// Planner turns a task-classified request into an ordered research plan.
// Replanning discards the previous plan entirely; steps are never patched in
// place.
type Planner struct {
	llm      Completer
	maxSteps int
	logger   *log.Logger
}

func NewPlanner(llm Completer, maxSteps int, logger *log.Logger) *Planner {
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &Planner{llm: llm, maxSteps: maxSteps, logger: logger}
}

const plannerSystemPrompt = `You plan research for an autonomous agent.
Break the request into ordered sub-questions, each answerable by web research.
Available tiers, by cost: "discovery" (web search), "deep_dive" (page
extraction), "fallback" (hosted research API). Default to "discovery" unless
a sub-question clearly needs a deeper tier.

Respond ONLY with valid JSON:
{"steps": [{"target": "sub-question", "tier": "discovery"}]}
Do not include any other text or explanation.`

type plannedStep struct {
	Target string `json:"target"`
	Tier   string `json:"tier"`
}

// BuildPlan produces a new plan for the request. Guidance from a prior
// supervisor review, when present, steers the replan. A model or parse
// failure degrades to a single-step plan over the raw request so the cycle
// can still proceed.
func (p *Planner) BuildPlan(ctx context.Context, request string, history []Turn, guidance string) (*Plan, error) {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, t := range history {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Request: %s\n", request)
	if guidance != "" {
		fmt.Fprintf(&sb, "\nA previous research pass was judged inadequate. Reviewer guidance: %s\n", guidance)
	}
	fmt.Fprintf(&sb, "\nProduce at most %d steps.", p.maxSteps)

	raw, err := p.llm.Complete(ctx, plannerSystemPrompt, sb.String())
	if err != nil {
		p.logger.Printf("[PLANNER] model call failed, using fallback plan: %v", err)
		return p.fallbackPlan(request), nil
	}

	var parsed struct {
		Steps []plannedStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil || len(parsed.Steps) == 0 {
		p.logger.Printf("[PLANNER] unparseable plan, using fallback plan: %v", err)
		return p.fallbackPlan(request), nil
	}

	plan := &Plan{ID: uuid.NewString(), CreatedAt: time.Now()}
	for i, ps := range parsed.Steps {
		if i >= p.maxSteps {
			break
		}
		target := strings.TrimSpace(ps.Target)
		if target == "" {
			continue
		}
		tier := tools.Tier(strings.TrimSpace(ps.Tier))
		if !tier.Valid() {
			tier = tools.TierDiscovery
		}
		plan.Steps = append(plan.Steps, ResearchStep{
			ID:        fmt.Sprintf("step-%d", len(plan.Steps)+1),
			Target:    target,
			StartTier: tier,
		})
	}
	if len(plan.Steps) == 0 {
		return p.fallbackPlan(request), nil
	}
	return plan, nil
}

// SingleStepPlan builds a narrowly scoped plan for one target, used by
// refinement and by clarification sub-steps.
func SingleStepPlan(target string, tier tools.Tier) *Plan {
	if !tier.Valid() {
		tier = tools.TierDiscovery
	}
	return &Plan{
		ID:        uuid.NewString(),
		Steps:     []ResearchStep{{ID: "step-1", Target: target, StartTier: tier}},
		CreatedAt: time.Now(),
	}
}

func (p *Planner) fallbackPlan(request string) *Plan {
	return SingleStepPlan(request, tools.TierDiscovery)
}

// extractJSON strips markdown fences and surrounding prose that models
// sometimes wrap around a JSON object.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			return raw[i : j+1]
		}
	}
	return raw
}
