package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prospecthq/prospect/internal/budget"
	"github.com/prospecthq/prospect/internal/evidence"
	"github.com/prospecthq/prospect/tools"
)

// Researcher executes plan steps against the tool registry with tiered
// escalation. A step that fails on every tier is a partial failure: the gap
// is recorded and the cycle continues. The researcher never aborts a plan
// because one step failed.
type Researcher struct {
	registry        *tools.Registry
	minFindingChars int
	relevance       float64
	perCall         time.Duration
	logger          *log.Logger
}

func NewResearcher(registry *tools.Registry, minFindingChars int, relevance float64, perCall time.Duration, logger *log.Logger) *Researcher {
	if minFindingChars <= 0 {
		minFindingChars = 100
	}
	if perCall <= 0 {
		perCall = 60 * time.Second
	}
	return &Researcher{
		registry:        registry,
		minFindingChars: minFindingChars,
		relevance:       relevance,
		perCall:         perCall,
		logger:          logger,
	}
}

// ExecuteStep runs one step starting at its configured tier, escalating in
// the fixed tier order until a sufficient result or the final tier. Every
// attempt is appended to the step's result list; none are discarded. The
// only errors returned are budget breaches and context cancellation; tool
// failures are absorbed as recorded attempts.
func (r *Researcher) ExecuteStep(ctx context.Context, state *AgentState, step ResearchStep, idx *evidence.Index, monitor *budget.Monitor) error {
	tier := step.StartTier
	if !tier.Valid() {
		tier = tools.TierDiscovery
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := monitor.AddToolCall(); err != nil {
			return err
		}
		if err := monitor.CheckTime(); err != nil {
			return err
		}

		res := r.attempt(ctx, step, tier, state.Findings[step.ID])
		state.RecordFinding(step.ID, res)

		if res.Success && r.sufficient(step, res, idx) {
			r.logger.Printf("[RESEARCHER] step %s satisfied at tier %s (%d chars)", step.ID, tier, len(res.Content))
			return nil
		}
		r.logger.Printf("[RESEARCHER] step %s insufficient at tier %s: %s", step.ID, tier, attemptSummary(res))

		next, ok := tier.Next()
		if !ok {
			break
		}
		tier = next
	}

	if state.Gaps == nil {
		state.Gaps = make(map[string]string)
	}
	state.Gaps[step.ID] = fmt.Sprintf("no usable data for %q after all tiers", step.Target)
	return nil
}

func (r *Researcher) attempt(ctx context.Context, step ResearchStep, tier tools.Tier, prior []tools.Result) tools.Result {
	provider, ok := r.registry.Provider(tier)
	if !ok {
		return tools.Result{Tier: tier, Success: false, Error: "no provider configured for tier"}
	}

	req := tools.Request{Operation: operationFor(tier), Tier: tier, Params: map[string]any{"query": step.Target}}
	if tier == tools.TierDeepDive {
		// deep dive works best against URLs surfaced by earlier attempts
		if urls := discoveredURLs(prior); len(urls) > 0 {
			req.Params["urls"] = urls
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.perCall)
	defer cancel()

	start := time.Now()
	res, err := provider.Invoke(callCtx, req)
	if err != nil {
		// a timeout or transport error is treated like any provider failure
		return tools.Result{Tier: tier, Success: false, Error: err.Error(), Latency: time.Since(start)}
	}
	res.Tier = tier
	return res
}

// discoveredURLs collects deduplicated URLs surfaced by earlier attempts of
// the same step, in attempt order.
func discoveredURLs(prior []tools.Result) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, res := range prior {
		for _, u := range res.URLs {
			if _, dup := seen[u]; dup || u == "" {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// sufficient applies the configured sufficiency heuristic: enough content
// and, when an evidence index is available, BM25 relevance of the finding to
// the step target.
func (r *Researcher) sufficient(step ResearchStep, res tools.Result, idx *evidence.Index) bool {
	content := strings.TrimSpace(res.Content)
	if len(content) < r.minFindingChars {
		return false
	}
	if idx == nil {
		return true
	}
	url := ""
	if len(res.URLs) > 0 {
		url = res.URLs[0]
	}
	if err := idx.Add(evidence.Finding{ID: uuid.NewString(), StepID: step.ID, URL: url, Content: content}); err != nil {
		r.logger.Printf("[RESEARCHER] evidence indexing failed: %v", err)
		return true
	}
	ok, err := idx.Relevant(step.Target, r.relevance)
	if err != nil {
		r.logger.Printf("[RESEARCHER] relevance check failed: %v", err)
		return true
	}
	return ok
}

func operationFor(tier tools.Tier) string {
	switch tier {
	case tools.TierDiscovery:
		return "search"
	case tools.TierDeepDive:
		return "scrape"
	case tools.TierFallback:
		return "research"
	default:
		return "search"
	}
}

func attemptSummary(res tools.Result) string {
	if res.Error != "" {
		return res.Error
	}
	return fmt.Sprintf("%d chars", len(strings.TrimSpace(res.Content)))
}
