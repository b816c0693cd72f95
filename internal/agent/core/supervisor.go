package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// Supervisor quality-gates aggregated findings for the current cycle. Its
// verdict drives looping versus progression in the orchestrator.
type Supervisor struct {
	llm    Completer
	logger *log.Logger
}

func NewSupervisor(llm Completer, logger *log.Logger) *Supervisor {
	return &Supervisor{llm: llm, logger: logger}
}

const supervisorSystemPrompt = `You review evidence gathered by a research agent.
Judge whether the findings are sufficient to answer the original request.

Verdicts:
- CLEAR: the findings answer the request; synthesis can proceed
- AMBIGUOUS: the findings point in conflicting directions or miss a
  clarifying fact; set "structural" true only if the whole plan misses the
  point of the request; set "user_question" only when the ambiguity can
  solely be resolved by the user (for example which of two same-named
  companies they mean)
- INSUFFICIENT: the findings are too thin; research must be redone

Respond ONLY with valid JSON:
{"verdict": "CLEAR|AMBIGUOUS|INSUFFICIENT", "guidance": "what to do next", "user_question": "", "structural": false}
Do not include any other text or explanation.`

// Review judges the cycle's findings. A model or parse failure degrades to a
// forced-progression review so the turn still terminates with a report.
func (s *Supervisor) Review(ctx context.Context, request string, state *AgentState) SupervisorReview {
	raw, err := s.llm.Complete(ctx, supervisorSystemPrompt, s.buildDigest(request, state))
	if err != nil {
		s.logger.Printf("[SUPERVISOR] model call failed, forcing progression: %v", err)
		return SupervisorReview{
			Verdict:   VerdictClear,
			Guidance:  "quality review unavailable; findings were not independently verified",
			Forced:    true,
			CreatedAt: time.Now(),
		}
	}

	var parsed struct {
		Verdict      string `json:"verdict"`
		Guidance     string `json:"guidance"`
		UserQuestion string `json:"user_question"`
		Structural   bool   `json:"structural"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		s.logger.Printf("[SUPERVISOR] unparseable review, forcing progression: %v", err)
		return SupervisorReview{
			Verdict:   VerdictClear,
			Guidance:  "quality review unavailable; findings were not independently verified",
			Forced:    true,
			CreatedAt: time.Now(),
		}
	}

	review := SupervisorReview{
		Guidance:     strings.TrimSpace(parsed.Guidance),
		UserQuestion: strings.TrimSpace(parsed.UserQuestion),
		Structural:   parsed.Structural,
		CreatedAt:    time.Now(),
	}
	switch Verdict(strings.ToUpper(strings.TrimSpace(parsed.Verdict))) {
	case VerdictClear:
		review.Verdict = VerdictClear
	case VerdictAmbiguous:
		review.Verdict = VerdictAmbiguous
	case VerdictInsufficient:
		review.Verdict = VerdictInsufficient
	default:
		s.logger.Printf("[SUPERVISOR] unknown verdict %q, treating as insufficient", parsed.Verdict)
		review.Verdict = VerdictInsufficient
	}
	return review
}

func (s *Supervisor) buildDigest(request string, state *AgentState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original request: %s\n\n", request)
	if state.Plan != nil {
		sb.WriteString("Plan:\n")
		for _, step := range state.Plan.Steps {
			fmt.Fprintf(&sb, "- %s: %s\n", step.ID, step.Target)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Findings:\n")
	for _, id := range state.StepIDs() {
		attempts := state.Findings[id]
		best := ""
		for _, a := range attempts {
			if a.Success && len(a.Content) > len(best) {
				best = a.Content
			}
		}
		if best == "" {
			fmt.Fprintf(&sb, "[%s] no successful result in %d attempts\n", id, len(attempts))
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", id, truncate(best, 1500))
	}
	if len(state.Gaps) > 0 {
		sb.WriteString("\nGaps:\n")
		for id, reason := range state.Gaps {
			fmt.Fprintf(&sb, "- %s: %s\n", id, reason)
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "…"
}
