package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/prospecthq/prospect/tools"
)

// Writer synthesizes the report from gathered findings, and merges
// refinement passes into an existing report rather than regenerating it.
type Writer struct {
	llm    Completer
	logger *log.Logger
}

func NewWriter(llm Completer, logger *log.Logger) *Writer {
	return &Writer{llm: llm, logger: logger}
}

const writerSystemPrompt = `You write research reports from gathered evidence.
Structure the report as markdown with "## " section headings, one topic per
section. Cover every research step; where a step produced no data, say so
honestly instead of speculating. Cite source URLs inline where available.
Respond with the markdown report only.`

const refineSystemPrompt = `You update an existing research report.
Respond with markdown containing ONLY the sections to add or replace, using
"## " headings. To delete an existing section, emit a line of the form
REMOVE: <section topic>
Never restate unchanged sections.`

// Synthesize produces the first-pass report for the cycle. A model failure
// degrades to a report assembled directly from the raw findings.
func (w *Writer) Synthesize(ctx context.Context, request string, state *AgentState) Report {
	raw, err := w.llm.Complete(ctx, writerSystemPrompt, w.buildBrief(request, state))
	if err != nil {
		w.logger.Printf("[WRITER] model call failed, assembling raw report: %v", err)
		return w.rawReport(state)
	}
	report := parseSections(raw)
	if report.Empty() {
		w.logger.Printf("[WRITER] empty synthesis, assembling raw report")
		return w.rawReport(state)
	}
	return report
}

// Refine merges new findings into an existing report per the instruction.
// The result is content-additive: prior sections survive unless the model
// explicitly emits a REMOVE line for them.
func (w *Writer) Refine(ctx context.Context, existing Report, instruction string, findings map[string][]tools.Result) (Report, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Refinement instruction: %s\n\n", instruction)
	sb.WriteString("Existing report:\n")
	sb.WriteString(existing.Markdown())
	sb.WriteString("\n\nNew findings:\n")
	for id, attempts := range findings {
		for _, a := range attempts {
			if a.Success {
				fmt.Fprintf(&sb, "[%s] %s\n", id, truncate(a.Content, 2000))
			}
		}
	}

	raw, err := w.llm.Complete(ctx, refineSystemPrompt, sb.String())
	if err != nil {
		return existing, fmt.Errorf("refinement synthesis failed: %w", err)
	}

	merged := existing.Clone()
	removals, delta := parseRemovals(raw)
	for _, s := range parseSections(delta).Sections {
		merged.Upsert(s.Topic, s.Content)
	}
	for _, topic := range removals {
		merged.Remove(topic)
	}
	return merged, nil
}

func (w *Writer) buildBrief(request string, state *AgentState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request: %s\n\n", request)
	sb.WriteString("Evidence:\n")
	for _, id := range state.StepIDs() {
		for _, a := range state.Findings[id] {
			if !a.Success {
				continue
			}
			fmt.Fprintf(&sb, "[%s] %s\n", id, truncate(a.Content, 3000))
			if len(a.URLs) > 0 {
				fmt.Fprintf(&sb, "Sources: %s\n", strings.Join(a.URLs, ", "))
			}
		}
	}
	if len(state.Gaps) > 0 {
		sb.WriteString("\nSteps with no data:\n")
		for id, reason := range state.Gaps {
			fmt.Fprintf(&sb, "- %s: %s\n", id, reason)
		}
	}
	return sb.String()
}

// rawReport assembles findings verbatim when synthesis is unavailable.
func (w *Writer) rawReport(state *AgentState) Report {
	var report Report
	for _, id := range state.StepIDs() {
		var best string
		for _, a := range state.Findings[id] {
			if a.Success && len(a.Content) > len(best) {
				best = a.Content
			}
		}
		topic := id
		if state.Plan != nil {
			for _, step := range state.Plan.Steps {
				if step.ID == id {
					topic = step.Target
					break
				}
			}
		}
		if best != "" {
			report.Upsert(topic, best)
		}
	}
	if report.Empty() {
		report.Upsert("Findings", "No usable research results were gathered for this request.")
	}
	report.Caveat = "Automatic synthesis was unavailable; this report presents raw findings."
	return report
}

// parseSections splits markdown on "## " headings into topic-keyed sections.
func parseSections(markdown string) Report {
	var report Report
	var topic string
	var body []string
	flush := func() {
		if topic != "" {
			report.Upsert(topic, strings.TrimSpace(strings.Join(body, "\n")))
		}
		body = nil
	}
	for _, line := range strings.Split(markdown, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			topic = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		body = append(body, line)
	}
	flush()
	return report
}

// parseRemovals extracts "REMOVE: topic" lines, returning the remaining text.
func parseRemovals(raw string) ([]string, string) {
	var removals []string
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "REMOVE:"); ok {
			if topic := strings.TrimSpace(rest); topic != "" {
				removals = append(removals, topic)
			}
			continue
		}
		kept = append(kept, line)
	}
	return removals, strings.Join(kept, "\n")
}
