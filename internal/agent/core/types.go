package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/prospecthq/prospect/tools"
)

// Persona classifies user intent and controls routing for one turn.
type Persona string

const (
	PersonaTask       Persona = "TASK"
	PersonaChatty     Persona = "CHATTY"
	PersonaIrrelevant Persona = "IRRELEVANT"
)

// Verdict is the supervisor's quality judgment on gathered evidence.
type Verdict string

const (
	VerdictClear        Verdict = "CLEAR"
	VerdictAmbiguous    Verdict = "AMBIGUOUS"
	VerdictInsufficient Verdict = "INSUFFICIENT"
)

// Node names a state in the orchestration machine.
type Node string

const (
	NodeSanitizer  Node = "sanitizer"
	NodeClassifier Node = "classifier"
	NodePlanner    Node = "planner"
	NodeResearcher Node = "researcher"
	NodeSupervisor Node = "supervisor"
	NodeWriter     Node = "writer"

	// Terminal states.
	NodeRefusal       Node = "refusal"
	NodeChatty        Node = "chatty_reply"
	NodeClarification Node = "clarification"
	NodeFinalReport   Node = "final_report"
	NodeFatal         Node = "fatal_error"
)

// Outcome is the result of executing one node, keyed into the transition table.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeRejected   Outcome = "rejected"
	OutcomeTask       Outcome = "task"
	OutcomeChatty     Outcome = "chatty"
	OutcomeIrrelevant Outcome = "irrelevant"
	OutcomePlanned    Outcome = "planned"
	OutcomeResearched Outcome = "researched"
	OutcomeClear      Outcome = "clear"
	OutcomeAmbiguous  Outcome = "ambiguous"
	OutcomeNeedsUser  Outcome = "needs_user"
	OutcomeStructural Outcome = "ambiguous_structural"
	OutcomeLacking    Outcome = "insufficient"
	OutcomeCapReached Outcome = "cap_reached"
	OutcomeWritten    Outcome = "written"
)

// ResearchStep is one ordered target within a plan.
type ResearchStep struct {
	ID        string     `json:"id"`
	Target    string     `json:"target"`
	StartTier tools.Tier `json:"start_tier"`
}

// Plan is an ordered sequence of research steps. A plan is immutable for the
// duration of a research cycle; replanning replaces it wholesale.
type Plan struct {
	ID        string         `json:"id"`
	Steps     []ResearchStep `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
}

// TraceEntry is one record in the append-only thought trace.
type TraceEntry struct {
	Node      Node      `json:"node"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SupervisorReview records one quality-gate decision.
type SupervisorReview struct {
	Verdict      Verdict   `json:"verdict"`
	Guidance     string    `json:"guidance,omitempty"`
	UserQuestion string    `json:"user_question,omitempty"` // question only the user can answer
	Structural   bool      `json:"structural,omitempty"`    // ambiguity requires a new plan
	Forced       bool      `json:"forced,omitempty"`        // progression forced despite verdict
	CreatedAt    time.Time `json:"created_at"`
}

// ReportSection is one topic-keyed section of a report.
type ReportSection struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

// Report holds draft or final sections keyed by topic. Refinement appends or
// modifies sections; prior content is only dropped when explicitly requested.
type Report struct {
	Sections []ReportSection `json:"sections"`
	Caveat   string          `json:"caveat,omitempty"`
}

// Upsert replaces the section with the given topic or appends a new one.
func (r *Report) Upsert(topic, content string) {
	for i := range r.Sections {
		if strings.EqualFold(r.Sections[i].Topic, topic) {
			r.Sections[i].Content = content
			return
		}
	}
	r.Sections = append(r.Sections, ReportSection{Topic: topic, Content: content})
}

// Remove drops the section with the given topic, if present.
func (r *Report) Remove(topic string) {
	for i := range r.Sections {
		if strings.EqualFold(r.Sections[i].Topic, topic) {
			r.Sections = append(r.Sections[:i], r.Sections[i+1:]...)
			return
		}
	}
}

// Section returns the content for a topic and whether it exists.
func (r *Report) Section(topic string) (string, bool) {
	for i := range r.Sections {
		if strings.EqualFold(r.Sections[i].Topic, topic) {
			return r.Sections[i].Content, true
		}
	}
	return "", false
}

// Topics returns the section topics in order.
func (r *Report) Topics() []string {
	out := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		out = append(out, s.Topic)
	}
	return out
}

// Clone returns a deep copy of the report.
func (r Report) Clone() Report {
	out := Report{Caveat: r.Caveat}
	out.Sections = make([]ReportSection, len(r.Sections))
	copy(out.Sections, r.Sections)
	return out
}

// Markdown renders the report as a markdown document.
func (r Report) Markdown() string {
	var sb strings.Builder
	for _, s := range r.Sections {
		sb.WriteString("## ")
		sb.WriteString(s.Topic)
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(s.Content))
		sb.WriteString("\n\n")
	}
	if r.Caveat != "" {
		sb.WriteString("## Caveats\n\n")
		sb.WriteString(strings.TrimSpace(r.Caveat))
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// Empty reports whether the report has no sections.
func (r Report) Empty() bool { return len(r.Sections) == 0 }

// AgentState is the per-session mutable state shared by the decision nodes.
// It is mutated only by the orchestrator on behalf of the executing node,
// never concurrently within one session.
type AgentState struct {
	Persona    Persona                   `json:"persona,omitempty"`
	Plan       *Plan                     `json:"plan,omitempty"`
	Cursor     int                       `json:"cursor"`
	Findings   map[string][]tools.Result `json:"findings,omitempty"` // step id -> attempts in tier order
	Gaps       map[string]string         `json:"gaps,omitempty"`     // step id -> no-data reason
	Trace      []TraceEntry              `json:"trace,omitempty"`
	Reviews    []SupervisorReview        `json:"reviews,omitempty"`
	Iterations int                       `json:"iterations"`
	Report     Report                    `json:"report"`
}

// BeginCycle resets the research-cycle fields for a fresh task turn while
// keeping the report available for refinement.
func (s *AgentState) BeginCycle() {
	s.Plan = nil
	s.Cursor = 0
	s.Findings = make(map[string][]tools.Result)
	s.Gaps = make(map[string]string)
	s.Reviews = nil
	s.Iterations = 0
}

// AppendTrace records one node action. Entries are strictly ordered by
// wall-clock occurrence within a session.
func (s *AgentState) AppendTrace(node Node, action, detail string) {
	s.Trace = append(s.Trace, TraceEntry{Node: node, Action: action, Detail: detail, Timestamp: time.Now()})
}

// RecordFinding appends a tool attempt to the step's result list. Attempts
// are never overwritten; escalation adds new entries.
func (s *AgentState) RecordFinding(stepID string, res tools.Result) {
	if s.Findings == nil {
		s.Findings = make(map[string][]tools.Result)
	}
	s.Findings[stepID] = append(s.Findings[stepID], res)
}

// StepIDs returns the finding step ids in sorted order for stable digests.
func (s *AgentState) StepIDs() []string {
	out := make([]string, 0, len(s.Findings))
	for id := range s.Findings {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Turn is one entry in a session's conversation history.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // user or agent
	Content   string    `json:"content"`
	Terminal  Node      `json:"terminal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session carries the conversation history and agent state for one chat.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Turns     []Turn     `json:"turns"`
	State     AgentState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TurnResult is what one processed user turn yields for the chat surface.
type TurnResult struct {
	Terminal Node         `json:"terminal"`
	Reply    string       `json:"reply,omitempty"`
	Report   *Report      `json:"report,omitempty"`
	Trace    []TraceEntry `json:"trace,omitempty"`
}

// Completer is the opaque text-completion capability used by the
// model-backed nodes.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}
