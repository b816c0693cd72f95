package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prospecthq/prospect/config"
	"github.com/prospecthq/prospect/internal/agent/telemetry"
	"github.com/prospecthq/prospect/internal/budget"
	"github.com/prospecthq/prospect/internal/evidence"
	"github.com/prospecthq/prospect/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// transitions is the complete state machine: (current node, outcome) maps to
// the next node. The graph is fixed at compile time and never constructed
// dynamically.
var transitions = map[Node]map[Outcome]Node{
	NodeSanitizer: {
		OutcomeAccepted: NodeClassifier,
		OutcomeRejected: NodeRefusal,
	},
	NodeClassifier: {
		OutcomeTask:       NodePlanner,
		OutcomeChatty:     NodeChatty,
		OutcomeIrrelevant: NodeRefusal,
	},
	NodePlanner: {
		OutcomePlanned: NodeResearcher,
	},
	NodeResearcher: {
		OutcomeResearched: NodeSupervisor,
		OutcomeCapReached: NodeWriter,
	},
	NodeSupervisor: {
		OutcomeClear:      NodeWriter,
		OutcomeAmbiguous:  NodeResearcher,
		OutcomeNeedsUser:  NodeClarification,
		OutcomeStructural: NodePlanner,
		OutcomeLacking:    NodePlanner,
		OutcomeCapReached: NodeWriter,
	},
	NodeWriter: {
		OutcomeWritten: NodeFinalReport,
	},
}

// terminals are the states that end a turn.
var terminals = map[Node]bool{
	NodeRefusal:       true,
	NodeChatty:        true,
	NodeClarification: true,
	NodeFinalReport:   true,
	NodeFatal:         true,
}

const (
	refusalMessage = "I can't help with that request."
	fatalMessage   = "Something went wrong while researching your request. The session is intact; please try again."
)

// ErrTurnInFlight rejects a turn submitted while the session is already
// processing one. Within a session, agent state is only ever mutated by a
// single in-flight turn.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

var orchestratorTracer trace.Tracer = otel.Tracer("prospect/internal/agent/orchestrator")

// Orchestrator owns per-session agent state and drives the node transition
// table. Within one session execution is strictly sequential; sessions are
// isolated and may run concurrently.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	sanitizer  *Sanitizer
	classifier *Classifier
	planner    *Planner
	researcher *Researcher
	supervisor *Supervisor
	writer     *Writer
	chat       Completer
	evidence   *evidence.Manager

	// inflight maps session id to the cancel func of its running turn.
	inflight map[string]context.CancelFunc
	mu       sync.Mutex
}

// turnState carries the scratch values one turn threads between nodes.
type turnState struct {
	cleaned  string   // sanitizer output
	request  string   // task request driving the cycle
	question string   // supervisor question only the user can answer
	caveats  []string // accumulated forced-progression caveats
}

// RunTurn processes one user turn through the state machine until a terminal
// state. The returned error is non-nil only for cancellation and fatal
// system failures; every domain-level failure degrades inside the machine.
func (o *Orchestrator) RunTurn(ctx context.Context, sess *Session, input string) (TurnResult, error) {
	startTime := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "agent.run_turn",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Agent.TurnTimeout)
	defer cancel()
	if !o.registerInflight(sess.ID, cancel) {
		span.SetStatus(codes.Error, ErrTurnInFlight.Error())
		return TurnResult{}, ErrTurnInFlight
	}
	defer o.clearInflight(sess.ID)

	monitor := budget.NewMonitor(budget.Config{
		MaxIterations: o.cfg.Agent.MaxIterations,
		MaxToolCalls:  o.cfg.Agent.MaxToolCalls,
		MaxModelCalls: o.cfg.Agent.MaxModelCalls,
		MaxTurnTime:   o.cfg.Agent.TurnTimeout,
	})

	sess.Turns = append(sess.Turns, Turn{
		ID: uuid.NewString(), Role: "user", Content: input, CreatedAt: time.Now(),
	})
	traceStart := len(sess.State.Trace)

	result, err := o.drive(ctx, sess, input, monitor, &turnState{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Printf("[ORCH] turn aborted for session %s: %v", sess.ID, err)
		return TurnResult{}, err
	}

	result.Trace = append([]TraceEntry(nil), sess.State.Trace[traceStart:]...)
	sess.Turns = append(sess.Turns, Turn{
		ID: uuid.NewString(), Role: "agent", Content: result.Reply, Terminal: result.Terminal, CreatedAt: time.Now(),
	})
	sess.UpdatedAt = time.Now()

	o.telemetry.RecordTurn(string(result.Terminal), time.Since(startTime))
	span.SetAttributes(attribute.String("turn.terminal", string(result.Terminal)))
	span.SetStatus(codes.Ok, "completed")
	o.logger.Printf("[ORCH] session %s reached %s in %v", sess.ID, result.Terminal, time.Since(startTime))
	return result, nil
}

// drive executes nodes and follows the transition table until a terminal
// state. A transition guard bounds the walk so a table bug can never loop
// forever.
func (o *Orchestrator) drive(ctx context.Context, sess *Session, input string, monitor *budget.Monitor, ts *turnState) (TurnResult, error) {
	state := &sess.State
	maxTransitions := 10 + 4*o.cfg.Agent.MaxIterations

	node := NodeSanitizer
	for i := 0; i < maxTransitions; i++ {
		if err := ctx.Err(); err != nil {
			state.AppendTrace(node, "cancelled", err.Error())
			return TurnResult{}, err
		}
		o.telemetry.RecordTransition(string(node))

		if terminals[node] {
			return o.finish(ctx, node, sess, ts), nil
		}

		var outcome Outcome
		switch node {
		case NodeSanitizer:
			outcome = o.runSanitizer(state, input, ts)
		case NodeClassifier:
			outcome = o.runClassifier(ctx, sess, monitor, ts)
		case NodePlanner:
			outcome = o.runPlanner(ctx, sess, monitor, ts)
		case NodeResearcher:
			var err error
			outcome, err = o.runResearcher(ctx, sess, monitor, ts)
			if err != nil {
				return TurnResult{}, err
			}
		case NodeSupervisor:
			outcome = o.runSupervisor(ctx, sess, monitor, ts)
		case NodeWriter:
			outcome = o.runWriter(ctx, state, monitor, ts)
		default:
			state.AppendTrace(node, "error", "unknown node")
			return o.finish(ctx, NodeFatal, sess, ts), nil
		}

		next, ok := transitions[node][outcome]
		if !ok {
			state.AppendTrace(node, "error", fmt.Sprintf("no transition for outcome %q", outcome))
			return o.finish(ctx, NodeFatal, sess, ts), nil
		}
		node = next
	}

	state.AppendTrace(node, "error", "transition guard tripped")
	return o.finish(ctx, NodeFatal, sess, ts), nil
}

func (o *Orchestrator) runSanitizer(state *AgentState, input string, ts *turnState) Outcome {
	verdict := o.sanitizer.Inspect(input)
	if verdict.Reject {
		state.AppendTrace(NodeSanitizer, "reject", verdict.Reason)
		o.logger.Printf("[ORCH] sanitizer rejected input: %s", verdict.Reason)
		return OutcomeRejected
	}
	state.AppendTrace(NodeSanitizer, "accept", "")
	ts.cleaned = verdict.Cleaned
	return OutcomeAccepted
}

func (o *Orchestrator) runClassifier(ctx context.Context, sess *Session, monitor *budget.Monitor, ts *turnState) Outcome {
	state := &sess.State
	if err := monitor.AddModelCall(); err != nil {
		state.AppendTrace(NodeClassifier, "budget", err.Error())
		return OutcomeIrrelevant
	}
	o.telemetry.RecordLLMRequest(o.classifier.llm.Model())

	persona, err := o.classifier.Classify(ctx, ts.cleaned, o.historyWindow(sess))
	if err != nil {
		state.AppendTrace(NodeClassifier, "degraded", err.Error())
	}
	state.Persona = persona
	state.AppendTrace(NodeClassifier, "classify", string(persona))

	switch persona {
	case PersonaTask:
		ts.request = ts.cleaned
		state.BeginCycle()
		return OutcomeTask
	case PersonaChatty:
		return OutcomeChatty
	default:
		return OutcomeIrrelevant
	}
}

func (o *Orchestrator) runPlanner(ctx context.Context, sess *Session, monitor *budget.Monitor, ts *turnState) Outcome {
	state := &sess.State
	guidance := ""
	if n := len(state.Reviews); n > 0 {
		guidance = state.Reviews[n-1].Guidance
	}

	var plan *Plan
	if err := monitor.AddModelCall(); err != nil {
		state.AppendTrace(NodePlanner, "budget", err.Error())
		plan = SingleStepPlan(ts.request, "")
	} else {
		o.telemetry.RecordLLMRequest(o.planner.llm.Model())
		plan, _ = o.planner.BuildPlan(ctx, ts.request, o.historyWindow(sess), guidance)
	}

	state.Plan = plan
	state.Cursor = 0
	state.AppendTrace(NodePlanner, "plan", fmt.Sprintf("%d steps", len(plan.Steps)))
	return OutcomePlanned
}

func (o *Orchestrator) runResearcher(ctx context.Context, sess *Session, monitor *budget.Monitor, ts *turnState) (Outcome, error) {
	state := &sess.State
	idx, err := o.evidence.For(sess.ID)
	if err != nil {
		o.logger.Printf("[ORCH] evidence index unavailable for session %s: %v", sess.ID, err)
		idx = nil
	}

	for state.Cursor < len(state.Plan.Steps) {
		step := state.Plan.Steps[state.Cursor]
		before := len(state.Findings[step.ID])
		err := o.researcher.ExecuteStep(ctx, state, step, idx, monitor)
		for _, attempt := range state.Findings[step.ID][before:] {
			o.telemetry.RecordToolAttempt(string(attempt.Tier), attempt.Success)
		}
		if err != nil {
			var exceeded budget.ErrExceeded
			if errors.As(err, &exceeded) {
				// cursor stays on the unfinished step; the turn degrades
				// to a report over whatever was gathered
				state.AppendTrace(NodeResearcher, "budget", err.Error())
				ts.caveats = append(ts.caveats, fmt.Sprintf("research stopped early: %s budget exhausted", exceeded.Kind))
				return OutcomeCapReached, nil
			}
			state.AppendTrace(NodeResearcher, "cancelled", err.Error())
			return "", err
		}
		if gap, failed := state.Gaps[step.ID]; failed {
			state.AppendTrace(NodeResearcher, "step_failed", gap)
		} else {
			state.AppendTrace(NodeResearcher, "step_done", step.ID)
		}
		state.Cursor++
	}
	return OutcomeResearched, nil
}

func (o *Orchestrator) runSupervisor(ctx context.Context, sess *Session, monitor *budget.Monitor, ts *turnState) Outcome {
	state := &sess.State

	var review SupervisorReview
	if err := monitor.AddModelCall(); err != nil {
		state.AppendTrace(NodeSupervisor, "budget", err.Error())
		review = SupervisorReview{Verdict: VerdictClear, Guidance: "model budget exhausted before quality review", Forced: true, CreatedAt: time.Now()}
	} else {
		o.telemetry.RecordLLMRequest(o.supervisor.llm.Model())
		review = o.supervisor.Review(ctx, ts.request, state)
	}
	state.Reviews = append(state.Reviews, review)
	state.AppendTrace(NodeSupervisor, "review", string(review.Verdict))

	if review.Forced {
		ts.caveats = append(ts.caveats, review.Guidance)
		return OutcomeClear
	}

	switch review.Verdict {
	case VerdictClear:
		return OutcomeClear
	case VerdictAmbiguous:
		// an ambiguity only the user can resolve is surfaced once, before
		// any internal loop-back has been spent on it
		if review.UserQuestion != "" && !review.Structural && state.Iterations == 0 {
			ts.question = review.UserQuestion
			state.AppendTrace(NodeSupervisor, "needs_user", review.UserQuestion)
			return OutcomeNeedsUser
		}
		iter, capped := monitor.AddIteration()
		state.Iterations = iter
		if capped {
			ts.caveats = append(ts.caveats, capCaveat(review))
			state.AppendTrace(NodeSupervisor, "cap_reached", fmt.Sprintf("iteration %d", iter))
			return OutcomeCapReached
		}
		if review.Structural {
			return OutcomeStructural
		}
		// narrow clarification pass: a fresh single-step plan over the
		// reviewer's guidance, prior findings retained
		target := review.Guidance
		if target == "" {
			target = ts.request
		}
		state.Plan = SingleStepPlan(target, "")
		state.Cursor = 0
		state.AppendTrace(NodeSupervisor, "clarify", target)
		return OutcomeAmbiguous
	default: // INSUFFICIENT
		iter, capped := monitor.AddIteration()
		state.Iterations = iter
		if capped {
			ts.caveats = append(ts.caveats, capCaveat(review))
			state.AppendTrace(NodeSupervisor, "cap_reached", fmt.Sprintf("iteration %d", iter))
			return OutcomeCapReached
		}
		return OutcomeLacking
	}
}

func (o *Orchestrator) runWriter(ctx context.Context, state *AgentState, monitor *budget.Monitor, ts *turnState) Outcome {
	var report Report
	if err := monitor.AddModelCall(); err != nil {
		state.AppendTrace(NodeWriter, "budget", err.Error())
		report = o.writer.rawReport(state)
	} else {
		o.telemetry.RecordLLMRequest(o.writer.llm.Model())
		report = o.writer.Synthesize(ctx, ts.request, state)
	}

	if len(ts.caveats) > 0 {
		caveat := strings.Join(ts.caveats, " ")
		if report.Caveat != "" {
			report.Caveat = report.Caveat + " " + caveat
		} else {
			report.Caveat = caveat
		}
	}
	state.Report = report
	state.AppendTrace(NodeWriter, "synthesize", fmt.Sprintf("%d sections", len(report.Sections)))
	return OutcomeWritten
}

// finish produces the terminal result and its trace entry.
func (o *Orchestrator) finish(ctx context.Context, node Node, sess *Session, ts *turnState) TurnResult {
	state := &sess.State
	switch node {
	case NodeRefusal:
		state.AppendTrace(NodeRefusal, "refuse", "")
		return TurnResult{Terminal: NodeRefusal, Reply: refusalMessage}
	case NodeChatty:
		reply := o.chatReply(ctx, sess, ts)
		state.AppendTrace(NodeChatty, "reply", "")
		return TurnResult{Terminal: NodeChatty, Reply: reply}
	case NodeClarification:
		state.AppendTrace(NodeClarification, "ask", ts.question)
		return TurnResult{Terminal: NodeClarification, Reply: "Clarification needed: " + ts.question}
	case NodeFinalReport:
		state.AppendTrace(NodeFinalReport, "deliver", fmt.Sprintf("%d sections", len(state.Report.Sections)))
		report := state.Report.Clone()
		return TurnResult{Terminal: NodeFinalReport, Reply: report.Markdown(), Report: &report}
	default:
		state.AppendTrace(NodeFatal, "fail", "")
		return TurnResult{Terminal: NodeFatal, Reply: fatalMessage}
	}
}

func (o *Orchestrator) chatReply(ctx context.Context, sess *Session, ts *turnState) string {
	const chatSystemPrompt = `You are a friendly research assistant. Reply briefly and conversationally. If the user wants research done, invite them to describe what to investigate.`
	var sb strings.Builder
	for _, t := range o.historyWindow(sess) {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	fmt.Fprintf(&sb, "user: %s", ts.cleaned)

	o.telemetry.RecordLLMRequest(o.chat.Model())
	reply, err := o.chat.Complete(ctx, chatSystemPrompt, sb.String())
	if err != nil || strings.TrimSpace(reply) == "" {
		return "Happy to chat! When you're ready, tell me what you'd like me to research."
	}
	return strings.TrimSpace(reply)
}

// Refine merges a narrowly scoped addition into the session's existing
// report. It re-enters at the researcher with a single-step plan and never
// regenerates the report from scratch.
func (o *Orchestrator) Refine(ctx context.Context, sess *Session, instruction string) (TurnResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "agent.refine",
		trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Agent.TurnTimeout)
	defer cancel()
	if !o.registerInflight(sess.ID, cancel) {
		span.SetStatus(codes.Error, ErrTurnInFlight.Error())
		return TurnResult{}, ErrTurnInFlight
	}
	defer o.clearInflight(sess.ID)

	if sess.State.Report.Empty() {
		return TurnResult{}, errors.New("no report to refine")
	}

	state := &sess.State
	verdict := o.sanitizer.Inspect(instruction)
	if verdict.Reject {
		state.AppendTrace(NodeSanitizer, "reject", verdict.Reason)
		return TurnResult{Terminal: NodeRefusal, Reply: refusalMessage}, nil
	}
	state.AppendTrace(NodeSanitizer, "accept", "refinement")

	monitor := budget.NewMonitor(budget.Config{
		MaxToolCalls:  o.cfg.Agent.MaxToolCalls,
		MaxModelCalls: o.cfg.Agent.MaxModelCalls,
		MaxTurnTime:   o.cfg.Agent.TurnTimeout,
	})

	plan := SingleStepPlan(verdict.Cleaned, "")
	step := plan.Steps[0]
	step.ID = "refine-" + uuid.NewString()[:8]
	plan.Steps[0] = step
	state.Plan = plan
	state.Cursor = 0
	state.AppendTrace(NodePlanner, "plan", "refinement step")

	idx, err := o.evidence.For(sess.ID)
	if err != nil {
		idx = nil
	}
	before := len(state.Findings[step.ID])
	if err := o.researcher.ExecuteStep(ctx, state, step, idx, monitor); err != nil {
		var exceeded budget.ErrExceeded
		if !errors.As(err, &exceeded) {
			state.AppendTrace(NodeResearcher, "cancelled", err.Error())
			span.RecordError(err)
			return TurnResult{}, err
		}
		state.AppendTrace(NodeResearcher, "budget", err.Error())
	}
	for _, attempt := range state.Findings[step.ID][before:] {
		o.telemetry.RecordToolAttempt(string(attempt.Tier), attempt.Success)
	}
	state.Cursor = 1
	if gap, failed := state.Gaps[step.ID]; failed {
		state.AppendTrace(NodeResearcher, "step_failed", gap)
	} else {
		state.AppendTrace(NodeResearcher, "step_done", step.ID)
	}

	o.telemetry.RecordLLMRequest(o.writer.llm.Model())
	newFindings := map[string][]tools.Result{step.ID: state.Findings[step.ID]}
	merged, err := o.writer.Refine(ctx, state.Report, verdict.Cleaned, newFindings)
	if err != nil {
		state.AppendTrace(NodeWriter, "degraded", err.Error())
		merged = state.Report
	}
	state.Report = merged
	state.AppendTrace(NodeWriter, "refine", fmt.Sprintf("%d sections", len(merged.Sections)))

	report := merged.Clone()
	sess.Turns = append(sess.Turns,
		Turn{ID: uuid.NewString(), Role: "user", Content: instruction, CreatedAt: time.Now()},
		Turn{ID: uuid.NewString(), Role: "agent", Content: report.Markdown(), Terminal: NodeFinalReport, CreatedAt: time.Now()},
	)
	sess.UpdatedAt = time.Now()
	o.telemetry.RecordTurn(string(NodeFinalReport), 0)
	span.SetStatus(codes.Ok, "completed")
	return TurnResult{Terminal: NodeFinalReport, Reply: report.Markdown(), Report: &report}, nil
}

// Cancel aborts the in-flight call of a running turn. The session remains
// resumable; the plan cursor is not advanced past incomplete work.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.inflight[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// EndSession tears down per-session resources.
func (o *Orchestrator) EndSession(sessionID string) {
	o.evidence.Drop(sessionID)
}

// Metrics exposes aggregate telemetry for the status endpoint.
func (o *Orchestrator) Metrics() telemetry.Metrics {
	return o.telemetry.GetMetrics()
}

func (o *Orchestrator) registerInflight(sessionID string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[sessionID]; busy {
		return false
	}
	o.inflight[sessionID] = cancel
	return true
}

func (o *Orchestrator) clearInflight(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, sessionID)
}

// historyWindow returns the most recent turns for model context, excluding
// the in-progress user turn.
func (o *Orchestrator) historyWindow(sess *Session) []Turn {
	turns := sess.Turns
	if n := len(turns); n > 0 && turns[n-1].Role == "user" {
		turns = turns[:n-1]
	}
	window := o.cfg.Agent.HistoryWindow
	if window <= 0 || len(turns) <= window {
		return turns
	}
	return turns[len(turns)-window:]
}

func capCaveat(review SupervisorReview) string {
	msg := "the iteration limit was reached before the evidence was judged sufficient"
	if review.Guidance != "" {
		msg += "; outstanding: " + review.Guidance
	}
	return msg
}
