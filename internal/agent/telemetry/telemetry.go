package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prospecthq/prospect/config"
)

// Telemetry provides monitoring for the orchestration loop. Counters are
// exported through the default prometheus registry; aggregate metrics are
// kept in memory for the status endpoint.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
	mu      sync.RWMutex
}

// Metrics holds aggregate performance metrics.
type Metrics struct {
	TotalTurns      int64
	TurnsByTerminal map[string]int64
	ToolAttempts    map[string]int64 // tier -> attempts
	ToolFailures    map[string]int64 // tier -> failed attempts
	LLMRequests     map[string]int64 // model -> requests
	AverageTurnTime time.Duration
}

var (
	promOnce sync.Once

	turnsTotal      *prometheus.CounterVec
	toolAttempts    *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	nodeTransitions *prometheus.CounterVec
	turnDuration    prometheus.Histogram
)

func initCollectors() {
	promOnce.Do(func() {
		turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prospect_turns_total",
			Help: "Processed user turns by terminal state.",
		}, []string{"terminal"})
		toolAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prospect_tool_attempts_total",
			Help: "Tool invocations by tier and success.",
		}, []string{"tier", "success"})
		llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prospect_llm_requests_total",
			Help: "Model completion calls by model.",
		}, []string{"model"})
		nodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "prospect_node_transitions_total",
			Help: "State machine transitions by node entered.",
		}, []string{"node"})
		turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "prospect_turn_duration_seconds",
			Help:    "Wall time spent processing one turn.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		})
	})
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	initCollectors()
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			TurnsByTerminal: make(map[string]int64),
			ToolAttempts:    make(map[string]int64),
			ToolFailures:    make(map[string]int64),
			LLMRequests:     make(map[string]int64),
		},
	}
}

// RecordTurn records a completed turn and its terminal state.
func (t *Telemetry) RecordTurn(terminal string, elapsed time.Duration) {
	if t == nil || !t.config.Enabled {
		return
	}
	turnsTotal.WithLabelValues(terminal).Inc()
	turnDuration.Observe(elapsed.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.TotalTurns++
	t.metrics.TurnsByTerminal[terminal]++
	if t.metrics.TotalTurns == 1 {
		t.metrics.AverageTurnTime = elapsed
	} else {
		total := t.metrics.AverageTurnTime*time.Duration(t.metrics.TotalTurns-1) + elapsed
		t.metrics.AverageTurnTime = total / time.Duration(t.metrics.TotalTurns)
	}
}

// RecordToolAttempt records one tool invocation.
func (t *Telemetry) RecordToolAttempt(tier string, success bool) {
	if t == nil || !t.config.Enabled {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	toolAttempts.WithLabelValues(tier, label).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.ToolAttempts[tier]++
	if !success {
		t.metrics.ToolFailures[tier]++
	}
}

// RecordLLMRequest records one model completion call.
func (t *Telemetry) RecordLLMRequest(model string) {
	if t == nil || !t.config.Enabled {
		return
	}
	llmRequests.WithLabelValues(model).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.LLMRequests[model]++
}

// RecordTransition records entry into a state machine node.
func (t *Telemetry) RecordTransition(node string) {
	if t == nil || !t.config.Enabled {
		return
	}
	nodeTransitions.WithLabelValues(node).Inc()
}

// GetMetrics returns a copy of the aggregate metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := Metrics{
		TotalTurns:      t.metrics.TotalTurns,
		AverageTurnTime: t.metrics.AverageTurnTime,
		TurnsByTerminal: make(map[string]int64, len(t.metrics.TurnsByTerminal)),
		ToolAttempts:    make(map[string]int64, len(t.metrics.ToolAttempts)),
		ToolFailures:    make(map[string]int64, len(t.metrics.ToolFailures)),
		LLMRequests:     make(map[string]int64, len(t.metrics.LLMRequests)),
	}
	for k, v := range t.metrics.TurnsByTerminal {
		out.TurnsByTerminal[k] = v
	}
	for k, v := range t.metrics.ToolAttempts {
		out.ToolAttempts[k] = v
	}
	for k, v := range t.metrics.ToolFailures {
		out.ToolFailures[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		out.LLMRequests[k] = v
	}
	return out
}
