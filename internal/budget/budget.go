package budget

import (
	"sync"
	"time"
)

// Config defines guardrails for a single orchestration turn.
type Config struct {
	MaxIterations int           // supervisor loop cap
	MaxToolCalls  int           // tool invocations per turn
	MaxModelCalls int           // model completions per turn
	MaxTurnTime   time.Duration // wall-time ceiling per turn
}

// Monitor tracks actual usage against configured limits during a turn.
type Monitor struct {
	config     Config
	toolCalls  int
	modelCalls int
	iterations int
	startTime  time.Time
	mu         sync.Mutex
}

// NewMonitor starts tracking usage for one turn.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{config: cfg, startTime: time.Now()}
}

// AddToolCall records one tool invocation, returning an error when the
// per-turn call budget is breached.
func (m *Monitor) AddToolCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls++
	if m.config.MaxToolCalls > 0 && m.toolCalls > m.config.MaxToolCalls {
		return ErrExceeded{Kind: "tool_calls", Usage: m.toolCalls, Limit: m.config.MaxToolCalls}
	}
	return nil
}

// AddModelCall records one model completion call.
func (m *Monitor) AddModelCall() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelCalls++
	if m.config.MaxModelCalls > 0 && m.modelCalls > m.config.MaxModelCalls {
		return ErrExceeded{Kind: "model_calls", Usage: m.modelCalls, Limit: m.config.MaxModelCalls}
	}
	return nil
}

// AddIteration bumps the supervisor loop counter, or reports the cap if the
// counter already sits at it. The cap permits that many loop-backs: the
// evaluation after the last permitted one sees capped and the counter stays
// at the cap. Reaching the cap is not an error: the orchestrator must force
// progression, never abort.
func (m *Monitor) AddIteration() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxIterations > 0 && m.iterations >= m.config.MaxIterations {
		return m.iterations, true
	}
	m.iterations++
	return m.iterations, false
}

// Iterations returns the current loop count.
func (m *Monitor) Iterations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterations
}

// CheckTime verifies elapsed wall time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxTurnTime <= 0 {
		return nil
	}
	if elapsed := time.Since(m.startTime); elapsed > m.config.MaxTurnTime {
		return ErrExceeded{Kind: "time", Usage: int(elapsed.Seconds()), Limit: int(m.config.MaxTurnTime.Seconds())}
	}
	return nil
}

// Usage returns the accumulated counters.
func (m *Monitor) Usage() (toolCalls, modelCalls, iterations int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolCalls, m.modelCalls, m.iterations, time.Since(m.startTime)
}
