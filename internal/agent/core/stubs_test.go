package core

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/prospecthq/prospect/config"
	"github.com/prospecthq/prospect/internal/agent/telemetry"
	"github.com/prospecthq/prospect/tools"
)

// stubLLM scripts model completions for deterministic routing tests.
type stubLLM struct {
	model string
	fn    func(system, user string) (string, error)

	mu    sync.Mutex
	calls int
}

func (s *stubLLM) Complete(ctx context.Context, system, user string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn == nil {
		return "", errors.New("stub has no script")
	}
	return s.fn(system, user)
}

func (s *stubLLM) Model() string {
	if s.model == "" {
		return "stub-model"
	}
	return s.model
}

func (s *stubLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fixedLLM(response string) *stubLLM {
	return &stubLLM{fn: func(string, string) (string, error) { return response, nil }}
}

// stubTool serves scripted results for one tier.
type stubTool struct {
	tier    tools.Tier
	results []tools.Result

	mu    sync.Mutex
	calls int
}

func (s *stubTool) Tier() tools.Tier { return s.tier }

func (s *stubTool) Invoke(ctx context.Context, req tools.Request) (tools.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return tools.Result{Tier: s.tier, Success: false, Error: "no scripted result"}, nil
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	res.Tier = s.tier
	return res, nil
}

func (s *stubTool) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okResult(content string, urls ...string) tools.Result {
	return tools.Result{Success: true, Content: content, URLs: urls}
}

const longFinding = "Snowflake is a cloud data platform company. Revenue growth has been strong across recent quarters, driven by consumption-based pricing and expansion within existing enterprise customers. Competition includes Databricks and the hyperscaler warehouses."

func testRegistry(t *testing.T, providers ...tools.Provider) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(providers...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func testSanitizer(t *testing.T) *Sanitizer {
	t.Helper()
	s, err := NewSanitizer(config.SecurityConfig{})
	if err != nil {
		t.Fatalf("NewSanitizer: %v", err)
	}
	return s
}

func newTestOrchestrator(t *testing.T, agent config.AgentConfig, c Components) *Orchestrator {
	t.Helper()
	if c.Sanitizer == nil {
		c.Sanitizer = testSanitizer(t)
	}
	if c.ClassifierLLM == nil {
		c.ClassifierLLM = fixedLLM("TASK")
	}
	if c.PlannerLLM == nil {
		c.PlannerLLM = fixedLLM(`{"steps":[{"target":"Snowflake company overview","tier":"discovery"}]}`)
	}
	if c.SupervisorLLM == nil {
		c.SupervisorLLM = fixedLLM(`{"verdict":"CLEAR","guidance":"","structural":false}`)
	}
	if c.WriterLLM == nil {
		c.WriterLLM = fixedLLM("## Overview\n\nSnowflake findings summarized.")
	}
	if c.ChatLLM == nil {
		c.ChatLLM = fixedLLM("Hello!")
	}
	if c.Registry == nil {
		c.Registry = testRegistry(t, &stubTool{tier: tools.TierDiscovery, results: []tools.Result{okResult(longFinding, "https://example.com")}})
	}
	cfg := &config.Config{Agent: agent.Normalize()}
	logger := log.New(io.Discard, "", 0)
	tel := telemetry.NewTelemetry(config.TelemetryConfig{})
	return NewOrchestratorWith(cfg, logger, tel, c)
}

func newTestSession() *Session {
	return &Session{ID: "sess-test"}
}
