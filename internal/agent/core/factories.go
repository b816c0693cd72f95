package core

import (
	"context"
	"fmt"
	"log"

	"github.com/prospecthq/prospect/config"
	"github.com/prospecthq/prospect/internal/agent/telemetry"
	"github.com/prospecthq/prospect/internal/evidence"
	"github.com/prospecthq/prospect/provider"
	"github.com/prospecthq/prospect/tools"
	"github.com/prospecthq/prospect/tools/tavily"
	"github.com/prospecthq/prospect/tools/webscrape"
	"github.com/prospecthq/prospect/tools/websearch"
)

// NewOrchestrator wires the production orchestrator: model clients per
// routing role, the tiered tool registry and the per-session evidence store.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry) (*Orchestrator, error) {
	sanitizer, err := NewSanitizer(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("building sanitizer: %w", err)
	}

	classifierLLM, err := provider.NewProvider(cfg.LLM, provider.RoleClassification)
	if err != nil {
		return nil, fmt.Errorf("classification model: %w", err)
	}
	plannerLLM, err := provider.NewProvider(cfg.LLM, provider.RolePlanning)
	if err != nil {
		return nil, fmt.Errorf("planning model: %w", err)
	}
	supervisorLLM, err := provider.NewProvider(cfg.LLM, provider.RoleSupervision)
	if err != nil {
		return nil, fmt.Errorf("supervision model: %w", err)
	}
	writerLLM, err := provider.NewProvider(cfg.LLM, provider.RoleSynthesis)
	if err != nil {
		return nil, fmt.Errorf("synthesis model: %w", err)
	}
	chatLLM, err := provider.NewProvider(cfg.LLM, provider.RoleChat)
	if err != nil {
		return nil, fmt.Errorf("chat model: %w", err)
	}

	registry, err := NewToolRegistry(cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("building tool registry: %w", err)
	}

	return NewOrchestratorWith(cfg, logger, tel, Components{
		Sanitizer:     sanitizer,
		ClassifierLLM: classifierLLM,
		PlannerLLM:    plannerLLM,
		SupervisorLLM: supervisorLLM,
		WriterLLM:     writerLLM,
		ChatLLM:       chatLLM,
		Registry:      registry,
	}), nil
}

// Components lists the injectable collaborators, letting tests swap in
// deterministic stubs for every model- or tool-backed capability.
type Components struct {
	Sanitizer     *Sanitizer
	ClassifierLLM Completer
	PlannerLLM    Completer
	SupervisorLLM Completer
	WriterLLM     Completer
	ChatLLM       Completer
	Registry      *tools.Registry
}

// NewOrchestratorWith assembles an orchestrator from explicit components.
func NewOrchestratorWith(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, c Components) *Orchestrator {
	agent := cfg.Agent.Normalize()
	cfg.Agent = agent
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		telemetry:  tel,
		sanitizer:  c.Sanitizer,
		classifier: NewClassifier(c.ClassifierLLM, logger),
		planner:    NewPlanner(c.PlannerLLM, agent.MaxPlanSteps, logger),
		researcher: NewResearcher(c.Registry, agent.MinFindingChars, agent.RelevanceThreshold, agent.PerCallTimeout, logger),
		supervisor: NewSupervisor(c.SupervisorLLM, logger),
		writer:     NewWriter(c.WriterLLM, logger),
		chat:       c.ChatLLM,
		evidence:   evidence.NewManager(),
		inflight:   make(map[string]context.CancelFunc),
	}
}

// NewToolRegistry builds the production tier registry. Tiers without
// credentials are simply absent; the researcher records the gap and
// escalates past them.
func NewToolRegistry(cfg config.ToolsConfig) (*tools.Registry, error) {
	var providers []tools.Provider

	if search, err := websearch.NewProvider(cfg.Search); err == nil {
		providers = append(providers, search)
	}
	providers = append(providers, webscrape.NewProvider(cfg.Scrape))
	if cfg.Tavily.APIKey != "" {
		providers = append(providers, tavily.NewProvider(cfg.Tavily, 5))
	}

	return tools.NewRegistry(providers...)
}
