package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prospecthq/prospect/config"
	openai_provider "github.com/prospecthq/prospect/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Local     Client = "local"
)

// Role names a decision point that gets its own model routing.
type Role string

const (
	RoleClassification Role = "classification"
	RolePlanning       Role = "planning"
	RoleSupervision    Role = "supervision"
	RoleSynthesis      Role = "synthesis"
	RoleChat           Role = "chat"
)

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// ModelFor resolves the model routed to a role, falling back to the
// configured fallback model when the role has no explicit routing.
func ModelFor(r config.LLMRoutingConfig, role Role) string {
	var m string
	switch role {
	case RoleClassification:
		m = r.Classification
	case RolePlanning:
		m = r.Planning
	case RoleSupervision:
		m = r.Supervision
	case RoleSynthesis:
		m = r.Synthesis
	case RoleChat:
		m = r.Chat
	}
	if strings.TrimSpace(m) == "" {
		m = r.Fallback
	}
	return m
}

// NewProvider creates an LLM client for the given role based on the provided
// configuration. Each routing role may point at a different model; all roles
// of the same provider type share connection settings.
func NewProvider(cfg config.LLMConfig, role Role) (Provider, error) {
	model := ModelFor(cfg.Routing, role)
	if model == "" {
		return nil, fmt.Errorf("no model routed for role %q and no fallback set", role)
	}

	pc, ok := cfg.Providers[string(OpenAI)]
	if !ok {
		// Minimal env-based fallback; detailed routing handled in config.
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errors.New("no llm provider configured and OPENAI_API_KEY not set")
		}
		pc = config.LLMProvider{Type: string(OpenAI), APIKey: apiKey}
	}

	switch Client(pc.Type) {
	case OpenAI, "":
		return openai_provider.NewClient(pc, model), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Local:
		return nil, errors.New("local client not implemented yet")
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", pc.Type)
	}
}
