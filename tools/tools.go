// Package tools defines the uniform invocation contract shared by every
// information-retrieval provider, plus the tier ordering the researcher
// escalates through. Concrete providers live in subpackages and are injected
// through the Registry so tests can swap in deterministic fakes.
package tools

import (
	"context"
	"fmt"
	"time"
)

// Tier ranks provider options by cost and reliability. Escalation follows
// the fixed order discovery -> deep_dive -> fallback.
type Tier string

const (
	TierDiscovery Tier = "discovery"
	TierDeepDive  Tier = "deep_dive"
	TierFallback  Tier = "fallback"
)

// TierOrder is the fixed escalation sequence.
var TierOrder = []Tier{TierDiscovery, TierDeepDive, TierFallback}

// Next returns the tier after t in the escalation order, or false when t is
// the final tier.
func (t Tier) Next() (Tier, bool) {
	for i, tier := range TierOrder {
		if tier == t && i+1 < len(TierOrder) {
			return TierOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	for _, tier := range TierOrder {
		if tier == t {
			return true
		}
	}
	return false
}

// Request is the uniform invocation payload. Operation names the retrieval
// operation (search, scrape, research); Params carry provider-specific
// arguments such as the query or candidate URLs.
type Request struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	Tier      Tier           `json:"tier"`
}

// Result records one provider attempt. Entries are append-only per research
// step; escalation adds new entries rather than replacing old ones.
type Result struct {
	Tier    Tier          `json:"tier"`
	Success bool          `json:"success"`
	Content string        `json:"content,omitempty"`
	URLs    []string      `json:"urls,omitempty"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Provider is the capability every concrete search/extraction tool
// implements. Implementations must be safe for concurrent use by
// independent sessions.
type Provider interface {
	Tier() Tier
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Registry maps tiers to the configured provider for that tier.
type Registry struct {
	providers map[Tier]Provider
}

// NewRegistry builds a registry from the given providers. Every provider
// must report a valid tier; duplicate tiers are rejected.
func NewRegistry(providers ...Provider) (*Registry, error) {
	m := make(map[Tier]Provider, len(providers))
	for _, p := range providers {
		tier := p.Tier()
		if !tier.Valid() {
			return nil, fmt.Errorf("provider reports unknown tier %q", tier)
		}
		if _, dup := m[tier]; dup {
			return nil, fmt.Errorf("duplicate provider for tier %q", tier)
		}
		m[tier] = p
	}
	return &Registry{providers: m}, nil
}

// Provider returns the provider configured for the given tier.
func (r *Registry) Provider(t Tier) (Provider, bool) {
	p, ok := r.providers[t]
	return p, ok
}

// Tiers lists the tiers with a configured provider, in escalation order.
func (r *Registry) Tiers() []Tier {
	var out []Tier
	for _, t := range TierOrder {
		if _, ok := r.providers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
