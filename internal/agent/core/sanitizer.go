package core

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/prospecthq/prospect/config"
	"github.com/prospecthq/prospect/internal/policy"
)

// SanitizeVerdict is the sanitizer's decision on one raw input.
type SanitizeVerdict struct {
	Cleaned string `json:"cleaned"`
	Reject  bool   `json:"reject"`
	Reason  string `json:"reason,omitempty"`
}

// Sanitizer is the first line of defense. It is fully deterministic: pattern
// matching plus heuristic risk signals, no model involvement. Identical input
// always yields an identical verdict.
type Sanitizer struct {
	policy         policy.InjectionPolicy
	maxChars       int
	maxSymbolRatio float64
}

// NewSanitizer builds a sanitizer from the security configuration.
func NewSanitizer(cfg config.SecurityConfig) (*Sanitizer, error) {
	cfg = cfg.Normalize()
	p, err := policy.LoadInjectionPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading injection policy: %w", err)
	}
	return &Sanitizer{
		policy:         p,
		maxChars:       cfg.MaxInputChars,
		maxSymbolRatio: cfg.MaxSymbolRatio,
	}, nil
}

// Inspect validates raw input and fails closed: any pattern match or
// heuristic breach rejects the turn before the text can reach a model-backed
// node.
func (s *Sanitizer) Inspect(raw string) SanitizeVerdict {
	cleaned := collapseWhitespace(raw)
	if cleaned == "" {
		return SanitizeVerdict{Reject: true, Reason: "empty input"}
	}
	if n := len([]rune(cleaned)); n > s.maxChars {
		return SanitizeVerdict{Reject: true, Reason: fmt.Sprintf("input length %d exceeds ceiling %d", n, s.maxChars)}
	}
	if ratio := symbolRatio(cleaned); ratio > s.maxSymbolRatio {
		return SanitizeVerdict{Reject: true, Reason: fmt.Sprintf("symbol ratio %.2f exceeds threshold %.2f", ratio, s.maxSymbolRatio)}
	}
	if pattern, hit := s.policy.Match(cleaned); hit {
		return SanitizeVerdict{Reject: true, Reason: fmt.Sprintf("matched injection pattern %q", pattern)}
	}
	return SanitizeVerdict{Cleaned: cleaned}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// symbolRatio is the share of runes that are neither letters, digits nor
// spaces.
func symbolRatio(s string) float64 {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}
	symbols := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			continue
		}
		symbols++
	}
	return float64(symbols) / float64(len(runes))
}
