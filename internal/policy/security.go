package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/prospecthq/prospect/config"
	"gopkg.in/yaml.v3"
)

// InjectionPolicy captures the adversarial-input patterns the sanitizer
// rejects on. Patterns are matched case-insensitively against collapsed
// whitespace input.
type InjectionPolicy struct {
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// defaultInjectionPatterns cover instruction-override, role-play and
// system-prompt-extraction phrasings.
var defaultInjectionPatterns = []string{
	`ignore ((previous|all|above|prior)\s+)+(instructions|prompts|rules|commands)`,
	`disregard ((previous|all|above|prior)\s+)+(instructions|prompts|rules)`,
	`forget (everything|all|previous|above)`,
	`new (instructions|prompt|system|role):`,
	`system:?\s*(prompt|message|override)`,
	`\[system\]`,
	`\[inst\]`,
	`<\|?im_start\|?>`,
	`<\|?im_end\|?>`,
	`override (previous|system|all)`,
	`pretend (you are|to be|that)`,
	`roleplay as`,
	`simulate (being|that you)`,
	`reveal (your|the) (system prompt|instructions|rules)`,
}

// DefaultInjectionPolicy returns the built-in pattern set, compiled.
func DefaultInjectionPolicy() InjectionPolicy {
	p := InjectionPolicy{Patterns: append([]string(nil), defaultInjectionPatterns...)}
	if err := p.Compile(); err != nil {
		// the built-in set is tested; a compile failure here is a programming error
		panic(err)
	}
	return p
}

// LoadInjectionPolicy loads patterns from the configured YAML file, falling
// back to the built-in set when no file is configured.
func LoadInjectionPolicy(cfg config.SecurityConfig) (InjectionPolicy, error) {
	path := strings.TrimSpace(cfg.PolicyFile)
	if path == "" {
		return DefaultInjectionPolicy(), nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return InjectionPolicy{}, fmt.Errorf("read security policy: %w", err)
	}
	var policy InjectionPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return InjectionPolicy{}, fmt.Errorf("parse security policy: %w", err)
	}
	if len(policy.Patterns) == 0 {
		policy.Patterns = append([]string(nil), defaultInjectionPatterns...)
	}
	if err := policy.Compile(); err != nil {
		return InjectionPolicy{}, err
	}
	return policy, nil
}

// Compile validates and compiles every pattern. Must be called before Match.
func (p *InjectionPolicy) Compile() error {
	compiled := make([]*regexp.Regexp, 0, len(p.Patterns))
	for _, raw := range p.Patterns {
		re, err := regexp.Compile(`(?i)` + raw)
		if err != nil {
			return fmt.Errorf("invalid injection pattern %q: %w", raw, err)
		}
		compiled = append(compiled, re)
	}
	p.compiled = compiled
	return nil
}

// Match reports whether input trips any configured pattern, returning the
// offending pattern for audit logging.
func (p *InjectionPolicy) Match(input string) (string, bool) {
	for i, re := range p.compiled {
		if re.MatchString(input) {
			return p.Patterns[i], true
		}
	}
	return "", false
}
