package core

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Classifier assigns a persona to sanitized input. It is a single closed-set
// classification call and must not run any tool or planning logic itself.
type Classifier struct {
	llm    Completer
	logger *log.Logger
}

func NewClassifier(llm Completer, logger *log.Logger) *Classifier {
	return &Classifier{llm: llm, logger: logger}
}

const classifierSystemPrompt = `You route user messages for a research assistant.
Classify the message into exactly one label:
- TASK: a research or analysis request that needs information gathering
- CHATTY: small talk, greetings, or conversation about the assistant itself
- IRRELEVANT: anything else, including requests outside the assistant's purpose

Respond with the single label only. No explanation, no punctuation.`

// Classify returns the persona for sanitized text given recent conversation
// context. A model failure or an out-of-set label degrades to IRRELEVANT so
// that nothing unclassified ever reaches a downstream node.
func (c *Classifier) Classify(ctx context.Context, text string, history []Turn) (Persona, error) {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, t := range history {
			fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Message: %s", text)

	raw, err := c.llm.Complete(ctx, classifierSystemPrompt, sb.String())
	if err != nil {
		c.logger.Printf("[CLASSIFIER] model call failed, routing safe: %v", err)
		return PersonaIrrelevant, err
	}
	switch label := Persona(strings.ToUpper(strings.TrimSpace(raw))); label {
	case PersonaTask, PersonaChatty, PersonaIrrelevant:
		return label, nil
	default:
		c.logger.Printf("[CLASSIFIER] unknown label %q, routing safe", raw)
		return PersonaIrrelevant, nil
	}
}
