package llm

import (
	"strings"

	"github.com/ngoclaw/orchestrator-core/pkg/errors"
)

// aliases maps user-facing shorthand to canonical model names. This table
// is a fixed naming convention, not a tuning knob.
var aliases = map[string]string{
	"opus-4":   "claude-opus-4-5",
	"sonnet-4": "claude-sonnet-4-5",
	"haiku-4":  "claude-haiku-4-5",
	"opus-3":   "claude-opus-4",
	"sonnet-3": "claude-sonnet-3-5",
	"gpt-4o":   "gpt-4o",
	"gpt-4":    "gpt-4-turbo",
	"gpt-3.5":  "gpt-3.5-turbo",
	"codex":    "gpt-5.3-codex",
}

// providerPrefixes are stripped from the front of a model string before
// alias lookup.
var providerPrefixes = []string{"anthropic/", "openai/", "openai-codex/"}

// normalizeModel strips any provider prefix and resolves the remaining
// shorthand through the alias table. Unknown shorthand passes through
// unchanged so literal canonical names always work.
func normalizeModel(model string) string {
	for _, prefix := range providerPrefixes {
		if strings.HasPrefix(model, prefix) {
			model = strings.TrimPrefix(model, prefix)
			break
		}
	}
	if canonical, ok := aliases[model]; ok {
		return canonical
	}
	return model
}

// detectProvider identifies which adapter owns a (normalized) model name.
func detectProvider(model string) (string, error) {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude") || strings.Contains(lower, "opus") ||
		strings.Contains(lower, "sonnet") || strings.Contains(lower, "haiku"):
		return "anthropic", nil
	case strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3"):
		return "openai", nil
	default:
		return "", errors.NewUnknownProvider(model)
	}
}
