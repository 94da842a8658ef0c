package llm

import "strings"

// IsContextOverflow reports whether an error from the model boundary looks
// like a context-window overflow, so callers can force an eviction pass and
// retry once instead of surfacing the failure.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(strings.TrimSpace(err.Error()))
	if s == "" {
		return false
	}
	needles := []string{
		"context length",
		"context window",
		"maximum context",
		"max context",
		"prompt is too long",
		"input is too long",
		"too many tokens",
		"token limit",
		"maximum tokens",
		"input tokens",
		"request too large",
	}
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
