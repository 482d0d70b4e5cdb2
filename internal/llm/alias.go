package llm

import "strings"

// Canonical provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGroq      = "groq"
	ProviderGemini    = "gemini"
)

var aliases = map[string]string{
	"claude":    ProviderAnthropic,
	"anthropic": ProviderAnthropic,
	"gpt":       ProviderOpenAI,
	"openai":    ProviderOpenAI,
	"llama":     ProviderGroq,
	"groq":      ProviderGroq,
	"gemini":    ProviderGemini,
	"google":    ProviderGemini,
}

// ResolveAlias maps a user-facing provider name ("claude", "GPT") to
// its canonical name. Unknown names are returned trimmed and
// lowercased.
func ResolveAlias(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[n]; ok {
		return canonical
	}
	return n
}

// IsKnownProvider reports whether name resolves to one of the four
// supported backends.
func IsKnownProvider(name string) bool {
	switch ResolveAlias(name) {
	case ProviderOpenAI, ProviderAnthropic, ProviderGroq, ProviderGemini:
		return true
	}
	return false
}
