package llm

import (
	"slices"
	"strings"
)

// costTiers ranks providers from cheapest to most expensive. Unknown
// providers rank last.
var costTiers = map[string]int{
	ProviderGroq:      1,
	ProviderGemini:    2,
	ProviderOpenAI:    3,
	ProviderAnthropic: 4,
}

const unknownCostTier = 99

// simpleQueryMaxLen is the length below which a message without
// complexity markers is treated as simple.
const simpleQueryMaxLen = 30

var complexIndicators = []string{
	"analyze", "compare", "evaluate", "research", "explain in detail",
	"write a report", "create a plan", "review", "audit", "summarize",
	"multiple", "all of", "comprehensive", "thorough",
}

var simpleIndicators = []string{
	"what time", "weather", "reminder", "set", "quick",
	"yes", "no", "ok", "sure", "thanks",
}

// CostTier returns the relative cost rank of a provider.
func CostTier(name string) int {
	if tier, ok := costTiers[name]; ok {
		return tier
	}
	return unknownCostTier
}

// IsSimpleQuery classifies text by keyword. Complexity markers always
// win; otherwise simple markers or a short message mark it simple.
func IsSimpleQuery(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range complexIndicators {
		if strings.Contains(lower, ind) {
			return false
		}
	}
	if len(lower) < simpleQueryMaxLen {
		return true
	}
	for _, ind := range simpleIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// lastUserText returns the content of the most recent user message.
func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// cheapest returns the lowest-tier name. Ties keep registration order.
func cheapest(names []string) string {
	sorted := slices.Clone(names)
	slices.SortStableFunc(sorted, func(a, b string) int {
		return CostTier(a) - CostTier(b)
	})
	return sorted[0]
}
