package conversation

import "strings"

// CountMessage is a deterministic heuristic tokenizer used identically by
// every component for budgeting. It approximates BPE behavior well enough
// for conservative planning; it is never authoritative against provider
// billing.
func CountMessage(m Message) uint32 {
	switch m.Kind {
	case KindToolUse:
		if m.ToolCall == nil {
			return 4
		}
		return countText(m.ToolCall.Name) + countText(string(m.ToolCall.Arguments)) + 4
	case KindToolResult:
		if m.ToolResult == nil {
			return 4
		}
		return countText(m.ToolResult.Content) + 4
	default:
		return countText(m.Content) + 4 // role/framing overhead
	}
}

// countText estimates tokens for a plain string: roughly one token per four
// bytes, nudged by word and punctuation boundaries since short identifiers
// and punctuation tend to tokenize closer to 1:1 than prose does.
func countText(s string) uint32 {
	if s == "" {
		return 0
	}
	words := strings.Fields(s)
	if len(words) == 0 {
		return uint32((len(s) + 3) / 4)
	}
	var total uint32
	for _, w := range words {
		switch {
		case len(w) <= 4:
			total++
		default:
			total += uint32((len(w) + 3) / 4)
		}
	}
	// Punctuation-heavy text (code, JSON) tokenizes denser than the
	// word-boundary estimate above; blend with the byte-based estimate.
	byteEstimate := uint32((len(s) + 3) / 4)
	if byteEstimate > total {
		total = byteEstimate
	}
	return total
}

// LimitSource records why a ResolvedLimits was chosen, so tests can assert
// on fallback behavior without guessing at catalog contents.
type LimitSource int

const (
	SourceOverride LimitSource = iota
	SourcePrefix
	SourceDefaultFallback
)

// ModelLimits describes a model's budget-relevant capabilities.
type ModelLimits struct {
	ContextWindow         uint32
	MaxOutput             uint32
	ThinkingBudgetMin     uint32
	ThinkingBudgetMax     uint32
	SupportsPromptCaching bool
	SupportsReasoning     bool
}

// ResolvedLimits is a catalog lookup result tagged with its provenance.
type ResolvedLimits struct {
	Limits ModelLimits
	Source LimitSource
}

// defaultLimits is the conservative fallback for unknown models.
var defaultLimits = ModelLimits{
	ContextWindow: 8192,
	MaxOutput:     2048,
}

// catalogEntry is one prefix-matched row. Longer prefixes are checked first.
type catalogEntry struct {
	prefix string
	limits ModelLimits
}

var catalog = []catalogEntry{
	{"claude-opus-4-6", ModelLimits{ContextWindow: 1_000_000, MaxOutput: 64_000, ThinkingBudgetMin: 1024, ThinkingBudgetMax: 64_000, SupportsPromptCaching: true, SupportsReasoning: true}},
	{"claude-opus-4", ModelLimits{ContextWindow: 200_000, MaxOutput: 32_000, ThinkingBudgetMin: 1024, ThinkingBudgetMax: 32_000, SupportsPromptCaching: true, SupportsReasoning: true}},
	{"claude-sonnet-4", ModelLimits{ContextWindow: 200_000, MaxOutput: 64_000, ThinkingBudgetMin: 1024, ThinkingBudgetMax: 32_000, SupportsPromptCaching: true, SupportsReasoning: true}},
	{"claude-haiku", ModelLimits{ContextWindow: 200_000, MaxOutput: 8_192, SupportsPromptCaching: true}},
	{"claude-", ModelLimits{ContextWindow: 200_000, MaxOutput: 8_192, SupportsPromptCaching: true}},
	{"gpt-5", ModelLimits{ContextWindow: 272_000, MaxOutput: 128_000, SupportsReasoning: true}},
	{"gpt-4o", ModelLimits{ContextWindow: 128_000, MaxOutput: 16_384}},
	{"gpt-", ModelLimits{ContextWindow: 128_000, MaxOutput: 16_384}},
	{"o1", ModelLimits{ContextWindow: 200_000, MaxOutput: 100_000, SupportsReasoning: true}},
	{"o3", ModelLimits{ContextWindow: 200_000, MaxOutput: 100_000, SupportsReasoning: true}},
	{"gemini-2.5-pro", ModelLimits{ContextWindow: 1_048_576, MaxOutput: 65_536, SupportsReasoning: true}},
	{"gemini-2.5-flash", ModelLimits{ContextWindow: 1_048_576, MaxOutput: 65_536, SupportsReasoning: true}},
	{"gemini-", ModelLimits{ContextWindow: 1_000_000, MaxOutput: 8_192}},
}

// ModelOverrides allows a deployment to pin exact limits for a model id,
// taking precedence over prefix matches. Keyed by exact model id.
var ModelOverrides = map[string]ModelLimits{}

// ResolveLimits looks up limits for modelID by exact override, then longest
// matching catalog prefix, then falls back to a conservative default.
func ResolveLimits(modelID string) ResolvedLimits {
	if limits, ok := ModelOverrides[modelID]; ok {
		return ResolvedLimits{Limits: limits, Source: SourceOverride}
	}
	best := -1
	var bestLimits ModelLimits
	for _, entry := range catalog {
		if strings.HasPrefix(modelID, entry.prefix) && len(entry.prefix) > best {
			best = len(entry.prefix)
			bestLimits = entry.limits
		}
	}
	if best >= 0 {
		return ResolvedLimits{Limits: bestLimits, Source: SourcePrefix}
	}
	return ResolvedLimits{Limits: defaultLimits, Source: SourceDefaultFallback}
}

// EffectiveBudget computes the input token budget for a model: its context
// window minus the output reservation. reservedOutput, if non-zero,
// overrides the model's own MaxOutput (a user-configured cap).
func EffectiveBudget(limits ModelLimits, reservedOutput uint32) uint32 {
	reserve := limits.MaxOutput
	if reservedOutput != 0 {
		reserve = reservedOutput
	}
	if reserve >= limits.ContextWindow {
		return 0
	}
	return limits.ContextWindow - reserve
}
