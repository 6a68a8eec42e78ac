package conversation

import (
	"math"
	"sort"
)

const (
	// DefaultPreserveRecent is the default tail length never summarized away.
	DefaultPreserveRecent = 4

	minSummaryRatio  = 0.01
	maxSummaryRatio  = 0.95
	minSummaryTokens = 64
	maxSummaryTokens = 2048

	// SummaryPrefix is prepended to generated summary content so it is
	// recognizable in a raw history dump.
	SummaryPrefix = "[SUMMARY]"
)

// AdaptationKind discriminates the result of SwitchModel.
type AdaptationKind int

const (
	NoChange AdaptationKind = iota
	Shrinking
	Expanding
)

// Adaptation reports how a model switch affected the available budget.
type Adaptation struct {
	Kind               AdaptationKind
	OldBudget          uint32
	NewBudget          uint32
	NeedsSummarization bool // set when Kind == Shrinking
	CanRestore         int  // set when Kind == Expanding: count of summarized entries that might now fit
}

// PendingSummarization is the result of PrepareSummarization: a contiguous
// run of message ids ready to be condensed, with a computed token target.
type PendingSummarization struct {
	IDs           []MessageID
	RangeStart    MessageID
	RangeEnd      MessageID // exclusive
	TargetTokens  uint32
	OriginalTokens uint32
}

// Manager is the thin orchestrator around History and BuildWorkingContext:
// it owns model-limit resolution, budget computation, and the persistence
// lifecycle. It is the sole mutator of History.
type Manager struct {
	history              *History
	currentModel         string
	currentLimits        ModelLimits
	currentLimitsSource  LimitSource
	configuredOutputCap  uint32 // 0 = use model's own MaxOutput
	preserveRecent       int
	targetRatio          float32
}

// NewManager creates a manager for modelID with an empty history.
func NewManager(modelID string) *Manager {
	resolved := ResolveLimits(modelID)
	return &Manager{
		history:             NewHistory(),
		currentModel:        modelID,
		currentLimits:       resolved.Limits,
		currentLimitsSource: resolved.Source,
		preserveRecent:      DefaultPreserveRecent,
		targetRatio:         0.2,
	}
}

// History returns the underlying history for read-only inspection.
func (m *Manager) History() *History { return m.history }

// CurrentModel returns the active model id.
func (m *Manager) CurrentModel() string { return m.currentModel }

// CurrentLimitsSource reports how the active model's limits were resolved.
func (m *Manager) CurrentLimitsSource() LimitSource { return m.currentLimitsSource }

// SetOutputCap overrides the model's own MaxOutput for budget purposes.
func (m *Manager) SetOutputCap(tokens uint32) { m.configuredOutputCap = tokens }

// SetPreserveRecent overrides the default preserve-recent tail length.
func (m *Manager) SetPreserveRecent(n int) { m.preserveRecent = n }

func (m *Manager) effectiveBudget() uint32 {
	return EffectiveBudget(m.currentLimits, m.configuredOutputCap)
}

// PushMessage appends message to history.
func (m *Manager) PushMessage(msg Message) MessageID {
	return m.history.Push(msg)
}

// PushMessageWithStepID appends message tagged with stepID, idempotently.
func (m *Manager) PushMessageWithStepID(msg Message, stepID StepID) MessageID {
	return m.history.PushWithStepID(msg, stepID)
}

// HasStepID reports whether stepID is already recorded.
func (m *Manager) HasStepID(stepID StepID) bool {
	return m.history.HasStepID(stepID)
}

// RollbackLastMessage removes the last history entry if it carries id.
func (m *Manager) RollbackLastMessage(id MessageID) (Message, bool) {
	return m.history.PopIfLast(id)
}

// SwitchModel updates the active model and reports how the budget changed.
func (m *Manager) SwitchModel(newModel string) Adaptation {
	oldBudget := m.effectiveBudget()
	resolved := ResolveLimits(newModel)
	m.currentModel = newModel
	m.currentLimits = resolved.Limits
	m.currentLimitsSource = resolved.Source
	newBudget := m.effectiveBudget()

	switch {
	case newBudget < oldBudget:
		_, err := BuildWorkingContext(m.history, newBudget, m.preserveRecent)
		return Adaptation{Kind: Shrinking, OldBudget: oldBudget, NewBudget: newBudget, NeedsSummarization: err != nil}
	case newBudget > oldBudget:
		return Adaptation{Kind: Expanding, OldBudget: oldBudget, NewBudget: newBudget, CanRestore: m.history.SummarizedCount()}
	default:
		return Adaptation{Kind: NoChange, OldBudget: oldBudget, NewBudget: newBudget}
	}
}

// Prepare materializes the working context for the current model.
func (m *Manager) Prepare() (*PreparedContext, error) {
	return BuildWorkingContext(m.history, m.effectiveBudget(), m.preserveRecent)
}

// PrepareSummarization keeps only the first contiguous run of ids (summaries
// must cover a contiguous slice), computes the target token count, and
// returns nil if ids is empty after dedup.
func (m *Manager) PrepareSummarization(ids []MessageID) *PendingSummarization {
	sorted := append([]MessageID(nil), ids...)
	sortIDs(sorted)
	sorted = dedupIDs(sorted)
	if len(sorted) == 0 {
		return nil
	}

	end := 1
	for end < len(sorted) && sorted[end] == sorted[end-1]+1 {
		end++
	}
	sorted = sorted[:end]

	entries := m.history.Entries()
	var originalTokens uint32
	for _, id := range sorted {
		originalTokens += entries[id].TokenCount
	}

	ratio := m.targetRatio
	if ratio < minSummaryRatio {
		ratio = minSummaryRatio
	}
	if ratio > maxSummaryRatio {
		ratio = maxSummaryRatio
	}
	target := uint32(math.Round(float64(originalTokens) * float64(ratio)))
	if target < minSummaryTokens {
		target = minSummaryTokens
	}
	if target > maxSummaryTokens {
		target = maxSummaryTokens
	}

	return &PendingSummarization{
		IDs:            sorted,
		RangeStart:     sorted[0],
		RangeEnd:       sorted[len(sorted)-1] + 1,
		TargetTokens:   target,
		OriginalTokens: originalTokens,
	}
}

// CompleteSummarization finalizes a pending summarization into a persisted
// Summary: it prepends the domain marker to content, counts tokens, appends
// the summary to history, and indexes the covered messages.
func (m *Manager) CompleteSummarization(scope *PendingSummarization, content string, generatedBy string) (SummaryID, error) {
	injected := SummaryPrefix + "\n" + content
	tokenCount := CountMessage(Message{Kind: KindSystem, Content: injected})
	return m.history.AddSummary(scope.RangeStart, scope.RangeEnd, injected, tokenCount, scope.OriginalTokens, generatedBy)
}

// TryRestoreMessages is a non-mutating probe: it counts how many currently
// summarized messages would appear as Original segments if the context were
// rebuilt right now (i.e. how many a budget expansion already restored).
func (m *Manager) TryRestoreMessages() int {
	ctx, err := m.Prepare()
	if err != nil {
		return 0
	}
	entries := m.history.Entries()
	n := 0
	for _, seg := range ctx.Segments {
		if seg.Original && entries[seg.MessageID].SummaryID != nil {
			n++
		}
	}
	return n
}

// RecentMessagesOnly returns the last count messages verbatim, bypassing
// summarization entirely. This is the Librarian distillation fallback: used
// when a cheap context view is needed and a background summarization job
// hasn't caught up, or in library-embedding mode where no UI is driving
// /distill. Returned in chronological order.
func (m *Manager) RecentMessagesOnly(count int) []Message {
	entries := m.history.Entries()
	start := len(entries) - count
	if start < 0 {
		start = 0
	}
	out := make([]Message, 0, len(entries)-start)
	for _, e := range entries[start:] {
		out = append(out, e.Message)
	}
	return out
}

// UsageStatusKind discriminates UsageStatus.
type UsageStatusKind int

const (
	StatusReady UsageStatusKind = iota
	StatusNeedsSummarization
	StatusRecentMessagesTooLarge
)

// Usage is a snapshot of token accounting for the UI.
type Usage struct {
	UsedTokens          uint32
	BudgetTokens        uint32
	SummarizedSegments  int
}

// UsageStatus is the full result of usage_status(): ready-to-send, or one of
// the two recoverable/unrecoverable build errors. The Usage snapshot comes from
// the prepared context when ready, and from raw history totals otherwise.
type UsageStatus struct {
	Kind            UsageStatusKind
	Usage           Usage
	Needed          *SummarizationNeeded
	RequiredTokens  uint32
	BudgetTokens    uint32
}

// UsageStatus reports current usage, distinguishing the ready case from the
// two build-error cases so the UI can render a meaningful status line
// without attempting (and discarding) a full Prepare() call itself.
func (m *Manager) UsageStatus() UsageStatus {
	fallback := Usage{UsedTokens: m.history.TotalTokens(), BudgetTokens: m.effectiveBudget()}

	ctx, err := m.Prepare()
	if err == nil {
		summarized := 0
		for _, seg := range ctx.Segments {
			if !seg.Original {
				summarized++
			}
		}
		return UsageStatus{Kind: StatusReady, Usage: Usage{UsedTokens: ctx.UsedTokens(), BudgetTokens: ctx.Budget, SummarizedSegments: summarized}}
	}

	switch e := err.(type) {
	case *SummarizationNeeded:
		return UsageStatus{Kind: StatusNeedsSummarization, Usage: fallback, Needed: e}
	case *RecentMessagesTooLarge:
		return UsageStatus{Kind: StatusRecentMessagesTooLarge, Usage: fallback, RequiredTokens: e.Required, BudgetTokens: e.Budget}
	default:
		return UsageStatus{Kind: StatusNeedsSummarization, Usage: fallback}
	}
}

func sortIDs(ids []MessageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
