package conversation

import (
	"sort"
	"strconv"
)

// Segment is one chronological unit of a PreparedContext: either an
// untouched original message or a summary standing in for a contiguous run
// of originals.
type Segment struct {
	Original  bool
	MessageID MessageID   // set when Original
	SummaryID SummaryID   // set when !Original
	Replaces  []MessageID // set when !Original
	Tokens    uint32
}

// PreparedContext is the short chronological list of segments to send to the
// provider, plus the budget it was built against.
type PreparedContext struct {
	Segments []Segment
	Budget   uint32
}

// UsedTokens sums the tokens of every segment.
func (p PreparedContext) UsedTokens() uint32 {
	var total uint32
	for _, s := range p.Segments {
		total += s.Tokens
	}
	return total
}

// RecentMessagesTooLarge is returned when even the preserved tail alone
// exceeds budget; unrecoverable without user action (shrink input or switch
// models).
type RecentMessagesTooLarge struct {
	Required uint32
	Budget   uint32
	Count    int
}

func (e *RecentMessagesTooLarge) Error() string {
	return "conversation: recent messages too large for budget"
}

// SummarizationNeeded is returned when older content doesn't fit and must be
// condensed before a PreparedContext can be produced.
type SummarizationNeeded struct {
	ExcessTokens         uint32
	MessagesToSummarize  []MessageID
	Suggestion           string
}

func (e *SummarizationNeeded) Error() string {
	return "conversation: summarization needed"
}

// block is the builder's internal partitioning unit: either a contiguous run
// of unsummarized entries, or a contiguous run sharing one SummaryID.
type block struct {
	summarized    bool
	summaryID     SummaryID
	summaryTokens uint32
	members       []idTokens
}

type idTokens struct {
	id     MessageID
	tokens uint32
}

// BuildWorkingContext implements the working-context builder: given the full
// history, a token budget, and how many trailing messages to always
// preserve, it selects the visible prefix newest-to-oldest and reports what
// (if anything) must be summarized before a context can be materialized.
//
// Tie-breaking is fixed: newest-first selection, and a summary replaces its
// originals only when the originals themselves don't fit — so budget
// expansion after a model switch can transparently "restore" full content
// without forcing re-summarization.
func BuildWorkingContext(h *History, budget uint32, preserveRecent int) (*PreparedContext, error) {
	entries := h.Entries()

	// Phase 1: reserve the recent tail unconditionally.
	maxPreserve := preserveRecent
	if maxPreserve > len(entries) {
		maxPreserve = len(entries)
	}
	var tokensForRecent uint32
	for i := len(entries) - maxPreserve; i < len(entries); i++ {
		tokensForRecent += entries[i].TokenCount
	}
	if tokensForRecent > budget {
		return nil, &RecentMessagesTooLarge{Required: tokensForRecent, Budget: budget, Count: maxPreserve}
	}
	recentStart := len(entries) - maxPreserve
	remainingBudget := budget - tokensForRecent

	// Phase 2: partition older entries into contiguous blocks.
	older := entries[:recentStart]
	blocks := partitionBlocks(h, older)

	// Phase 3: select newest-to-oldest under remaining budget.
	var selectedRev []Segment
	var needSummaryRev []MessageID
	var tokensUsed uint32
	exhausted := false

	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if exhausted {
			for j := len(b.members) - 1; j >= 0; j-- {
				needSummaryRev = append(needSummaryRev, b.members[j].id)
			}
			continue
		}

		if b.summarized {
			var originalTokens uint32
			for _, m := range b.members {
				originalTokens += m.tokens
			}
			switch {
			case tokensUsed+originalTokens <= remainingBudget:
				for j := len(b.members) - 1; j >= 0; j-- {
					selectedRev = append(selectedRev, Segment{Original: true, MessageID: b.members[j].id, Tokens: b.members[j].tokens})
				}
				tokensUsed += originalTokens
			case tokensUsed+b.summaryTokens <= remainingBudget:
				replaces := make([]MessageID, len(b.members))
				for j, m := range b.members {
					replaces[j] = m.id
				}
				selectedRev = append(selectedRev, Segment{SummaryID: b.summaryID, Replaces: replaces, Tokens: b.summaryTokens})
				tokensUsed += b.summaryTokens
			default:
				exhausted = true
				for j := len(b.members) - 1; j >= 0; j-- {
					needSummaryRev = append(needSummaryRev, b.members[j].id)
				}
			}
			continue
		}

		// Unsummarized block: include tail-first as many as fit.
		for j := len(b.members) - 1; j >= 0; j-- {
			m := b.members[j]
			if tokensUsed+m.tokens <= remainingBudget {
				selectedRev = append(selectedRev, Segment{Original: true, MessageID: m.id, Tokens: m.tokens})
				tokensUsed += m.tokens
				continue
			}
			exhausted = true
			for k := j; k >= 0; k-- {
				needSummaryRev = append(needSummaryRev, b.members[k].id)
			}
			break
		}
	}

	if len(needSummaryRev) > 0 {
		needSummary := make([]MessageID, len(needSummaryRev))
		for i, id := range needSummaryRev {
			needSummary[len(needSummaryRev)-1-i] = id
		}
		sort.Slice(needSummary, func(i, j int) bool { return needSummary[i] < needSummary[j] })
		needSummary = dedupIDs(needSummary)

		var tokensToSummarize uint32
		for _, id := range needSummary {
			tokensToSummarize += entries[id].TokenCount
		}
		availableLeft := saturatingSub(remainingBudget, tokensUsed)
		excess := saturatingSub(tokensToSummarize, availableLeft)

		return nil, &SummarizationNeeded{
			ExcessTokens:        excess,
			MessagesToSummarize: needSummary,
			Suggestion:          summarizationSuggestion(len(needSummary)),
		}
	}

	// Phase 4: materialize selected older segments chronologically.
	ctx := &PreparedContext{Budget: budget}
	for i := len(selectedRev) - 1; i >= 0; i-- {
		ctx.Segments = append(ctx.Segments, selectedRev[i])
	}

	// Phase 5: always append the preserved recent tail as originals.
	for i := recentStart; i < len(entries); i++ {
		ctx.Segments = append(ctx.Segments, Segment{Original: true, MessageID: entries[i].ID, Tokens: entries[i].TokenCount})
	}

	return ctx, nil
}

func partitionBlocks(h *History, older []HistoryEntry) []block {
	var blocks []block
	var unsummarized []idTokens
	var summaryBlock *block

	flushUnsummarized := func() {
		if len(unsummarized) > 0 {
			blocks = append(blocks, block{members: unsummarized})
			unsummarized = nil
		}
	}
	flushSummary := func() {
		if summaryBlock != nil {
			blocks = append(blocks, *summaryBlock)
			summaryBlock = nil
		}
	}

	for _, entry := range older {
		if entry.SummaryID != nil {
			flushUnsummarized()
			sid := *entry.SummaryID
			summary, _ := h.Summary(sid)
			var summaryTokens uint32
			if summary != nil {
				summaryTokens = summary.TokenCount
			}
			if summaryBlock != nil && summaryBlock.summaryID != sid {
				flushSummary()
			}
			if summaryBlock == nil {
				summaryBlock = &block{summarized: true, summaryID: sid, summaryTokens: summaryTokens}
			}
			summaryBlock.members = append(summaryBlock.members, idTokens{id: entry.ID, tokens: entry.TokenCount})
		} else {
			flushSummary()
			unsummarized = append(unsummarized, idTokens{id: entry.ID, tokens: entry.TokenCount})
		}
	}
	flushSummary()
	flushUnsummarized()
	return blocks
}

func dedupIDs(sorted []MessageID) []MessageID {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

func summarizationSuggestion(n int) string {
	if n == 1 {
		return "1 older message needs summarization"
	}
	return strconv.Itoa(n) + " older messages need summarization"
}
