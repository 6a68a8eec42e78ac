package conversation

import "testing"

// pushFixed appends a user message directly onto history with an explicit
// token count, bypassing CountMessage, so budget math is exact and doesn't
// depend on the heuristic counter's rounding.
func pushFixed(t *testing.T, h *History, tokens uint32) MessageID {
	t.Helper()
	msg := mustUser(t, "x")
	id := MessageID(len(h.entries))
	h.entries = append(h.entries, HistoryEntry{ID: id, Message: msg, TokenCount: tokens})
	return id
}

func TestBuildWorkingContext_RecentMessagesTooLarge(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 4; i++ {
		pushFixed(t, h, 500)
	}

	_, err := BuildWorkingContext(h, 1000, 4)
	if err == nil {
		t.Fatal("expected RecentMessagesTooLarge")
	}
	tooLarge, ok := err.(*RecentMessagesTooLarge)
	if !ok {
		t.Fatalf("got error of type %T, want *RecentMessagesTooLarge", err)
	}
	if tooLarge.Required != 2000 || tooLarge.Budget != 1000 || tooLarge.Count != 4 {
		t.Errorf("got %+v", tooLarge)
	}
}

func TestBuildWorkingContext_RecentAlwaysPreserved(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 10; i++ {
		pushFixed(t, h, 100)
	}

	ctx, err := BuildWorkingContext(h, 10000, 4)
	if err != nil {
		t.Fatalf("BuildWorkingContext: %v", err)
	}

	entries := h.Entries()
	tailIDs := map[MessageID]bool{}
	for _, e := range entries[len(entries)-4:] {
		tailIDs[e.ID] = true
	}
	found := 0
	for _, seg := range ctx.Segments {
		if seg.Original && tailIDs[seg.MessageID] {
			found++
		}
	}
	if found != 4 {
		t.Errorf("found %d of the 4 preserved-recent originals in the prepared context", found)
	}
	if ctx.UsedTokens() > ctx.Budget {
		t.Errorf("UsedTokens() %d exceeds budget %d", ctx.UsedTokens(), ctx.Budget)
	}
}

func TestBuildWorkingContext_SummarizationNeeded(t *testing.T) {
	h := NewHistory()
	// 20 messages of 400 tokens under the 8k-context fallback model's
	// effective budget (8192 - 2048 reserved output = 6144) with
	// preserve_recent=4: the tail takes 1600, 11 older messages fit in the
	// remaining 4544, so ids 0..4 must be summarized.
	for i := 0; i < 20; i++ {
		pushFixed(t, h, 400)
	}

	_, err := BuildWorkingContext(h, EffectiveBudget(defaultLimits, 0), 4)
	needed, ok := err.(*SummarizationNeeded)
	if !ok {
		t.Fatalf("got error %v (%T), want *SummarizationNeeded", err, err)
	}
	if len(needed.MessagesToSummarize) == 0 {
		t.Fatal("expected a non-empty list of messages to summarize")
	}
	if needed.MessagesToSummarize[0] != 0 {
		t.Errorf("messages_to_summarize does not start at id 0: %v", needed.MessagesToSummarize)
	}
	for i := 1; i < len(needed.MessagesToSummarize); i++ {
		if needed.MessagesToSummarize[i] != needed.MessagesToSummarize[i-1]+1 {
			t.Fatalf("messages_to_summarize is not a contiguous prefix: %v", needed.MessagesToSummarize)
		}
	}
}

func TestBuildWorkingContext_BudgetExpansionRestoresOriginals(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 15; i++ {
		pushFixed(t, h, 300)
	}
	if _, err := h.AddSummary(0, 10, "condensed", 200, 3000, "test"); err != nil {
		t.Fatalf("AddSummary: %v", err)
	}

	// Under a tight budget the summary is chosen over the originals it replaces.
	tight, err := BuildWorkingContext(h, 4000, 4)
	if err != nil {
		t.Fatalf("BuildWorkingContext (tight): %v", err)
	}
	sawSummary := false
	for _, seg := range tight.Segments {
		if !seg.Original && seg.SummaryID != 0 {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Fatal("expected the tight budget to select the summary segment")
	}

	// Under a much larger budget, originals are restored and the summary is
	// not materialized at all.
	wide, err := BuildWorkingContext(h, 200000, 4)
	if err != nil {
		t.Fatalf("BuildWorkingContext (wide): %v", err)
	}
	originalsForSummarized := 0
	for _, seg := range wide.Segments {
		if seg.Original && seg.MessageID < 10 {
			originalsForSummarized++
		}
		if !seg.Original {
			t.Errorf("wide budget still emitted a summary segment: %+v", seg)
		}
	}
	if originalsForSummarized != 10 {
		t.Errorf("expected all 10 previously-summarized originals restored, got %d", originalsForSummarized)
	}
}

func TestBuildWorkingContext_EmptyHistory(t *testing.T) {
	h := NewHistory()
	ctx, err := BuildWorkingContext(h, 1000, 4)
	if err != nil {
		t.Fatalf("BuildWorkingContext: %v", err)
	}
	if len(ctx.Segments) != 0 {
		t.Errorf("expected no segments for empty history, got %d", len(ctx.Segments))
	}
}
