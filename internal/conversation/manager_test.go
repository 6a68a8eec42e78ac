package conversation

import "testing"

func TestManager_PushAndRollback(t *testing.T) {
	m := NewManager("claude-opus-4-6-20260115")
	id1 := m.PushMessage(mustUser(t, "hello"))
	id2 := m.PushMessage(mustUser(t, "world"))

	if id1 != 0 || id2 != 1 {
		t.Fatalf("got ids %d, %d", id1, id2)
	}

	msg, ok := m.RollbackLastMessage(id2)
	if !ok || msg.Content != "world" {
		t.Fatalf("RollbackLastMessage: msg=%+v ok=%v", msg, ok)
	}
	if m.History().Len() != 1 {
		t.Fatalf("History().Len() = %d after rollback, want 1", m.History().Len())
	}
}

func TestManager_SwitchModelNoChange(t *testing.T) {
	m := NewManager("claude-sonnet-4-20250514")
	adaptation := m.SwitchModel("claude-sonnet-4-20250514")
	if adaptation.Kind != NoChange {
		t.Errorf("got %v, want NoChange", adaptation.Kind)
	}
}

func TestManager_SwitchModelExpandingCanRestore(t *testing.T) {
	m := NewManager("claude-haiku-4-5")
	for i := 0; i < 10; i++ {
		m.PushMessage(mustUser(t, "filler message"))
	}
	if _, err := m.History().AddSummary(0, 5, "condensed", 50, 2000, "test"); err != nil {
		t.Fatalf("AddSummary: %v", err)
	}

	adaptation := m.SwitchModel("claude-opus-4-6-20260115")
	if adaptation.Kind != Expanding {
		t.Fatalf("got %v, want Expanding", adaptation.Kind)
	}
	if adaptation.CanRestore == 0 {
		t.Error("expected CanRestore > 0 after switching to a much larger model")
	}
}

func TestManager_PrepareSummarizationClampsToContiguousRun(t *testing.T) {
	m := NewManager("claude-sonnet-4-20250514")
	for i := 0; i < 6; i++ {
		m.PushMessage(mustUser(t, "filler"))
	}

	// ids 0,1,2 are contiguous; 5 is not adjacent to 2, so it should be dropped.
	pending := m.PrepareSummarization([]MessageID{2, 0, 1, 5})
	if pending == nil {
		t.Fatal("expected non-nil PendingSummarization")
	}
	want := []MessageID{0, 1, 2}
	if len(pending.IDs) != len(want) {
		t.Fatalf("got IDs %v, want %v", pending.IDs, want)
	}
	for i, id := range want {
		if pending.IDs[i] != id {
			t.Fatalf("got IDs %v, want %v", pending.IDs, want)
		}
	}
	if pending.TargetTokens < minSummaryTokens || pending.TargetTokens > maxSummaryTokens {
		t.Errorf("TargetTokens %d out of clamp range", pending.TargetTokens)
	}
}

func TestManager_PrepareSummarizationEmpty(t *testing.T) {
	m := NewManager("claude-sonnet-4-20250514")
	if got := m.PrepareSummarization(nil); got != nil {
		t.Errorf("expected nil for empty ids, got %+v", got)
	}
}

func TestManager_CompleteSummarizationPrependsMarker(t *testing.T) {
	m := NewManager("claude-sonnet-4-20250514")
	for i := 0; i < 3; i++ {
		m.PushMessage(mustUser(t, "filler"))
	}
	pending := m.PrepareSummarization([]MessageID{0, 1, 2})

	sid, err := m.CompleteSummarization(pending, "the user asked about X", "unit-test")
	if err != nil {
		t.Fatalf("CompleteSummarization: %v", err)
	}
	summary, ok := m.History().Summary(sid)
	if !ok {
		t.Fatal("summary not found after CompleteSummarization")
	}
	if summary.Content[:len(SummaryPrefix)] != SummaryPrefix {
		t.Errorf("summary content %q does not start with the domain marker", summary.Content)
	}
}

func TestManager_RecentMessagesOnly(t *testing.T) {
	m := NewManager("claude-sonnet-4-20250514")
	for i := 0; i < 10; i++ {
		m.PushMessage(mustUser(t, "filler"))
	}

	got := m.RecentMessagesOnly(3)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}

	if got := m.RecentMessagesOnly(100); len(got) != 10 {
		t.Errorf("RecentMessagesOnly(100) with only 10 entries returned %d", len(got))
	}
}

func TestManager_UsageStatusReady(t *testing.T) {
	m := NewManager("claude-opus-4-6-20260115")
	m.PushMessage(mustUser(t, "hello"))

	status := m.UsageStatus()
	if status.Kind != StatusReady {
		t.Fatalf("got %v, want StatusReady", status.Kind)
	}
	if status.Usage.UsedTokens > status.Usage.BudgetTokens {
		t.Errorf("used tokens %d exceeds budget %d", status.Usage.UsedTokens, status.Usage.BudgetTokens)
	}
}

func TestResolveLimits_UnknownModelFallsBack(t *testing.T) {
	resolved := ResolveLimits("some-unknown-model-xyz")
	if resolved.Source != SourceDefaultFallback {
		t.Errorf("got source %v, want SourceDefaultFallback", resolved.Source)
	}
	if resolved.Limits.ContextWindow != defaultLimits.ContextWindow {
		t.Errorf("got context window %d, want default %d", resolved.Limits.ContextWindow, defaultLimits.ContextWindow)
	}
}

func TestResolveLimits_PrefixMatch(t *testing.T) {
	resolved := ResolveLimits("claude-opus-4-6-20260115")
	if resolved.Source != SourcePrefix {
		t.Errorf("got source %v, want SourcePrefix", resolved.Source)
	}
	if resolved.Limits.ContextWindow != 1_000_000 {
		t.Errorf("got context window %d, want 1_000_000", resolved.Limits.ContextWindow)
	}
}

func TestResolveLimits_OverrideTakesPrecedence(t *testing.T) {
	ModelOverrides["claude-opus-4-6-20260115"] = ModelLimits{ContextWindow: 42}
	defer delete(ModelOverrides, "claude-opus-4-6-20260115")

	resolved := ResolveLimits("claude-opus-4-6-20260115")
	if resolved.Source != SourceOverride || resolved.Limits.ContextWindow != 42 {
		t.Errorf("got %+v, want override with ContextWindow=42", resolved)
	}
}
