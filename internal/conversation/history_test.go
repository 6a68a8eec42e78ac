package conversation

import (
	"path/filepath"
	"testing"
)

func mustUser(t *testing.T, content string) Message {
	t.Helper()
	m, err := NewUser(content)
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	return m
}

func TestHistory_PushAssignsDenseIDs(t *testing.T) {
	h := NewHistory()
	id1 := h.Push(mustUser(t, "hello"))
	id2 := h.Push(mustUser(t, "world"))

	if id1 != 0 || id2 != 1 {
		t.Fatalf("got ids %d, %d, want 0, 1", id1, id2)
	}
	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h.Len())
	}
}

func TestHistory_PushWithStepIDIsIdempotent(t *testing.T) {
	h := NewHistory()
	id1 := h.PushWithStepID(mustUser(t, "first"), StepID(1))
	id2 := h.PushWithStepID(mustUser(t, "second"), StepID(1))

	if id1 != id2 {
		t.Fatalf("duplicate step id produced different entries: %d != %d", id1, id2)
	}
	if h.Len() != 1 {
		t.Fatalf("Len() = %d, want exactly one entry for the duplicated step", h.Len())
	}
	if !h.HasStepID(StepID(1)) {
		t.Fatal("HasStepID(1) = false, want true")
	}
}

func TestHistory_PopIfLast(t *testing.T) {
	h := NewHistory()
	id := h.Push(mustUser(t, "only message"))

	msg, ok := h.PopIfLast(id)
	if !ok {
		t.Fatal("PopIfLast returned false for the last entry")
	}
	if msg.Content != "only message" {
		t.Errorf("popped content = %q", msg.Content)
	}
	if h.Len() != 0 {
		t.Fatalf("Len() = %d after pop, want 0", h.Len())
	}

	if _, ok := h.PopIfLast(id); ok {
		t.Fatal("PopIfLast on empty history returned true")
	}
}

func TestHistory_PopIfLastRejectsNonLast(t *testing.T) {
	h := NewHistory()
	id1 := h.Push(mustUser(t, "first"))
	h.Push(mustUser(t, "second"))

	if _, ok := h.PopIfLast(id1); ok {
		t.Fatal("PopIfLast succeeded on a non-last id")
	}
}

func TestHistory_AddSummaryIndexesContiguousRange(t *testing.T) {
	h := NewHistory()
	for i := 0; i < 4; i++ {
		h.Push(mustUser(t, "msg"))
	}

	sid, err := h.AddSummary(0, 3, "condensed", 10, 40, "test")
	if err != nil {
		t.Fatalf("AddSummary: %v", err)
	}

	entries := h.Entries()
	for i := MessageID(0); i < 3; i++ {
		if entries[i].SummaryID == nil || *entries[i].SummaryID != sid {
			t.Errorf("entry %d not tagged with summary %d", i, sid)
		}
	}
	if entries[3].SummaryID != nil {
		t.Error("entry 3 should be outside the summary range")
	}
	if h.SummarizedCount() != 3 {
		t.Errorf("SummarizedCount() = %d, want 3", h.SummarizedCount())
	}
}

func TestHistory_AddSummaryRejectsEmptyOrOutOfRange(t *testing.T) {
	h := NewHistory()
	h.Push(mustUser(t, "only"))

	if _, err := h.AddSummary(0, 0, "x", 1, 1, "t"); err == nil {
		t.Error("expected error for empty range")
	}
	if _, err := h.AddSummary(0, 5, "x", 1, 1, "t"); err == nil {
		t.Error("expected error for out-of-range end")
	}
}

func TestHistory_SaveLoadRoundTrip(t *testing.T) {
	h := NewHistory()
	h.Push(mustUser(t, "hello"))
	step := StepID(7)
	h.PushWithStepID(mustUser(t, "assistant reply"), step)
	sid, err := h.AddSummary(0, 1, "condensed hello", 5, 10, "unit-test")
	if err != nil {
		t.Fatalf("AddSummary: %v", err)
	}

	path := filepath.Join(t.TempDir(), "history.json")
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadHistory(path)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}

	if loaded.Len() != h.Len() {
		t.Fatalf("loaded Len() = %d, want %d", loaded.Len(), h.Len())
	}
	if !loaded.HasStepID(step) {
		t.Error("loaded history lost the step-id index")
	}
	if s, ok := loaded.Summary(sid); !ok || s.Content != "condensed hello" {
		t.Errorf("loaded summary mismatch: %+v, ok=%v", s, ok)
	}
}

func TestHistory_SaveOverwritesExisting(t *testing.T) {
	h := NewHistory()
	h.Push(mustUser(t, "v1"))
	path := filepath.Join(t.TempDir(), "history.json")
	if err := h.Save(path); err != nil {
		t.Fatalf("Save (first): %v", err)
	}

	h.Push(mustUser(t, "v2"))
	if err := h.Save(path); err != nil {
		t.Fatalf("Save (second): %v", err)
	}

	loaded, err := LoadHistory(path)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("loaded Len() = %d, want 2", loaded.Len())
	}
}

func TestNewUserRejectsEmptyContent(t *testing.T) {
	if _, err := NewUser("   "); err == nil {
		t.Fatal("expected error for whitespace-only content")
	}
}

func TestNormalize_StripsSteganographicCodepoints(t *testing.T) {
	dirty := "hello​world\r\nfoo\rbar"
	got := Normalize(dirty)
	want := "helloworld\nfoo\nbar"
	if got != want {
		t.Errorf("Normalize(%q) = %q, want %q", dirty, got, want)
	}
}
