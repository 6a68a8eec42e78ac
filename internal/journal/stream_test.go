package journal

import (
	"path/filepath"
	"testing"
)

func TestStreamJournal_OpenInMemoryHasNoRecovery(t *testing.T) {
	j, err := OpenStreamInMemory()
	if err != nil {
		t.Fatalf("OpenStreamInMemory: %v", err)
	}
	defer j.Close()

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != nil {
		t.Fatalf("expected nil recovery on a fresh journal, got %+v", recovered)
	}
}

func TestStreamJournal_BeginSessionAllocatesSequentialSteps(t *testing.T) {
	j, err := OpenStreamInMemory()
	if err != nil {
		t.Fatalf("OpenStreamInMemory: %v", err)
	}
	defer j.Close()

	s1, err := j.BeginSession("test-model")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if s1.StepID() != 1 {
		t.Fatalf("got step %d, want 1", s1.StepID())
	}
	if _, err := j.Seal(s1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := j.CommitAndPruneStep(s1.StepID()); err != nil {
		t.Fatalf("CommitAndPruneStep: %v", err)
	}

	s2, err := j.BeginSession("test-model")
	if err != nil {
		t.Fatalf("BeginSession (second): %v", err)
	}
	if s2.StepID() != 2 {
		t.Fatalf("got step %d, want 2", s2.StepID())
	}
}

func TestStreamJournal_SealReturnsAccumulatedText(t *testing.T) {
	j, err := OpenStreamInMemory()
	if err != nil {
		t.Fatalf("OpenStreamInMemory: %v", err)
	}
	defer j.Close()

	s, err := j.BeginSession("test-model")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := j.AppendText(s, "Hello"); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	if err := j.AppendText(s, " "); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	if err := j.AppendText(s, "World"); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	if err := j.AppendDone(s); err != nil {
		t.Fatalf("AppendDone: %v", err)
	}

	text, err := j.Seal(s)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if text != "Hello World" {
		t.Errorf("got %q, want %q", text, "Hello World")
	}
}

func TestStreamJournal_RecoverFindsUnsealedStream(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stream.db")

	func() {
		j, err := OpenStream(dbPath)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		defer j.Close()
		s, err := j.BeginSession("test-model")
		if err != nil {
			t.Fatalf("BeginSession: %v", err)
		}
		if err := j.AppendText(s, "Partial"); err != nil {
			t.Fatalf("AppendText: %v", err)
		}
		if err := j.AppendText(s, " response"); err != nil {
			t.Fatalf("AppendText: %v", err)
		}
		// No seal, simulating a crash mid-stream.
	}()

	j, err := OpenStream(dbPath)
	if err != nil {
		t.Fatalf("reopen OpenStream: %v", err)
	}
	defer j.Close()

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered == nil {
		t.Fatal("expected a recovered stream")
	}
	if recovered.Kind != RecoveryIncomplete {
		t.Errorf("got kind %v, want RecoveryIncomplete", recovered.Kind)
	}
	if recovered.PartialText != "Partial response" {
		t.Errorf("got partial text %q", recovered.PartialText)
	}
	if recovered.LastSeq != 2 {
		t.Errorf("got last seq %d, want 2", recovered.LastSeq)
	}
}

func TestStreamJournal_RecoverDetectsCompleteButUnsealed(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stream.db")

	func() {
		j, err := OpenStream(dbPath)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		defer j.Close()
		s, err := j.BeginSession("test-model")
		if err != nil {
			t.Fatalf("BeginSession: %v", err)
		}
		if err := j.AppendText(s, "Complete"); err != nil {
			t.Fatalf("AppendText: %v", err)
		}
		if err := j.AppendDone(s); err != nil {
			t.Fatalf("AppendDone: %v", err)
		}
	}()

	j, err := OpenStream(dbPath)
	if err != nil {
		t.Fatalf("reopen OpenStream: %v", err)
	}
	defer j.Close()

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered == nil || recovered.Kind != RecoveryComplete {
		t.Fatalf("got %+v, want RecoveryComplete", recovered)
	}
	if recovered.PartialText != "Complete" {
		t.Errorf("got partial text %q", recovered.PartialText)
	}
}

func TestStreamJournal_RecoverReturnsNilWhenAllCommitted(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stream.db")

	func() {
		j, err := OpenStream(dbPath)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		defer j.Close()
		s, err := j.BeginSession("test-model")
		if err != nil {
			t.Fatalf("BeginSession: %v", err)
		}
		if err := j.AppendText(s, "Test"); err != nil {
			t.Fatalf("AppendText: %v", err)
		}
		if _, err := j.Seal(s); err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if _, err := j.CommitAndPruneStep(s.StepID()); err != nil {
			t.Fatalf("CommitAndPruneStep: %v", err)
		}
	}()

	j, err := OpenStream(dbPath)
	if err != nil {
		t.Fatalf("reopen OpenStream: %v", err)
	}
	defer j.Close()

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != nil {
		t.Fatalf("expected no recovery after commit-and-prune, got %+v", recovered)
	}
}

func TestStreamJournal_ErrorEventRecoversAsErrored(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stream.db")

	func() {
		j, err := OpenStream(dbPath)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		defer j.Close()
		s, err := j.BeginSession("test-model")
		if err != nil {
			t.Fatalf("BeginSession: %v", err)
		}
		if err := j.AppendText(s, "Start"); err != nil {
			t.Fatalf("AppendText: %v", err)
		}
		if err := j.AppendError(s, "API Error"); err != nil {
			t.Fatalf("AppendError: %v", err)
		}
	}()

	j, err := OpenStream(dbPath)
	if err != nil {
		t.Fatalf("reopen OpenStream: %v", err)
	}
	defer j.Close()

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered == nil || recovered.Kind != RecoveryErrored {
		t.Fatalf("got %+v, want RecoveryErrored", recovered)
	}
	if recovered.Error != "API Error" {
		t.Errorf("got error %q", recovered.Error)
	}
	if recovered.PartialText != "Start" {
		t.Errorf("got partial text %q", recovered.PartialText)
	}
}

func TestStreamJournal_BeginSessionFailsWhileUnsealedExists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "stream.db")

	func() {
		j, err := OpenStream(dbPath)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		defer j.Close()
		s, err := j.BeginSession("test-model")
		if err != nil {
			t.Fatalf("BeginSession: %v", err)
		}
		if err := j.AppendText(s, "Hello"); err != nil {
			t.Fatalf("AppendText: %v", err)
		}
	}()

	j, err := OpenStream(dbPath)
	if err != nil {
		t.Fatalf("reopen OpenStream: %v", err)
	}
	defer j.Close()

	if _, err := j.BeginSession("test-model"); err == nil {
		t.Fatal("expected BeginSession to fail with a recoverable step outstanding")
	}
}

func TestStreamJournal_DiscardRemovesRecoverableState(t *testing.T) {
	j, err := OpenStreamInMemory()
	if err != nil {
		t.Fatalf("OpenStreamInMemory: %v", err)
	}
	defer j.Close()

	s, err := j.BeginSession("test-model")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := j.AppendText(s, "Discard me"); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	n, err := j.Discard(s)
	if err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d deleted, want 1", n)
	}
	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != nil {
		t.Fatalf("expected no recovery after discard, got %+v", recovered)
	}
}

func TestStreamJournal_Stats(t *testing.T) {
	j, err := OpenStreamInMemory()
	if err != nil {
		t.Fatalf("OpenStreamInMemory: %v", err)
	}
	defer j.Close()

	s, err := j.BeginSession("test-model")
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := j.AppendText(s, "A"); err != nil {
		t.Fatalf("AppendText: %v", err)
	}
	if err := j.AppendText(s, "B"); err != nil {
		t.Fatalf("AppendText: %v", err)
	}

	stats, err := j.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries != 2 || stats.UnsealedEntries != 2 || stats.SealedEntries != 0 {
		t.Errorf("got %+v", stats)
	}
	if stats.CurrentStepID != s.StepID() {
		t.Errorf("got current step %d, want %d", stats.CurrentStepID, s.StepID())
	}
}
