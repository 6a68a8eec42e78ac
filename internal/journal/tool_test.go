package journal

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dcazares/conductor/internal/conversation"
)

func TestToolJournal_BeginBatchJournalsCalls(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	calls := []conversation.ToolCall{
		{ID: "call-1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.go"}`)},
		{ID: "call-2", Name: "grep", Arguments: json.RawMessage(`{"pattern":"TODO"}`)},
	}
	batchID, err := j.BeginBatch(nil, "test-model", "looking at the file", calls)
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered == nil {
		t.Fatal("expected a recovered batch")
	}
	if recovered.BatchID != batchID {
		t.Errorf("got batch %d, want %d", recovered.BatchID, batchID)
	}
	if len(recovered.Calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(recovered.Calls))
	}
	if recovered.Calls[0].ID != "call-1" || recovered.Calls[1].ID != "call-2" {
		t.Errorf("call order not preserved: %+v", recovered.Calls)
	}
}

func TestToolJournal_BeginBatchFailsWhilePendingBatchExists(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	if _, err := j.BeginBatch(nil, "m", "text", nil); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if _, err := j.BeginBatch(nil, "m", "text2", nil); err == nil {
		t.Fatal("expected second BeginBatch to fail with a pending batch outstanding")
	}
}

func TestToolJournal_StreamingBatchAppendsArgsAndAssistantText(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginStreamingBatch(nil, "test-model")
	if err != nil {
		t.Fatalf("BeginStreamingBatch: %v", err)
	}
	if err := j.RecordCallStart(batchID, 0, "call-1", "shell", conversation.Unsigned); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	if err := j.AppendCallArgs(batchID, "call-1", `{"cmd":`); err != nil {
		t.Fatalf("AppendCallArgs: %v", err)
	}
	if err := j.AppendCallArgs(batchID, "call-1", `"ls"}`); err != nil {
		t.Fatalf("AppendCallArgs (2): %v", err)
	}
	if err := j.AppendAssistantDelta(batchID, "Running "); err != nil {
		t.Fatalf("AppendAssistantDelta: %v", err)
	}
	if err := j.AppendAssistantDelta(batchID, "ls"); err != nil {
		t.Fatalf("AppendAssistantDelta (2): %v", err)
	}

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered.AssistantText != "Running ls" {
		t.Errorf("got assistant text %q", recovered.AssistantText)
	}
	if len(recovered.Calls) != 1 || string(recovered.Calls[0].Arguments) != `{"cmd":"ls"}` {
		t.Fatalf("got calls %+v", recovered.Calls)
	}
}

func TestToolJournal_AppendCallArgsRejectsUnknownCall(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginStreamingBatch(nil, "test-model")
	if err != nil {
		t.Fatalf("BeginStreamingBatch: %v", err)
	}
	if err := j.AppendCallArgs(batchID, "missing-call", "x"); err == nil {
		t.Fatal("expected error appending args to an unknown call")
	}
}

func TestToolJournal_RecordResultIsIdempotentWhenIdentical(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginBatch(nil, "m", "text", []conversation.ToolCall{{ID: "call-1", Name: "shell"}})
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	result := conversation.ToolResult{ToolCallID: "call-1", ToolName: "shell", Content: "ok", Outcome: conversation.Success}
	if err := j.RecordResult(batchID, result); err != nil {
		t.Fatalf("RecordResult (first): %v", err)
	}
	if err := j.RecordResult(batchID, result); err != nil {
		t.Fatalf("RecordResult (duplicate identical): %v", err)
	}
}

func TestToolJournal_RecordResultRejectsConflictingContent(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginBatch(nil, "m", "text", []conversation.ToolCall{{ID: "call-1", Name: "shell"}})
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	first := conversation.ToolResult{ToolCallID: "call-1", ToolName: "shell", Content: "ok", Outcome: conversation.Success}
	if err := j.RecordResult(batchID, first); err != nil {
		t.Fatalf("RecordResult (first): %v", err)
	}
	conflicting := conversation.ToolResult{ToolCallID: "call-1", ToolName: "shell", Content: "different", Outcome: conversation.Success}
	if err := j.RecordResult(batchID, conflicting); err == nil {
		t.Fatal("expected error recording conflicting content for the same tool_call_id")
	}
}

func TestToolJournal_CommitBatchClearsRecovery(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginBatch(nil, "m", "text", []conversation.ToolCall{{ID: "call-1", Name: "shell"}})
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := j.RecordResult(batchID, conversation.ToolResult{ToolCallID: "call-1", ToolName: "shell", Content: "ok"}); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if err := j.CommitBatch(batchID); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != nil {
		t.Fatalf("expected no recoverable batch after commit, got %+v", recovered)
	}

	if _, err := j.BeginBatch(nil, "m", "next", nil); err != nil {
		t.Fatalf("BeginBatch after commit should succeed: %v", err)
	}
}

func TestToolJournal_DiscardBatchClearsRecovery(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginBatch(nil, "m", "text", []conversation.ToolCall{{ID: "call-1", Name: "shell"}})
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := j.DiscardBatch(batchID); err != nil {
		t.Fatalf("DiscardBatch: %v", err)
	}
	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != nil {
		t.Fatalf("expected no recoverable batch after discard, got %+v", recovered)
	}
}

func TestToolJournal_RecoverReportsCorruptedArgs(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginStreamingBatch(nil, "test-model")
	if err != nil {
		t.Fatalf("BeginStreamingBatch: %v", err)
	}
	if err := j.RecordCallStart(batchID, 0, "call-1", "shell", conversation.Unsigned); err != nil {
		t.Fatalf("RecordCallStart: %v", err)
	}
	if err := j.AppendCallArgs(batchID, "call-1", "{not valid json"); err != nil {
		t.Fatalf("AppendCallArgs: %v", err)
	}

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(recovered.CorruptedArgs) != 1 {
		t.Fatalf("got %d corrupted args, want 1", len(recovered.CorruptedArgs))
	}
	if string(recovered.Calls[0].Arguments) != "{}" {
		t.Errorf("got recovered args %q, want empty object substitute", recovered.Calls[0].Arguments)
	}
}

func TestToolJournal_SignedThoughtSignatureRoundTrips(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	calls := []conversation.ToolCall{
		{ID: "call-1", Name: "shell", ThoughtSignature: conversation.Signed("opaque-sig")},
	}
	if _, err := j.BeginBatch(nil, "m", "text", calls); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	sig := recovered.Calls[0].ThoughtSignature
	if !sig.Signed || sig.Opaque != "opaque-sig" {
		t.Errorf("got signature %+v, want signed opaque-sig", sig)
	}
}

func TestToolJournal_RecordCallProcessRejectsConflictingPID(t *testing.T) {
	j, err := OpenToolInMemory()
	if err != nil {
		t.Fatalf("OpenToolInMemory: %v", err)
	}
	defer j.Close()

	batchID, err := j.BeginBatch(nil, "m", "text", []conversation.ToolCall{{ID: "call-1", Name: "shell"}})
	if err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}
	if err := j.RecordCallProcess(batchID, "call-1", 1234, 999); err != nil {
		t.Fatalf("RecordCallProcess: %v", err)
	}
	if err := j.RecordCallProcess(batchID, "call-1", 1234, 999); err != nil {
		t.Fatalf("RecordCallProcess (identical repeat): %v", err)
	}
	if err := j.RecordCallProcess(batchID, "call-1", 5678, 999); err == nil {
		t.Fatal("expected error recording a conflicting PID")
	}
}

func TestToolJournal_PersistsAcrossInstances(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tool.db")

	func() {
		j, err := OpenTool(dbPath)
		if err != nil {
			t.Fatalf("OpenTool: %v", err)
		}
		defer j.Close()
		if _, err := j.BeginBatch(nil, "m", "persisted", []conversation.ToolCall{{ID: "call-1", Name: "shell"}}); err != nil {
			t.Fatalf("BeginBatch: %v", err)
		}
	}()

	j, err := OpenTool(dbPath)
	if err != nil {
		t.Fatalf("reopen OpenTool: %v", err)
	}
	defer j.Close()

	recovered, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered == nil || recovered.AssistantText != "persisted" {
		t.Fatalf("got %+v", recovered)
	}
}
