package streamproto

import "testing"

func frame(jsonData string) RawFrame {
	return RawFrame{Data: []byte(jsonData)}
}

func TestClaudeParser_MessageStartEmitsUsage(t *testing.T) {
	p := NewClaudeParser()
	action := p.Parse(frame(`{
		"type": "message_start",
		"message": {"usage": {"input_tokens": 100, "cache_read_input_tokens": 50, "cache_creation_input_tokens": 25}}
	}`))
	if action.Kind != ActionEmit || len(action.Events) != 1 {
		t.Fatalf("got %+v", action)
	}
	u := action.Events[0].Usage
	if u.InputTokens != 175 {
		t.Errorf("got total input tokens %d, want 175", u.InputTokens)
	}
	if u.CacheReadTokens != 50 || u.CacheCreationTokens != 25 {
		t.Errorf("got %+v", u)
	}
}

func TestClaudeParser_MessageDeltaEmitsOutputUsage(t *testing.T) {
	p := NewClaudeParser()
	action := p.Parse(frame(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`))
	if action.Kind != ActionEmit || len(action.Events) != 1 {
		t.Fatalf("got %+v", action)
	}
	if action.Events[0].Usage.OutputTokens != 42 {
		t.Errorf("got %+v", action.Events[0].Usage)
	}
}

func TestClaudeParser_NormalStopWithoutCompaction(t *testing.T) {
	p := NewClaudeParser()
	p.Parse(frame(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}`))
	action := p.Parse(frame(`{"type":"message_stop"}`))
	if action.Kind != ActionDone {
		t.Fatalf("got %+v, want ActionDone", action)
	}
}

// TestClaudeParser_ServerCompactionIsTransparent replays the exact sequence
// from the spec's compaction scenario: content before compaction, a
// compaction-triggering message_delta, a swallowed message_stop, a fresh
// message_start with renewed usage, content after compaction, and a final
// terminating message_stop.
func TestClaudeParser_ServerCompactionIsTransparent(t *testing.T) {
	p := NewClaudeParser()

	a1 := p.Parse(frame(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"before compaction"}}`))
	if a1.Kind != ActionEmit || len(a1.Events) != 1 || a1.Events[0].Kind != TextDelta || a1.Events[0].Text != "before compaction" {
		t.Fatalf("phase 1: got %+v", a1)
	}

	a2 := p.Parse(frame(`{"type":"message_delta","delta":{"stop_reason":"compaction"},"usage":{"output_tokens":42}}`))
	if a2.Kind != ActionEmit || len(a2.Events) != 1 || a2.Events[0].Kind != Usage || a2.Events[0].Usage.OutputTokens != 42 {
		t.Fatalf("phase 2: got %+v", a2)
	}
	if !p.compacting {
		t.Fatal("expected compacting flag to be set")
	}

	a3 := p.Parse(frame(`{"type":"message_stop"}`))
	if a3.Kind != ActionContinue {
		t.Fatalf("phase 3: got %+v, want ActionContinue (swallowed message_stop)", a3)
	}
	if p.compacting {
		t.Fatal("expected compacting flag to be cleared after swallowed message_stop")
	}

	a4 := p.Parse(frame(`{"type":"message_start","message":{"usage":{"input_tokens":500,"cache_read_input_tokens":200}}}`))
	if a4.Kind != ActionEmit || len(a4.Events) != 1 || a4.Events[0].Usage.InputTokens != 700 {
		t.Fatalf("phase 4: got %+v", a4)
	}

	a5 := p.Parse(frame(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"after compaction"}}`))
	if a5.Kind != ActionEmit || len(a5.Events) != 1 || a5.Events[0].Text != "after compaction" {
		t.Fatalf("phase 5: got %+v", a5)
	}

	a6 := p.Parse(frame(`{"type":"message_stop"}`))
	if a6.Kind != ActionDone {
		t.Fatalf("phase 6: got %+v, want ActionDone", a6)
	}
}

func TestClaudeParser_ToolUseLifecycle(t *testing.T) {
	p := NewClaudeParser()

	start := p.Parse(frame(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"shell"}}`))
	if start.Kind != ActionEmit || start.Events[0].Kind != ToolCallStart || start.Events[0].ToolCallID != "call_1" {
		t.Fatalf("got %+v", start)
	}

	delta := p.Parse(frame(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":\"ls\"}"}}`))
	if delta.Kind != ActionEmit || delta.Events[0].Kind != ToolCallDelta || delta.Events[0].ToolCallID != "call_1" {
		t.Fatalf("got %+v", delta)
	}

	stop := p.Parse(frame(`{"type":"content_block_stop","index":0}`))
	if stop.Kind != ActionContinue {
		t.Fatalf("got %+v", stop)
	}

	// A subsequent input_json_delta with no active tool id is dropped, not emitted.
	orphan := p.Parse(frame(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"x"}}`))
	if orphan.Kind != ActionContinue {
		t.Fatalf("got %+v, want ActionContinue for a delta with no active tool", orphan)
	}
}

func TestClaudeParser_ToolUseMissingIDIsError(t *testing.T) {
	p := NewClaudeParser()
	action := p.Parse(frame(`{"type":"content_block_start","content_block":{"type":"tool_use","id":"","name":"shell"}}`))
	if action.Kind != ActionError {
		t.Fatalf("got %+v, want ActionError", action)
	}
}

func TestClaudeParser_ErrorEvent(t *testing.T) {
	p := NewClaudeParser()
	action := p.Parse(frame(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	if action.Kind != ActionError || action.Err != "Overloaded" {
		t.Fatalf("got %+v", action)
	}
}

func TestClaudeParser_UnknownEventIsForwardCompatible(t *testing.T) {
	p := NewClaudeParser()
	action := p.Parse(frame(`{"type":"some_future_event"}`))
	if action.Kind != ActionContinue {
		t.Fatalf("got %+v, want ActionContinue", action)
	}
}

func TestClaudeParser_ThinkingAndSignatureDeltas(t *testing.T) {
	p := NewClaudeParser()
	thinking := p.Parse(frame(`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"pondering"}}`))
	if thinking.Kind != ActionEmit || thinking.Events[0].Kind != ThinkingDelta || thinking.Events[0].Text != "pondering" {
		t.Fatalf("got %+v", thinking)
	}
	sig := p.Parse(frame(`{"type":"content_block_delta","delta":{"type":"signature_delta","signature":"sig-abc"}}`))
	if sig.Kind != ActionEmit || sig.Events[0].Kind != ThinkingSignature || sig.Events[0].Signature != "sig-abc" {
		t.Fatalf("got %+v", sig)
	}
}
