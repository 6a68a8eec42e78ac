package streamproto

import "testing"

func TestGeminiParser_TextResponse(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(frame(`{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}`))
	if action.Kind != ActionEmit || len(action.Events) != 1 || action.Events[0].Kind != TextDelta || action.Events[0].Text != "Hello" {
		t.Fatalf("got %+v", action)
	}
}

func TestGeminiParser_ThinkingPart(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(frame(`{"candidates":[{"content":{"parts":[{"text":"Let me think...","thought":true}]}}]}`))
	if action.Kind != ActionEmit || action.Events[0].Kind != ThinkingDelta || action.Events[0].Text != "Let me think..." {
		t.Fatalf("got %+v", action)
	}
}

func TestGeminiParser_FunctionCallEmitsStartThenDelta(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(frame(`{
		"candidates":[{"content":{"parts":[{"functionCall":{"name":"Read","args":{"path":"foo"}},"thoughtSignature":"sig_123"}]}}]
	}`))
	if action.Kind != ActionEmit || len(action.Events) != 2 {
		t.Fatalf("got %+v", action)
	}
	start := action.Events[0]
	if start.Kind != ToolCallStart || start.ToolCallName != "Read" || !start.ToolCallSignature.Signed || start.ToolCallSignature.Opaque != "sig_123" {
		t.Fatalf("got %+v", start)
	}
	delta := action.Events[1]
	if delta.Kind != ToolCallDelta || delta.ToolCallID != start.ToolCallID || delta.ToolCallArguments != `{"path":"foo"}` {
		t.Fatalf("got %+v", delta)
	}
}

func TestGeminiParser_StopFinishReasonIsDone(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(frame(`{"candidates":[{"content":{"parts":[{"text":"done"}]},"finishReason":"STOP"}]}`))
	if action.Kind != ActionEmit {
		t.Fatalf("got %+v", action)
	}
	last := action.Events[len(action.Events)-1]
	if last.Kind != Done {
		t.Fatalf("got %+v, want final event Done", last)
	}
}

func TestGeminiParser_SafetyFinishReasonIsError(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(frame(`{"candidates":[{"finishReason":"SAFETY"}]}`))
	if action.Kind != ActionError || action.Err != "Content filtered by safety settings" {
		t.Fatalf("got %+v", action)
	}
}

func TestGeminiParser_TopLevelErrorField(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(frame(`{"error":{"message":"quota exceeded","code":429}}`))
	if action.Kind != ActionError || action.Err != "quota exceeded" {
		t.Fatalf("got %+v", action)
	}
}

func TestGeminiParser_UsageMetadata(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(frame(`{"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5},"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`))
	if action.Kind != ActionEmit {
		t.Fatalf("got %+v", action)
	}
	if action.Events[0].Kind != Usage || action.Events[0].Usage.InputTokens != 10 || action.Events[0].Usage.OutputTokens != 5 {
		t.Fatalf("got %+v", action.Events[0])
	}
}

func TestGeminiParser_MalformedFrameIsError(t *testing.T) {
	p := NewGeminiParser()
	action := p.Parse(RawFrame{Data: []byte("not json")})
	if action.Kind != ActionError {
		t.Fatalf("got %+v, want ActionError", action)
	}
}
