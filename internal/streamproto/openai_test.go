package streamproto

import "testing"

func TestResponsesParser_TextDelta(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{"type":"response.output_text.delta","item_id":"item_1","delta":"Hello"}`))
	if action.Kind != ActionEmit || action.Events[0].Kind != TextDelta || action.Events[0].Text != "Hello" {
		t.Fatalf("got %+v", action)
	}
}

func TestResponsesParser_FunctionCallLifecycle(t *testing.T) {
	p := NewResponsesParser()

	added := p.Parse(frame(`{
		"type":"response.output_item.added",
		"item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"Read"}
	}`))
	if added.Kind != ActionEmit || added.Events[0].Kind != ToolCallStart || added.Events[0].ToolCallID != "call_1" {
		t.Fatalf("got %+v", added)
	}

	delta := p.Parse(frame(`{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"{\"path\":\"a\"}"}`))
	if delta.Kind != ActionEmit || delta.Events[0].Kind != ToolCallDelta || delta.Events[0].ToolCallID != "call_1" {
		t.Fatalf("got %+v, want call_1 resolved via item_id fallback", delta)
	}

	// call_id present directly on the delta should be used without fallback.
	deltaDirect := p.Parse(frame(`{"type":"response.function_call_arguments.delta","call_id":"call_2","delta":"x"}`))
	if deltaDirect.Events[0].ToolCallID != "call_2" {
		t.Fatalf("got %+v", deltaDirect)
	}
}

func TestResponsesParser_ReasoningDoneWithEncryptedContent(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{
		"type":"response.output_item.done",
		"item":{"type":"reasoning","id":"rs_abc","summary":[{"type":"summary_text","text":"thinking it through"}],"encrypted_content":"opaque-blob"}
	}`))
	if action.Kind != ActionEmit || action.Events[0].Kind != OpenAIReasoningDone {
		t.Fatalf("got %+v", action)
	}
	evt := action.Events[0]
	if evt.ReasoningItemID != "rs_abc" || evt.ReasoningEncrypted != "opaque-blob" || !evt.ReasoningHasEncrypted {
		t.Fatalf("got %+v", evt)
	}
	if len(evt.ReasoningSummary) != 1 || evt.ReasoningSummary[0].Text != "thinking it through" {
		t.Fatalf("got %+v", evt.ReasoningSummary)
	}
}

func TestResponsesParser_ReasoningDoneWithoutEncryptedContentIsDropped(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{"type":"response.output_item.done","item":{"type":"reasoning","id":"rs_abc"}}`))
	if action.Kind != ActionContinue {
		t.Fatalf("got %+v, want ActionContinue when there's nothing to replay", action)
	}
}

func TestResponsesParser_CompletedEmitsUsageThenDone(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{
		"type":"response.completed",
		"response":{"usage":{"input_tokens":1234,"output_tokens":567,"input_tokens_details":{"cached_tokens":100}}}
	}`))
	if action.Kind != ActionEmit || len(action.Events) != 2 {
		t.Fatalf("got %+v", action)
	}
	if action.Events[0].Kind != Usage || action.Events[0].Usage.InputTokens != 1234 || action.Events[0].Usage.CacheReadTokens != 100 {
		t.Fatalf("got %+v", action.Events[0])
	}
	if action.Events[1].Kind != Done {
		t.Fatalf("got %+v", action.Events[1])
	}
}

func TestResponsesParser_FailedIsError(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{"type":"response.failed","response":{"error":{"message":"rate limited"}}}`))
	if action.Kind != ActionError || action.Err != "rate limited" {
		t.Fatalf("got %+v", action)
	}
}

func TestResponsesParser_IncompleteIsError(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{"type":"response.incomplete","response":{"error":{"message":"max output tokens reached"}}}`))
	if action.Kind != ActionError {
		t.Fatalf("got %+v, want ActionError", action)
	}
}

func TestResponsesParser_UnknownEventIsForwardCompatible(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{"type":"response.future_event","data":123}`))
	if action.Kind != ActionContinue {
		t.Fatalf("got %+v, want ActionContinue", action)
	}
}

func TestResponsesParser_TopLevelError(t *testing.T) {
	p := NewResponsesParser()
	action := p.Parse(frame(`{"type":"error","error":{"message":"Something went wrong"}}`))
	if action.Kind != ActionError || action.Err != "Something went wrong" {
		t.Fatalf("got %+v", action)
	}
}
