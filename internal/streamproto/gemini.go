package streamproto

import (
	"encoding/json"
	"fmt"

	"github.com/dcazares/conductor/internal/conversation"
)

// geminiResponse is one complete Gemini generateContent SSE chunk. Unlike
// Claude/OpenAI, Gemini has no event-type tag: every frame is a full
// response object and parts accumulate across frames.
type geminiResponse struct {
	Candidates []struct {
		Content *struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type geminiPart struct {
	Text             string          `json:"text"`
	Thought          bool            `json:"thought"`
	FunctionCall     *geminiFuncCall `json:"functionCall"`
	ThoughtSignature string          `json:"thoughtSignature"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// geminiFinishReasonMessage maps non-success finish reasons to a fixed
// user-facing error message, mirroring the vendor's documented semantics.
var geminiFinishReasonMessage = map[string]string{
	"SAFETY":                    "Content filtered by safety settings",
	"RECITATION":                "Response blocked: recitation",
	"LANGUAGE":                  "Unsupported language",
	"BLOCKLIST":                 "Content contains blocked terms",
	"PROHIBITED_CONTENT":        "Prohibited content detected",
	"SPII":                      "Sensitive PII detected",
	"MALFORMED_FUNCTION_CALL":   "Invalid function call generated",
	"MISSING_THOUGHT_SIGNATURE": "Missing thought signature in request",
	"TOO_MANY_TOOL_CALLS":       "Too many consecutive tool calls",
	"UNEXPECTED_TOOL_CALL":      "Tool call but no tools enabled",
	"OTHER":                     "Generation stopped: unknown reason",
}

// GeminiParser decodes Gemini generateContent SSE frames. Each frame is a
// full response object; tool calls get a synthetic index-based id since
// Gemini never assigns one itself.
type GeminiParser struct {
	toolCallCount int
}

// NewGeminiParser returns a fresh parser for one stream.
func NewGeminiParser() *GeminiParser { return &GeminiParser{} }

func (p *GeminiParser) Parse(frame RawFrame) Action {
	var resp geminiResponse
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		return errorAction("malformed Gemini response frame")
	}

	if resp.Error != nil {
		msg := resp.Error.Message
		if msg == "" {
			msg = "Gemini stream error"
		}
		return errorAction(msg)
	}

	var events []StreamEvent

	if resp.UsageMetadata != nil && (resp.UsageMetadata.PromptTokenCount > 0 || resp.UsageMetadata.CandidatesTokenCount > 0) {
		events = append(events, StreamEvent{Kind: Usage, Usage: ApiUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}})
	}

	var finishReason string
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				events = append(events, p.emitPart(part)...)
			}
		}
		if cand.FinishReason != "" {
			finishReason = cand.FinishReason
		}
	}

	if finishReason != "" {
		if finishReason == "STOP" || finishReason == "MAX_TOKENS" {
			events = append(events, StreamEvent{Kind: Done})
			return emit(events...)
		}
		if msg, ok := geminiFinishReasonMessage[finishReason]; ok {
			return errorAction(msg)
		}
		// Unknown finish reason: treat as forward-compatible success.
		events = append(events, StreamEvent{Kind: Done})
		return emit(events...)
	}

	return emitOrContinue(events)
}

// emitPart converts one Gemini content part into zero or more normalized
// events. A function_call part yields a ToolCallStart immediately followed
// by a single ToolCallDelta carrying the whole argument object, since
// Gemini never streams partial function-call arguments the way Claude and
// OpenAI do.
func (p *GeminiParser) emitPart(part geminiPart) []StreamEvent {
	if part.FunctionCall != nil {
		sig := conversation.Unsigned
		if part.ThoughtSignature != "" {
			sig = conversation.Signed(part.ThoughtSignature)
		}
		id := fmt.Sprintf("gemini-call-%d", p.toolCallCount)
		p.toolCallCount++
		args := part.FunctionCall.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return []StreamEvent{
			{Kind: ToolCallStart, ToolCallID: id, ToolCallName: part.FunctionCall.Name, ToolCallSignature: sig},
			{Kind: ToolCallDelta, ToolCallID: id, ToolCallArguments: string(args)},
		}
	}
	if part.Thought {
		return []StreamEvent{{Kind: ThinkingDelta, Text: part.Text}}
	}
	return []StreamEvent{{Kind: TextDelta, Text: part.Text}}
}
