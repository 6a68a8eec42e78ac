package streamproto

import "encoding/json"

// openaiEnvelope is the minimal shape shared by OpenAI Responses API SSE
// frames; fields unrelated to the frame's type are simply absent.
type openaiEnvelope struct {
	Type string `json:"type"`

	ItemID string `json:"item_id"`
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`

	Item *struct {
		Type             string                `json:"type"`
		ID               string                `json:"id"`
		CallID           string                `json:"call_id"`
		Name             string                `json:"name"`
		Summary          []openaiReasoningPart `json:"summary"`
		EncryptedContent string                `json:"encrypted_content"`
	} `json:"item"`

	Response *struct {
		Usage *struct {
			InputTokens        int `json:"input_tokens"`
			OutputTokens       int `json:"output_tokens"`
			InputTokensDetails *struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"input_tokens_details"`
		} `json:"usage"`
		Error *openaiErrorInfo `json:"error"`
	} `json:"response"`

	Error *openaiErrorInfo `json:"error"`
}

type openaiReasoningPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openaiErrorInfo struct {
	Message string `json:"message"`
}

// ResponsesParser decodes OpenAI Responses API SSE frames. Tool-call
// arguments arrive tagged by call_id directly, so no index tracking is
// needed the way Claude's content-block indices require.
type ResponsesParser struct {
	// outputToCallID maps an output_item's id (used by some delta events
	// instead of call_id) to its call_id, populated on output_item.added.
	outputToCallID map[string]string
}

// NewResponsesParser returns a fresh parser for one stream.
func NewResponsesParser() *ResponsesParser {
	return &ResponsesParser{outputToCallID: make(map[string]string)}
}

func (p *ResponsesParser) Parse(frame RawFrame) Action {
	var env openaiEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return continueAction
	}

	switch env.Type {
	case "response.output_text.delta":
		if env.Delta == "" {
			return continueAction
		}
		return emit(StreamEvent{Kind: TextDelta, Text: env.Delta})

	case "response.reasoning_summary_text.delta":
		if env.Delta == "" {
			return continueAction
		}
		return emit(StreamEvent{Kind: ThinkingDelta, Text: env.Delta})

	case "response.output_item.added":
		if env.Item == nil {
			return continueAction
		}
		switch env.Item.Type {
		case "function_call":
			p.outputToCallID[env.Item.ID] = env.Item.CallID
			return emit(StreamEvent{
				Kind:         ToolCallStart,
				ToolCallID:   env.Item.CallID,
				ToolCallName: env.Item.Name,
			})
		}
		return continueAction

	case "response.output_item.done":
		if env.Item == nil || env.Item.Type != "reasoning" {
			return continueAction
		}
		parts := make([]ReasoningSummaryPart, len(env.Item.Summary))
		for i, s := range env.Item.Summary {
			parts[i] = ReasoningSummaryPart{Type: s.Type, Text: s.Text}
		}
		if env.Item.EncryptedContent == "" {
			return continueAction
		}
		return emit(StreamEvent{
			Kind:                  OpenAIReasoningDone,
			ReasoningItemID:       env.Item.ID,
			ReasoningSummary:      parts,
			ReasoningEncrypted:    env.Item.EncryptedContent,
			ReasoningHasEncrypted: true,
		})

	case "response.function_call_arguments.delta":
		if env.Delta == "" {
			return continueAction
		}
		callID := env.CallID
		if callID == "" {
			callID = p.outputToCallID[env.ItemID]
		}
		return emit(StreamEvent{Kind: ToolCallDelta, ToolCallID: callID, ToolCallArguments: env.Delta})

	case "response.completed":
		var events []StreamEvent
		if env.Response != nil && env.Response.Usage != nil {
			u := env.Response.Usage
			cached := 0
			if u.InputTokensDetails != nil {
				cached = u.InputTokensDetails.CachedTokens
			}
			events = append(events, StreamEvent{Kind: Usage, Usage: ApiUsage{
				InputTokens:     u.InputTokens,
				CacheReadTokens: cached,
				OutputTokens:    u.OutputTokens,
			}})
		}
		events = append(events, StreamEvent{Kind: Done})
		return emit(events...)

	case "response.incomplete":
		reason := "response incomplete"
		if env.Response != nil && env.Response.Error != nil && env.Response.Error.Message != "" {
			reason = env.Response.Error.Message
		}
		return errorAction(reason)

	case "response.failed":
		msg := "OpenAI response failed"
		if env.Response != nil && env.Response.Error != nil && env.Response.Error.Message != "" {
			msg = env.Response.Error.Message
		} else if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return errorAction(msg)

	case "error":
		msg := "OpenAI stream error"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return errorAction(msg)

	default:
		// forward-compatible: response.created, response.in_progress,
		// refusal deltas, reasoning_summary_part events, output_text.done,
		// function_call_arguments.done, and any future event type.
		return continueAction
	}
}
