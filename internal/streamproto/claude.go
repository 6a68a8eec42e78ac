package streamproto

import (
	"encoding/json"
	"fmt"

	"github.com/dcazares/conductor/internal/conversation"
)

// claudeEnvelope is the minimal shape shared by every Claude Messages API
// SSE frame; fields not relevant to the frame's type are simply absent.
type claudeEnvelope struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		Usage *claudeInputUsage `json:"usage"`
	} `json:"message"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type claudeInputUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u claudeInputUsage) total() int {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// ClaudeParser decodes Anthropic Messages API SSE frames.
//
// Server-side compaction: Anthropic occasionally restarts the underlying
// model turn mid-stream with a compacted context. It signals this with
// message_delta.delta.stop_reason="compaction" followed by a message_stop
// that must NOT be treated as end-of-stream — a fresh message_start always
// follows. The compacting flag tracks this one-shot swallow.
type ClaudeParser struct {
	currentToolID string
	compacting    bool
}

// NewClaudeParser returns a fresh parser for one stream.
func NewClaudeParser() *ClaudeParser { return &ClaudeParser{} }

func (p *ClaudeParser) Parse(frame RawFrame) Action {
	var env claudeEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		return continueAction
	}

	var events []StreamEvent

	switch env.Type {
	case "message_start":
		if env.Message != nil && env.Message.Usage != nil {
			u := env.Message.Usage
			events = append(events, StreamEvent{Kind: Usage, Usage: ApiUsage{
				InputTokens:         u.total(),
				CacheReadTokens:     u.CacheReadInputTokens,
				CacheCreationTokens: u.CacheCreationInputTokens,
			}})
		}

	case "message_delta":
		if env.Delta != nil && env.Delta.StopReason == "compaction" {
			p.compacting = true
		}
		if env.Usage != nil && env.Usage.OutputTokens > 0 {
			events = append(events, StreamEvent{Kind: Usage, Usage: ApiUsage{OutputTokens: env.Usage.OutputTokens}})
		}

	case "content_block_start":
		if env.ContentBlock != nil && env.ContentBlock.Type == "tool_use" {
			if env.ContentBlock.ID == "" {
				return errorAction("Claude tool call missing id")
			}
			if env.ContentBlock.Name == "" {
				return errorAction("Claude tool call missing name")
			}
			p.currentToolID = env.ContentBlock.ID
			events = append(events, StreamEvent{
				Kind:              ToolCallStart,
				ToolCallID:        env.ContentBlock.ID,
				ToolCallName:      env.ContentBlock.Name,
				ToolCallSignature: conversation.Unsigned,
			})
		}

	case "content_block_delta":
		if env.Delta == nil {
			break
		}
		switch env.Delta.Type {
		case "text_delta":
			events = append(events, StreamEvent{Kind: TextDelta, Text: env.Delta.Text})
		case "thinking_delta":
			events = append(events, StreamEvent{Kind: ThinkingDelta, Text: env.Delta.Thinking})
		case "signature_delta":
			events = append(events, StreamEvent{Kind: ThinkingSignature, Signature: env.Delta.Signature})
		case "input_json_delta":
			if p.currentToolID != "" {
				events = append(events, StreamEvent{
					Kind:              ToolCallDelta,
					ToolCallID:        p.currentToolID,
					ToolCallArguments: env.Delta.PartialJSON,
				})
			}
		}

	case "content_block_stop":
		p.currentToolID = ""

	case "message_stop":
		if p.compacting {
			p.compacting = false
			return continueAction
		}
		return doneAction

	case "error":
		if env.Error == nil {
			return errorAction("Claude stream error")
		}
		msg := env.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("Claude stream error: %s", env.Error.Type)
		}
		return errorAction(msg)

	case "ping":
		// ignored

	default:
		// forward-compatible: unknown event types are a no-op
	}

	return emitOrContinue(events)
}
