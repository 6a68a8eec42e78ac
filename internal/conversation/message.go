// Package conversation owns the bounded-token conversation memory: the
// append-only message history, the working-context builder that decides what
// fits in a model's budget, and the context manager that ties them together
// with model-switch adaptation and atomic persistence.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// MessageID is a dense index into the history, assigned at append.
type MessageID uint64

// SummaryID identifies a summary record.
type SummaryID uint64

// StepID identifies one streamed assistant turn, allocated by the stream journal.
type StepID uint64

// Kind discriminates the Message sum type.
type Kind int

const (
	KindSystem Kind = iota
	KindUser
	KindAssistant
	KindToolUse
	KindToolResult
	KindThinking
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindUser:
		return "user"
	case KindAssistant:
		return "assistant"
	case KindToolUse:
		return "tool_use"
	case KindToolResult:
		return "tool_result"
	case KindThinking:
		return "thinking"
	default:
		return "unknown"
	}
}

// SignatureState is a thought_signature ∈ {Unsigned, Signed(opaque)}.
type SignatureState struct {
	Signed bool
	Opaque string
}

// Unsigned is the zero SignatureState.
var Unsigned = SignatureState{}

// Signed wraps an opaque provider-issued signature.
func Signed(opaque string) SignatureState {
	return SignatureState{Signed: true, Opaque: opaque}
}

// ToolCall is the assistant-emitted invocation of a named tool.
type ToolCall struct {
	ID               string
	Name             string
	Arguments        json.RawMessage
	ThoughtSignature SignatureState
}

// Outcome is the disposition of a ToolResult.
type Outcome int

const (
	Success Outcome = iota
	ErrorOutcome
)

// ToolResult is the materialized output of a ToolCall.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Content    string
	Outcome    Outcome
}

// Message is the sum type persisted in history. Exactly the fields relevant
// to Kind are populated; callers should switch on Kind rather than probe for
// nil/zero fields.
type Message struct {
	Kind       Kind
	Content    string // non-empty, trimmed, for System/User/Assistant/Thinking
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// NewSystem builds a System message, normalizing content.
func NewSystem(content string) (Message, error) { return newTextMessage(KindSystem, content) }

// NewUser builds a User message, normalizing content.
func NewUser(content string) (Message, error) { return newTextMessage(KindUser, content) }

// NewAssistant builds an Assistant message, normalizing content.
func NewAssistant(content string) (Message, error) { return newTextMessage(KindAssistant, content) }

// NewThinking builds a Thinking message, normalizing content.
func NewThinking(content string) (Message, error) { return newTextMessage(KindThinking, content) }

func newTextMessage(kind Kind, content string) (Message, error) {
	normalized := Normalize(content)
	if strings.TrimSpace(normalized) == "" {
		return Message{}, fmt.Errorf("conversation: %s message content must be non-empty after normalization", kind)
	}
	return Message{Kind: kind, Content: normalized}, nil
}

// NewToolUse builds a ToolUse message wrapping a call; arguments are left
// as-is (schema validation happens at the tool registry, not here).
func NewToolUse(call ToolCall) Message {
	return Message{Kind: KindToolUse, ToolCall: &call}
}

// NewToolResult builds a ToolResult message, normalizing the content.
func NewToolResult(result ToolResult) Message {
	result.Content = Normalize(result.Content)
	return Message{Kind: KindToolResult, ToolResult: &result}
}

// Normalize applies the two persistence-time string mitigations required of
// every string stored in history: standalone carriage returns collapse to
// newlines (log-injection mitigation across terminal renderers), and
// steganographic Unicode codepoints (zero-width, tag block, variation
// selectors) are stripped so hidden instructions can't ride along in model
// output or tool results.
func Normalize(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\r' {
			// Collapse CRLF -> LF, and standalone CR -> LF.
			if i+1 < len(runes) && runes[i+1] == '\n' {
				continue
			}
			b.WriteRune('\n')
			continue
		}
		if isSteganographic(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isSteganographic reports whether r is a codepoint with no legitimate
// display purpose in conversational text: zero-width formatting characters,
// the deprecated Unicode "tag" block (historically used to smuggle hidden
// payloads inside emoji sequences), and variation selectors.
func isSteganographic(r rune) bool {
	switch {
	case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
		return true
	case r >= 0xE0000 && r <= 0xE007F: // tag block
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	case r >= 0xE0100 && r <= 0xE01EF: // variation selectors supplement
		return true
	case unicode.Is(unicode.Cf, r):
		return true
	default:
		return false
	}
}
