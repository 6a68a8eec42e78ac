package streamproto

import "fmt"

// Vendor identifies which SSE wire format a stream uses.
type Vendor string

const (
	VendorClaude Vendor = "claude"
	VendorOpenAI Vendor = "openai"
	VendorGemini Vendor = "gemini"
)

// NewParser returns a fresh, single-use Parser for vendor.
func NewParser(vendor Vendor) (Parser, error) {
	switch vendor {
	case VendorClaude:
		return NewClaudeParser(), nil
	case VendorOpenAI:
		return NewResponsesParser(), nil
	case VendorGemini:
		return NewGeminiParser(), nil
	default:
		return nil, fmt.Errorf("streamproto: unknown vendor %q", vendor)
	}
}
