package streamproto

import (
	"bufio"
	"io"
	"strings"
)

// ScanSSE reads Claude/OpenAI-style SSE framing (an optional "event: " line
// followed by a "data: " line) from reader and invokes onFrame for each
// decoded frame. Gemini has no "event: " line, so its frames always arrive
// with Type == "". Scanning stops at EOF or when onFrame returns false.
func ScanSSE(reader io.Reader, onFrame func(RawFrame) bool) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if !onFrame(RawFrame{Type: eventType, Data: []byte(data)}) {
			return nil
		}
		eventType = ""
	}
	return scanner.Err()
}
