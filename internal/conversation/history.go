package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// HistoryEntry pairs a Message with its history metadata.
type HistoryEntry struct {
	ID            MessageID
	Message       Message
	TokenCount    uint32
	StreamStepID  *StepID
	SummaryID     *SummaryID
}

// Summary is a generated stand-in for a contiguous range of history entries.
type Summary struct {
	ID             SummaryID
	RangeStart     MessageID // inclusive
	RangeEnd       MessageID // exclusive
	Content        string
	TokenCount     uint32
	OriginalTokens uint32
	GeneratedBy    string
}

// Covers reports whether id falls within the summary's range.
func (s Summary) Covers(id MessageID) bool {
	return id >= s.RangeStart && id < s.RangeEnd
}

// History is the append-only ordered message log with summary entries and a
// step-id index for idempotent crash recovery. It is the sole owner of its
// data; callers outside the context manager should treat it as read-only.
type History struct {
	entries   []HistoryEntry
	summaries map[SummaryID]*Summary
	stepIndex map[StepID]MessageID
	nextSumID SummaryID
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{
		summaries: make(map[SummaryID]*Summary),
		stepIndex: make(map[StepID]MessageID),
	}
}

// Push appends message and returns its assigned id.
func (h *History) Push(m Message) MessageID {
	id := MessageID(len(h.entries))
	h.entries = append(h.entries, HistoryEntry{
		ID:         id,
		Message:    m,
		TokenCount: CountMessage(m),
	})
	return id
}

// PushWithStepID appends message tagged with stepID, rejecting duplicates so
// crash recovery can replay idempotently. Returns the existing id (no-op) if
// stepID was already recorded.
func (h *History) PushWithStepID(m Message, stepID StepID) MessageID {
	if existing, ok := h.stepIndex[stepID]; ok {
		return existing
	}
	id := h.Push(m)
	h.entries[id].StreamStepID = &stepID
	h.stepIndex[stepID] = id
	return id
}

// HasStepID reports whether stepID has already been recorded in history.
func (h *History) HasStepID(stepID StepID) bool {
	_, ok := h.stepIndex[stepID]
	return ok
}

// PopIfLast removes and returns the last entry if it carries id, supporting
// transactional rollback of a stream-start-but-no-delta turn. Returns false
// if id is not the last entry.
func (h *History) PopIfLast(id MessageID) (Message, bool) {
	if len(h.entries) == 0 {
		return Message{}, false
	}
	last := h.entries[len(h.entries)-1]
	if last.ID != id {
		return Message{}, false
	}
	h.entries = h.entries[:len(h.entries)-1]
	if last.StreamStepID != nil {
		delete(h.stepIndex, *last.StreamStepID)
	}
	return last.Message, true
}

// AddSummary validates that [start,end) is contiguous and unclaimed by a
// gap, assigns a new SummaryID, and indexes the covered entries.
func (h *History) AddSummary(start, end MessageID, content string, tokenCount, originalTokens uint32, generatedBy string) (SummaryID, error) {
	if end <= start {
		return 0, fmt.Errorf("conversation: summary range must be non-empty (start=%d end=%d)", start, end)
	}
	if int(end) > len(h.entries) {
		return 0, fmt.Errorf("conversation: summary range end %d exceeds history length %d", end, len(h.entries))
	}
	h.nextSumID++
	id := h.nextSumID
	h.summaries[id] = &Summary{
		ID:             id,
		RangeStart:     start,
		RangeEnd:       end,
		Content:        content,
		TokenCount:     tokenCount,
		OriginalTokens: originalTokens,
		GeneratedBy:    generatedBy,
	}
	for i := start; i < end; i++ {
		sid := id
		h.entries[i].SummaryID = &sid
	}
	return id, nil
}

// Entries returns the full entry slice. Callers must not mutate it.
func (h *History) Entries() []HistoryEntry { return h.entries }

// Summary looks up a summary by id.
func (h *History) Summary(id SummaryID) (*Summary, bool) {
	s, ok := h.summaries[id]
	return s, ok
}

// TotalTokens sums the token count of every entry (not budget-aware; this is
// the raw cost of the full log, used for /ctx diagnostics).
func (h *History) TotalTokens() uint32 {
	var total uint32
	for _, e := range h.entries {
		total += e.TokenCount
	}
	return total
}

// SummarizedCount returns how many entries are currently covered by some summary.
func (h *History) SummarizedCount() int {
	n := 0
	for _, e := range h.entries {
		if e.SummaryID != nil {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (h *History) Len() int { return len(h.entries) }

// --- persistence ---

type persistedSummary struct {
	ID             SummaryID `json:"id"`
	RangeStart     MessageID `json:"range_start"`
	RangeEnd       MessageID `json:"range_end"`
	Content        string    `json:"content"`
	TokenCount     uint32    `json:"token_count"`
	OriginalTokens uint32    `json:"original_tokens"`
	GeneratedBy    string    `json:"generated_by"`
}

type persistedEntry struct {
	ID           MessageID  `json:"id"`
	Message      Message    `json:"message"`
	TokenCount   uint32     `json:"token_count"`
	StreamStepID *StepID    `json:"stream_step_id,omitempty"`
	SummaryID    *SummaryID `json:"summary_id,omitempty"`
}

type persistedHistory struct {
	Entries   []persistedEntry   `json:"entries"`
	Summaries []persistedSummary `json:"summaries"`
	NextSumID SummaryID          `json:"next_summary_id"`
}

// Save writes history to path atomically: write to a temp file in the same
// directory, fsync, then rename over the destination. On platforms where
// rename-over-existing can fail, the existing file is first moved aside to
// a ".bak" sibling and restored if the final rename fails, so a crash never
// loses the last durable copy. The file mode is forced to 0600 on Unix since
// transcripts may contain credentials.
func (h *History) Save(path string) error {
	data, err := h.marshal()
	if err != nil {
		return fmt.Errorf("conversation: marshal history: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("conversation: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.Remove(tmpPath)
		}
	}()

	if runtime.GOOS != "windows" {
		if err := tmp.Chmod(0o600); err != nil {
			tmp.Close()
			return fmt.Errorf("conversation: chmod temp file: %w", err)
		}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("conversation: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("conversation: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("conversation: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			backupPath := path + ".bak"
			os.Remove(backupPath)
			if err := os.Rename(path, backupPath); err != nil {
				return fmt.Errorf("conversation: move existing history aside: %w", err)
			}
			if err := os.Rename(tmpPath, path); err != nil {
				// Restore from backup: original data is preserved.
				os.Rename(backupPath, path)
				return fmt.Errorf("conversation: rename temp file over destination: %w", err)
			}
			os.Remove(backupPath)
		} else {
			return fmt.Errorf("conversation: rename temp file: %w", err)
		}
	}
	cleanupTmp = false

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("conversation: chmod history file: %w", err)
		}
	}
	return nil
}

func (h *History) marshal() ([]byte, error) {
	p := persistedHistory{NextSumID: h.nextSumID}
	for _, e := range h.entries {
		p.Entries = append(p.Entries, persistedEntry{
			ID: e.ID, Message: e.Message, TokenCount: e.TokenCount,
			StreamStepID: e.StreamStepID, SummaryID: e.SummaryID,
		})
	}
	for _, s := range h.summaries {
		p.Summaries = append(p.Summaries, persistedSummary{
			ID: s.ID, RangeStart: s.RangeStart, RangeEnd: s.RangeEnd,
			Content: s.Content, TokenCount: s.TokenCount,
			OriginalTokens: s.OriginalTokens, GeneratedBy: s.GeneratedBy,
		})
	}
	return json.MarshalIndent(p, "", "  ")
}

// LoadHistory reads a history previously written by Save.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("conversation: read history file: %w", err)
	}
	var p persistedHistory
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("conversation: decode history file: %w", err)
	}
	h := NewHistory()
	h.nextSumID = p.NextSumID
	for _, e := range p.Entries {
		h.entries = append(h.entries, HistoryEntry{
			ID: e.ID, Message: e.Message, TokenCount: e.TokenCount,
			StreamStepID: e.StreamStepID, SummaryID: e.SummaryID,
		})
		if e.StreamStepID != nil {
			h.stepIndex[*e.StreamStepID] = e.ID
		}
	}
	for _, s := range p.Summaries {
		sCopy := s
		h.summaries[s.ID] = &Summary{
			ID: sCopy.ID, RangeStart: sCopy.RangeStart, RangeEnd: sCopy.RangeEnd,
			Content: sCopy.Content, TokenCount: sCopy.TokenCount,
			OriginalTokens: sCopy.OriginalTokens, GeneratedBy: sCopy.GeneratedBy,
		}
	}
	return h, nil
}
