package tui

import (
	"context"
	"image"
	"os"
	"regexp"
	"time"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/dcazares/conductor/internal/constants"
	"github.com/dcazares/conductor/internal/delta"
	"github.com/dcazares/conductor/internal/filesearch"
	"github.com/dcazares/conductor/internal/llm"
	"github.com/dcazares/conductor/internal/mcp"
	"github.com/dcazares/conductor/internal/mcptools"
	"github.com/dcazares/conductor/internal/provider"
	"github.com/dcazares/conductor/internal/store"
	"github.com/dcazares/conductor/internal/treesitter"
	"github.com/dcazares/conductor/internal/tui/editor"
	"github.com/dcazares/conductor/internal/tui/modal"
)

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

// layout holds computed rectangles for every TUI region.
// Recomputed from terminal dimensions on every resize.
type layout struct {
	editor image.Rectangle // Left pane: code viewer
	conv   image.Rectangle // Right pane: conversation log
	sep    image.Rectangle // Right pane: separator between conv and input
	input  image.Rectangle // Right pane: agent input
	div    image.Rectangle // Vertical divider column (1-wide)
}

const (
	inputRows       = 3  // Agent input height
	statusRows      = 2  // Status separator + status bar
	minPaneWidth    = 20 // Minimum width for either pane
	maxPreviewLines = 5  // Max lines shown for tool results before truncation
	maxDisplayTurns = 40 // Oldest display turns are trimmed past this count
)

// generateLayout computes all regions from terminal size and divider position.
func generateLayout(width, height, divX int) layout {
	contentH := height - statusRows
	if contentH < 1 {
		contentH = 1
	}

	// Vertical divider splits left/right at column divX.
	rightX := divX + 1
	rightW := width - rightX
	if rightW < 1 {
		rightW = 1
	}

	// Right pane vertical splits: conv | sep(1) | input(3)
	sepY := contentH - inputRows - 1
	if sepY < 0 {
		sepY = 0
	}
	inputY := contentH - inputRows
	if inputY < 0 {
		inputY = 0
	}

	return layout{
		editor: image.Rect(0, 0, divX, contentH),
		div:    image.Rect(divX, 0, divX+1, contentH),
		conv:   image.Rect(rightX, 0, rightX+rightW, sepY),
		sep:    image.Rect(rightX, sepY, rightX+rightW, sepY+1),
		input:  image.Rect(rightX, inputY, rightX+rightW, inputY+inputRows),
	}
}

// inRect reports whether (x, y) falls within r.
func inRect(x, y int, r image.Rectangle) bool {
	return x >= r.Min.X && x < r.Max.X && y >= r.Min.Y && y < r.Max.Y
}

// ---------------------------------------------------------------------------
// Focus
// ---------------------------------------------------------------------------

type focus int

const (
	focusInput  focus = iota // Default: agent input has focus
	focusEditor              // Code viewer has focus
)

// ---------------------------------------------------------------------------
// Conversation entries
// ---------------------------------------------------------------------------

// entryKind distinguishes conversation entry types for click handling and
// layout (centered vs. left-aligned).
type entryKind int

const (
	entryText       entryKind = iota // Plain text (user, assistant)
	entryToolResult                  // Tool result — clickable [view] button
	entryToolCall                    // Tool call arrow line
	entryToolDiag                    // LSP diagnostic line attached to a tool result
	entrySeparator                   // Turn separator (timestamp/tokens), centered
	entryUndo                        // Undo control, centered
)

// convEntry is a single logical entry in the conversation pane.
type convEntry struct {
	display  string    // Styled text for rendering (may be truncated for tool results)
	kind     entryKind // Entry type
	filePath string    // Source file path (for tool results that reference a file)
	full     string    // Full raw content (restored into the editor on [view] click)
	line     int       // Target line for cursor placement when the entry is opened
	toolName string    // Originating tool name, for tool result entries
}

// roleAssistant is the provider.Message role used for assistant turns.
const roleAssistant = "assistant"

// toolResultFileRe extracts the file path from "Read path ..." / "Edited path ..." /
// "Created path ..." tool result headers.
var toolResultFileRe = regexp.MustCompile(`^(?:Read|Edited|Created)\s+(\S+)`)

// toolResultLineRe extracts the starting line from a "(lines N-M)" suffix.
var toolResultLineRe = regexp.MustCompile(`\(lines (\d+)`)

// toolResultRangeRe extracts both ends of a "(lines N-M)" suffix.
var toolResultRangeRe = regexp.MustCompile(`\(lines (\d+)-(\d+)\)`)

// convPos identifies a position within the wrapped conversation lines.
type convPos struct {
	line int
	col  int
}

// convSelection tracks a mouse-driven text selection in the conversation pane.
type convSelection struct {
	anchor convPos
	active convPos
}

// empty reports whether the selection spans zero characters.
func (s *convSelection) empty() bool {
	if s == nil {
		return true
	}
	return s.anchor == s.active
}

// ordered returns the selection endpoints in forward (start, end) order.
func (s *convSelection) ordered() (convPos, convPos) {
	a, b := s.anchor, s.active
	if a.line > b.line || (a.line == b.line && a.col > b.col) {
		return b, a
	}
	return a, b
}

// turnBoundary records the state at the start of a conversational turn, so
// it can be restored by handleUndo.
type turnBoundary struct {
	convIdx      int   // convEntries index where the turn began
	dbMsgID      int64 // store row ID of the user message (0 if not yet saved)
	inputTokens  int   // totalInputTokens snapshot at turn start
	outputTokens int   // totalOutputTokens snapshot at turn start
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Model is the top-level TUI model.
type Model struct {
	// Terminal dimensions
	width, height int

	// Sub-models
	editor     editor.Model
	agentInput editor.Model

	// Layout
	layout       layout
	divX         int // Divider X position (resizable)
	resizingPane bool
	focus        focus
	styles       Styles

	// File finder / keybind / model-switch / tool-view modals
	fileModal     *modal.Model
	keybindsModal *modal.Model
	modelsModal   *modal.Model
	toolViewModal *modal.ToolView
	searcher      *filesearch.Searcher
	atOffset      int

	// LLM turn state
	provider         provider.Provider
	mcpProxy         *mcp.Proxy
	mcpTools         []mcp.Tool
	scratchpad       llm.ScratchpadReader
	initialSystemMsg *provider.Message
	updateChan       chan tea.Msg
	turnCtx          context.Context
	turnCancel       context.CancelFunc
	llmInFlight      bool
	turnPending      bool
	pendingToolCalls map[string]provider.ToolCall

	// Model switching
	registry            *provider.Registry
	providerOpts        provider.Options
	providerConfigName  string
	currentModelName    string
	cachedModels        []provider.TaggedModel

	// Session persistence
	store          *store.Cache
	sessionID      string
	storeQueue     chan storeBatch
	storeQueueDone <-chan struct{}

	// File tracking and incremental indexing
	deltaTracker *delta.Tracker
	fileTracker  *mcptools.FileReadTracker
	tsIndex      *treesitter.Index

	// Editor viewer state
	editorFilePath string
	lspErrors      int
	lspWarnings    int

	// Conversation
	convEntries    []convEntry // Conversation entries, unwrapped
	convLineSource []int       // Wrapped line index -> convEntries index (current frame)
	frameLines     []string    // Wrapped lines, cached for the current frame
	scrollOffset   int         // Lines from bottom (0 = pinned)
	convSel        *convSelection
	convDragging   bool

	turnBoundaries     []turnBoundary
	turnInputTokens    int
	turnOutputTokens   int
	turnContextTokens  int
	totalInputTokens   int
	totalOutputTokens  int
	undoInFlight       bool

	// Streaming state: raw text accumulated during streaming, styled at render time
	streamingReasoning string // In-progress reasoning text
	streamingContent   string // In-progress content text
	streaming          bool   // Whether we're currently streaming
	streamEntryStart   int    // Index in convEntries where streaming entries begin (-1 = none)
	streamDirty        bool   // Set on delta, cleared by tickStreaming

	// Status bar
	gitBranch    string
	gitDirty     bool
	lastNetError string
	spinFrame    int
	spinFrameAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new TUI model.
func New(
	prov provider.Provider,
	proxy *mcp.Proxy,
	tools []mcp.Tool,
	modelID string,
	webCache *store.Cache,
	sessionID string,
	tsIndex *treesitter.Index,
	deltaTracker *delta.Tracker,
	fileTracker *mcptools.FileReadTracker,
	providerName string,
	scratchpad llm.ScratchpadReader,
	resumeHistory []provider.Message,
	registry *provider.Registry,
	providerOpts provider.Options,
) Model {
	sty := DefaultStyles()
	cursorStyle := lipgloss.NewStyle().Foreground(ColorHighlight)

	ed := editor.New()
	ed.ShowLineNumbers = true
	ed.ReadOnly = true
	ed.Language = "markdown"
	ed.SyntaxTheme = constants.SyntaxTheme
	ed.CursorStyle = cursorStyle
	ed.LineNumStyle = lipgloss.NewStyle().Foreground(ColorBorder)
	ed.BgColor = ColorBg

	ai := editor.New()
	ai.Placeholder = "Type a message..."
	ai.CursorStyle = cursorStyle
	ai.PlaceholderSty = lipgloss.NewStyle().Foreground(ColorDim).Background(ColorBg)
	ai.BgColor = ColorBg
	ai.Focus()

	ch := make(chan tea.Msg, 500)
	ctx, cancel := context.WithCancel(context.Background())

	systemPrompt := llm.BuildSystemPrompt(modelID, tsIndex)
	systemMsg := provider.Message{Role: "system", Content: systemPrompt, CreatedAt: time.Now()}

	var queue chan storeBatch
	var done <-chan struct{}
	if webCache != nil {
		queue = make(chan storeBatch, 64)
		done = startStoreWorker(webCache, queue)
	}

	var searcher *filesearch.Searcher
	if cwd, err := os.Getwd(); err == nil {
		searcher, _ = filesearch.NewSearcher(cwd)
	}

	m := Model{
		editor:     ed,
		agentInput: ai,
		styles:     sty,
		focus:      focusInput,
		divX:       0,

		searcher: searcher,

		provider:         prov,
		mcpProxy:         proxy,
		mcpTools:         tools,
		scratchpad:       scratchpad,
		initialSystemMsg: &systemMsg,
		updateChan:       ch,

		registry:           registry,
		providerOpts:       providerOpts,
		providerConfigName: providerName,
		currentModelName:   modelID,

		store:          webCache,
		sessionID:      sessionID,
		storeQueue:     queue,
		storeQueueDone: done,

		deltaTracker: deltaTracker,
		fileTracker:  fileTracker,
		tsIndex:      tsIndex,

		streamEntryStart: -1,
		spinFrameAt:      time.Now(),

		ctx:    ctx,
		cancel: cancel,
	}

	if len(resumeHistory) > 0 {
		m.convEntries = historyConvEntries(resumeHistory)
	}

	return m
}

// Init starts the frame loop, cursor blink, and git branch polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(frameTick(), func() tea.Msg { return editor.Blink() }, gitBranchCmd())
}

// ---------------------------------------------------------------------------
// Update dispatcher
// ---------------------------------------------------------------------------

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	m.frameLines = nil // invalidate per-frame wrap cache

	// Modals intercept all input when open, file modal first (most frequent).
	if mdl, cmd, handled := m.updateFileModal(msg); handled {
		return mdl, cmd
	}
	if mdl, cmd, handled := m.updateKeybindsModal(msg); handled {
		return mdl, cmd
	}
	if mdl, cmd, handled := m.updateModelsModal(msg); handled {
		return mdl, cmd
	}
	if mdl, cmd, handled := m.updateToolViewModal(msg); handled {
		return mdl, cmd
	}

	switch msg := msg.(type) {

	// -- Window resize -------------------------------------------------------
	case tea.WindowSizeMsg:
		m.handleResize(msg)

	// -- Paste (clipboard read or bracketed paste) ---------------------------
	case tea.ClipboardMsg, tea.PasteMsg:
		return m.handlePaste(msg)

	// -- Mouse ---------------------------------------------------------------
	case tea.MouseMsg:
		return m.handleMouse(msg)

	// -- Keyboard ------------------------------------------------------------
	case tea.KeyPressMsg:
		if mdl, cmd, handled := m.handleKeyPress(msg); handled {
			return mdl, cmd
		}

	// -- Frame tick (60fps) — rebuild streaming entries for live updates ------
	case tickMsg:
		m.tickStreaming()
		m.tickSpinner(time.Time(msg))
		return m, frameTick()

	// -- LLM batch (multiple messages drained from updateChan) ---------------
	case llmBatchMsg:
		return m.handleLLMBatch(msg)

	// -- LLM user message (sent before streaming begins) ---------------------
	case llmUserMsg:
		return m.handleLLMUser(msg)

	case userMsgSavedMsg:
		return m.handleUserMsgSaved(msg)

	case undoResultMsg:
		return m.handleUndoResult(msg), nil

	case LSPDiagnosticsMsg:
		return m.handleLSPDiag(msg), nil

	case UpdateToolsMsg:
		m.mcpTools = msg.Tools
		return m, nil

	case undoMsg:
		return m.handleUndo()

	case gitBranchMsg:
		return m.handleGitBranch(msg)

	case modelsFetchedMsg:
		return m.handleModelsFetched(msg), nil

	case modelSwitchedMsg:
		return m.handleModelSwitched(msg), nil
	}

	// Forward remaining messages to sub-models (mouse is already handled above).
	return m.forwardToSubModels(msg)
}

// forwardToSubModels sends a non-handled message to sub-editors.
func (m Model) forwardToSubModels(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	cmds = append(cmds, cmd)
	m.agentInput, cmd = m.agentInput.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) handlePaste(msg tea.Msg) (tea.Model, tea.Cmd) {
	var text string
	switch v := msg.(type) {
	case tea.ClipboardMsg:
		text = v.Content
	case tea.PasteMsg:
		text = v.Content
	}
	if text != "" {
		m.insertPaste(text)
	}
	return m, nil
}

// insertPaste inserts pasted text into the focused component.
func (m *Model) insertPaste(text string) {
	if text == "" {
		return
	}
	switch m.focus {
	case focusInput:
		m.agentInput.DeleteSelection()
		m.agentInput.InsertText(text)
	case focusEditor:
		m.editor.DeleteSelection()
		m.editor.InsertText(text)
	}
}

// setFocus switches keyboard focus between the editor and the agent input,
// blurring the other component.
func (m *Model) setFocus(f focus) {
	m.focus = f
	switch f {
	case focusInput:
		m.editor.Blur()
		m.agentInput.Focus()
	case focusEditor:
		m.agentInput.Blur()
		m.editor.Focus()
	}
}

// isCentered reports whether the wrapped conversation line at lineIdx
// belongs to an entry that should be horizontally centered (separators
// and the undo control).
func (m *Model) isCentered(lineIdx int) bool {
	m.wrappedConvLines()
	src := m.convLineSource
	if lineIdx < 0 || lineIdx >= len(src) {
		return false
	}
	entryIdx := src[lineIdx]
	if entryIdx < 0 || entryIdx >= len(m.convEntries) {
		return false
	}
	switch m.convEntries[entryIdx].kind {
	case entrySeparator, entryUndo:
		return true
	default:
		return false
	}
}
