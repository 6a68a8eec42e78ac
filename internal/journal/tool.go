package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dcazares/conductor/internal/conversation"
)

// ToolBatchID identifies one durable tool-call batch.
type ToolBatchID int64

const toolSchema = `
CREATE TABLE IF NOT EXISTS tool_batches (
	batch_id         INTEGER PRIMARY KEY,
	stream_step_id   INTEGER,
	model_name       TEXT NOT NULL,
	assistant_text   TEXT NOT NULL,
	thinking_replay  TEXT,
	committed        INTEGER DEFAULT 0,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_calls (
	batch_id                   INTEGER NOT NULL,
	seq                        INTEGER NOT NULL,
	tool_call_id               TEXT NOT NULL,
	tool_name                  TEXT NOT NULL,
	arguments_json             TEXT NOT NULL,
	thought_signature          TEXT,
	started_at_unix_ms         INTEGER,
	process_id                 INTEGER,
	process_started_at_unix_ms INTEGER,
	PRIMARY KEY (batch_id, seq)
);

CREATE TABLE IF NOT EXISTS tool_results (
	batch_id     INTEGER NOT NULL,
	tool_call_id TEXT NOT NULL,
	tool_name    TEXT NOT NULL,
	content      TEXT NOT NULL,
	is_error     INTEGER NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (batch_id, tool_call_id)
);

CREATE INDEX IF NOT EXISTS idx_tool_batches_committed ON tool_batches(committed) WHERE committed = 0;
CREATE INDEX IF NOT EXISTS idx_tool_calls_batch ON tool_calls(batch_id, seq);
CREATE INDEX IF NOT EXISTS idx_tool_results_batch ON tool_results(batch_id);
`

// RecoveredCallExecution is best-effort execution metadata for one tool call,
// recovered after a crash; fields are zero when never recorded.
type RecoveredCallExecution struct {
	StartedAtUnixMs        int64
	ProcessID              int64
	ProcessStartedAtUnixMs int64
}

// CorruptedToolArgs records a tool call whose journaled arguments could not
// be parsed as JSON during recovery; the call itself is still recovered with
// an empty-object argument substitute.
type CorruptedToolArgs struct {
	ToolCallID string
	RawJSON    string
	ParseError string
}

// RecoveredToolBatch is the full reconstructed state of an interrupted batch.
type RecoveredToolBatch struct {
	BatchID        ToolBatchID
	StreamStepID   *StepID
	ModelName      string
	AssistantText  string
	Calls          []conversation.ToolCall
	Results        []conversation.ToolResult
	CorruptedArgs  []CorruptedToolArgs
	CallExecution  map[string]RecoveredCallExecution
	ThinkingReplay string // opaque provider-specific replay blob, empty if none
}

// ToolJournal persists tool-call batches durably so an interrupted batch
// (crash mid-execution, or mid-stream before arguments finished arriving)
// can be recovered and either resumed or discarded on the next run.
//
// Only one uncommitted batch may exist at a time: tool calls are journaled
// before execution begins, and commit+prune happens in a single transaction
// once every result lands.
type ToolJournal struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenTool opens or creates a tool journal at path.
func OpenTool(path string) (*ToolJournal, error) {
	if err := prepareSecureFile(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tool journal: %w", err)
	}
	return initTool(db)
}

// OpenToolInMemory opens a journal with no backing file, for tests.
func OpenToolInMemory() (*ToolJournal, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory tool journal: %w", err)
	}
	return initTool(db)
}

func initTool(db *sql.DB) (*ToolJournal, error) {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(toolSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tool schema: %w", err)
	}
	return &ToolJournal{db: db}, nil
}

// Close closes the underlying database.
func (j *ToolJournal) Close() error { return j.db.Close() }

// BeginBatch journals a complete batch (assistant text and all tool calls
// already known) in one transaction. Fails if a pending batch already exists.
func (j *ToolJournal) BeginBatch(streamStepID *StepID, modelName, assistantText string, calls []conversation.ToolCall) (ToolBatchID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if existing, err := j.pendingBatchID(); err != nil {
		return 0, err
	} else if existing != nil {
		return 0, fmt.Errorf("journal: cannot begin tool batch: pending batch %d exists", *existing)
	}

	var batchID int64
	err := withRetryDB(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		res, err := tx.Exec(
			"INSERT INTO tool_batches (stream_step_id, model_name, assistant_text, committed, created_at) VALUES (?, ?, ?, 0, ?)",
			stepIDArg(streamStepID), modelName, assistantText, iso8601Now(),
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		batchID, err = res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return err
		}
		for seq, call := range calls {
			if err := insertToolCall(tx, batchID, seq, call); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("begin tool batch: %w", err)
	}
	return ToolBatchID(batchID), nil
}

// BeginStreamingBatch opens a batch before any tool call arguments are
// known; calls are added incrementally via RecordCallStart/AppendCallArgs.
func (j *ToolJournal) BeginStreamingBatch(streamStepID *StepID, modelName string) (ToolBatchID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if existing, err := j.pendingBatchID(); err != nil {
		return 0, err
	} else if existing != nil {
		return 0, fmt.Errorf("journal: cannot begin tool batch: pending batch %d exists", *existing)
	}

	var batchID int64
	err := withRetryDB(func() error {
		res, err := j.db.Exec(
			"INSERT INTO tool_batches (stream_step_id, model_name, assistant_text, committed, created_at) VALUES (?, ?, '', 0, ?)",
			stepIDArg(streamStepID), modelName, iso8601Now(),
		)
		if err != nil {
			return err
		}
		batchID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("begin streaming tool batch: %w", err)
	}
	return ToolBatchID(batchID), nil
}

// RecordCallStart journals the start of a tool call inside a streaming batch,
// before its arguments have fully arrived.
func (j *ToolJournal) RecordCallStart(batchID ToolBatchID, seq int, toolCallID, toolName string, sig conversation.SignatureState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		_, err := j.db.Exec(
			"INSERT INTO tool_calls (batch_id, seq, tool_call_id, tool_name, arguments_json, thought_signature) VALUES (?, ?, ?, ?, '', ?)",
			int64(batchID), seq, toolCallID, toolName, signatureArg(sig),
		)
		return err
	})
}

// AppendCallArgs appends a streamed JSON argument fragment for one tool call,
// using SQL concatenation so repeated small chunks don't force an O(n^2)
// full-string rewrite.
func (j *ToolJournal) AppendCallArgs(batchID ToolBatchID, toolCallID, delta string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		res, err := j.db.Exec(
			"UPDATE tool_calls SET arguments_json = arguments_json || ? WHERE batch_id = ? AND tool_call_id = ?",
			delta, int64(batchID), toolCallID,
		)
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "no tool call found for id %s", toolCallID)
	})
}

// AppendCallArgsBatch applies multiple argument fragments in one transaction,
// reducing write frequency for providers that stream many tiny deltas.
func (j *ToolJournal) AppendCallArgsBatch(batchID ToolBatchID, deltas map[string]string) error {
	if len(deltas) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		for toolCallID, delta := range deltas {
			res, err := tx.Exec(
				"UPDATE tool_calls SET arguments_json = arguments_json || ? WHERE batch_id = ? AND tool_call_id = ?",
				delta, int64(batchID), toolCallID,
			)
			if err != nil {
				tx.Rollback()
				return err
			}
			if err := requireRowsAffected(res, "no tool call found for id %s", toolCallID); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkCallStarted records the durable "journal-before-execute" timestamp for
// a call. Idempotent: a prior timestamp is preserved (COALESCE semantics).
func (j *ToolJournal) MarkCallStarted(batchID ToolBatchID, toolCallID string, startedAtUnixMs int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		res, err := j.db.Exec(
			"UPDATE tool_calls SET started_at_unix_ms = COALESCE(started_at_unix_ms, ?) WHERE batch_id = ? AND tool_call_id = ?",
			startedAtUnixMs, int64(batchID), toolCallID,
		)
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "no tool call found for id %s", toolCallID)
	})
}

// RecordCallProcess records subprocess metadata (PID and process start time)
// for a shell-backed tool call, so a crash mid-execution can later identify
// and reap the orphaned process. Idempotent when values match exactly;
// returns an error if conflicting metadata was already recorded.
func (j *ToolJournal) RecordCallProcess(batchID ToolBatchID, toolCallID string, processID, processStartedAtUnixMs int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var existingPID, existingStarted sql.NullInt64
	err := j.db.QueryRow(
		"SELECT process_id, process_started_at_unix_ms FROM tool_calls WHERE batch_id = ? AND tool_call_id = ?",
		int64(batchID), toolCallID,
	).Scan(&existingPID, &existingStarted)
	if err != nil {
		return fmt.Errorf("load tool call %s for process metadata: %w", toolCallID, err)
	}
	if existingPID.Valid && existingPID.Int64 == processID && existingStarted.Valid && existingStarted.Int64 == processStartedAtUnixMs {
		return nil
	}
	if existingPID.Valid && existingPID.Int64 != processID {
		return fmt.Errorf("journal: tool call %s already has a different recorded PID", toolCallID)
	}
	if existingStarted.Valid && existingStarted.Int64 != processStartedAtUnixMs {
		return fmt.Errorf("journal: tool call %s already has a different recorded process start time", toolCallID)
	}
	return withRetryDB(func() error {
		_, err := j.db.Exec(
			"UPDATE tool_calls SET process_id = COALESCE(process_id, ?), process_started_at_unix_ms = COALESCE(process_started_at_unix_ms, ?) WHERE batch_id = ? AND tool_call_id = ?",
			processID, processStartedAtUnixMs, int64(batchID), toolCallID,
		)
		return err
	})
}

// AppendAssistantDelta appends a streamed assistant-text fragment using SQL
// concatenation, same O(n) rationale as AppendCallArgs.
func (j *ToolJournal) AppendAssistantDelta(batchID ToolBatchID, delta string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		res, err := j.db.Exec("UPDATE tool_batches SET assistant_text = assistant_text || ? WHERE batch_id = ?", delta, int64(batchID))
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "no tool batch found for id %d", int64(batchID))
	})
}

// UpdateThinkingReplay stores an opaque provider replay blob for a batch. A
// blank replay is a no-op: most providers never need this persisted.
func (j *ToolJournal) UpdateThinkingReplay(batchID ToolBatchID, replay string) error {
	if replay == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		res, err := j.db.Exec("UPDATE tool_batches SET thinking_replay = ? WHERE batch_id = ?", replay, int64(batchID))
		if err != nil {
			return err
		}
		return requireRowsAffected(res, "no tool batch found for id %d", int64(batchID))
	})
}

// RecordResult journals one tool's completed result. Recording the same
// tool_call_id twice with identical content is a no-op (idempotent replay of
// a retried commit); recording it twice with different content is a hard
// error, since that would silently discard an already-surfaced result.
func (j *ToolJournal) RecordResult(batchID ToolBatchID, result conversation.ToolResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		res, err := j.db.Exec(
			"INSERT OR IGNORE INTO tool_results (batch_id, tool_call_id, tool_name, content, is_error, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			int64(batchID), result.ToolCallID, result.ToolName, result.Content, outcomeInt(result.Outcome), iso8601Now(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var existingName, existingContent string
		var existingIsError int
		err = j.db.QueryRow(
			"SELECT tool_name, content, is_error FROM tool_results WHERE batch_id = ? AND tool_call_id = ?",
			int64(batchID), result.ToolCallID,
		).Scan(&existingName, &existingContent, &existingIsError)
		if err != nil {
			return fmt.Errorf("load existing tool result %s for idempotency check: %w", result.ToolCallID, err)
		}

		nameMatches := existingName == "" || existingName == result.ToolName
		contentMatches := existingContent == result.Content
		errorMatches := existingIsError == outcomeInt(result.Outcome)
		if nameMatches && contentMatches && errorMatches {
			return nil
		}
		return fmt.Errorf("journal: tool result %s already recorded with different content", result.ToolCallID)
	})
}

// CommitBatch marks batchID committed and deletes its rows in one
// transaction. Call only after every result has been durably folded into
// conversation history.
func (j *ToolJournal) CommitBatch(batchID ToolBatchID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE tool_batches SET committed = 1 WHERE batch_id = ?", int64(batchID)); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("DELETE FROM tool_calls WHERE batch_id = ?", int64(batchID)); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("DELETE FROM tool_results WHERE batch_id = ?", int64(batchID)); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("DELETE FROM tool_batches WHERE batch_id = ?", int64(batchID)); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// DiscardBatch deletes an incomplete batch without marking it committed
// (cancel/user-discard path).
func (j *ToolJournal) DiscardBatch(batchID ToolBatchID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return withRetryDB(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM tool_calls WHERE batch_id = ?", int64(batchID)); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("DELETE FROM tool_results WHERE batch_id = ?", int64(batchID)); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("DELETE FROM tool_batches WHERE batch_id = ?", int64(batchID)); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// recoveryMaxArgsBytes bounds how large a single call's journaled arguments
// may be before recovery gives up parsing them and substitutes {}; this
// guards against OOM on corrupted or maliciously oversized journal rows.
const recoveryMaxArgsBytes = 1024 * 1024

// Recover returns the most recent uncommitted batch, if any, reconstructing
// every tool call and result persisted so far. Tool calls whose arguments
// fail to parse (or exceed recoveryMaxArgsBytes) are recovered with an empty
// argument object and reported in CorruptedArgs rather than dropped.
func (j *ToolJournal) Recover() (*RecoveredToolBatch, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	batchID, err := j.pendingBatchID()
	if err != nil {
		return nil, err
	}
	if batchID == nil {
		return nil, nil
	}

	var streamStepID sql.NullInt64
	var modelName, assistantText string
	var thinkingReplay sql.NullString
	err = j.db.QueryRow(
		"SELECT stream_step_id, model_name, assistant_text, thinking_replay FROM tool_batches WHERE batch_id = ?",
		int64(*batchID),
	).Scan(&streamStepID, &modelName, &assistantText, &thinkingReplay)
	if err != nil {
		return nil, fmt.Errorf("load tool batch metadata: %w", err)
	}

	rows, err := j.db.Query(
		`SELECT tool_call_id, tool_name, arguments_json, thought_signature,
		        started_at_unix_ms, process_id, process_started_at_unix_ms
		 FROM tool_calls WHERE batch_id = ? ORDER BY seq ASC`,
		int64(*batchID),
	)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	var calls []conversation.ToolCall
	callExecution := map[string]RecoveredCallExecution{}
	var corrupted []CorruptedToolArgs
	for rows.Next() {
		var id, name, argsJSON string
		var sig sql.NullString
		var startedAt, processID, processStartedAt sql.NullInt64
		if err := rows.Scan(&id, &name, &argsJSON, &sig, &startedAt, &processID, &processStartedAt); err != nil {
			rows.Close()
			return nil, err
		}

		args, corruption := parseRecoveredArgs(id, argsJSON)
		if corruption != nil {
			corrupted = append(corrupted, *corruption)
		}

		sigState := conversation.Unsigned
		if sig.Valid && sig.String != "" {
			sigState = conversation.Signed(sig.String)
		}
		calls = append(calls, conversation.ToolCall{ID: id, Name: name, Arguments: args, ThoughtSignature: sigState})
		callExecution[id] = RecoveredCallExecution{
			StartedAtUnixMs:        startedAt.Int64,
			ProcessID:              processID.Int64,
			ProcessStartedAtUnixMs: processStartedAt.Int64,
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	resultRows, err := j.db.Query("SELECT tool_call_id, tool_name, content, is_error FROM tool_results WHERE batch_id = ?", int64(*batchID))
	if err != nil {
		return nil, fmt.Errorf("query tool results: %w", err)
	}
	var results []conversation.ToolResult
	for resultRows.Next() {
		var id, name, content string
		var isError int
		if err := resultRows.Scan(&id, &name, &content, &isError); err != nil {
			resultRows.Close()
			return nil, err
		}
		outcome := conversation.Success
		if isError != 0 {
			outcome = conversation.ErrorOutcome
		}
		results = append(results, conversation.ToolResult{ToolCallID: id, ToolName: name, Content: content, Outcome: outcome})
	}
	if err := resultRows.Err(); err != nil {
		resultRows.Close()
		return nil, err
	}
	resultRows.Close()

	var stepIDPtr *StepID
	if streamStepID.Valid {
		sid := StepID(streamStepID.Int64)
		stepIDPtr = &sid
	}

	return &RecoveredToolBatch{
		BatchID:        *batchID,
		StreamStepID:   stepIDPtr,
		ModelName:      modelName,
		AssistantText:  assistantText,
		Calls:          calls,
		Results:        results,
		CorruptedArgs:  corrupted,
		CallExecution:  callExecution,
		ThinkingReplay: thinkingReplay.String,
	}, nil
}

func parseRecoveredArgs(toolCallID, argsJSON string) (json.RawMessage, *CorruptedToolArgs) {
	trimmed := len(argsJSON) == 0
	if trimmed {
		return json.RawMessage("{}"), nil
	}
	if len(argsJSON) > recoveryMaxArgsBytes {
		return json.RawMessage("{}"), &CorruptedToolArgs{
			ToolCallID: toolCallID,
			RawJSON:    fmt.Sprintf("[%d bytes, truncated]", len(argsJSON)),
			ParseError: "oversized",
		}
	}
	if !json.Valid([]byte(argsJSON)) {
		return json.RawMessage("{}"), &CorruptedToolArgs{ToolCallID: toolCallID, RawJSON: argsJSON, ParseError: "invalid JSON"}
	}
	return json.RawMessage(argsJSON), nil
}

// pendingBatchID assumes the caller already holds j.mu.
func (j *ToolJournal) pendingBatchID() (*ToolBatchID, error) {
	var id int64
	err := j.db.QueryRow("SELECT batch_id FROM tool_batches WHERE committed = 0 ORDER BY batch_id DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pending tool batch: %w", err)
	}
	batchID := ToolBatchID(id)
	return &batchID, nil
}

func insertToolCall(tx *sql.Tx, batchID int64, seq int, call conversation.ToolCall) error {
	args := call.Arguments
	if args == nil {
		args = json.RawMessage("{}")
	}
	_, err := tx.Exec(
		"INSERT INTO tool_calls (batch_id, seq, tool_call_id, tool_name, arguments_json, thought_signature) VALUES (?, ?, ?, ?, ?, ?)",
		batchID, seq, call.ID, call.Name, string(args), signatureArg(call.ThoughtSignature),
	)
	return err
}

func signatureArg(sig conversation.SignatureState) interface{} {
	if !sig.Signed {
		return nil
	}
	return sig.Opaque
}

func outcomeInt(o conversation.Outcome) int {
	if o == conversation.ErrorOutcome {
		return 1
	}
	return 0
}

func stepIDArg(stepID *StepID) interface{} {
	if stepID == nil {
		return nil
	}
	return int64(*stepID)
}

func requireRowsAffected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("journal: "+format, args...)
	}
	return nil
}

func withRetryDB(fn func() error) error {
	var err error
	for attempt := 0; attempt <= SQLiteBusyMaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == SQLiteBusyMaxRetries {
			return err
		}
		backoff := time.Duration((attempt+1)*SQLiteBusyBackoffStepMs) * time.Millisecond
		if backoff > SQLiteBusyMaxBackoff {
			backoff = SQLiteBusyMaxBackoff
		}
		time.Sleep(backoff)
	}
	return err
}
