// Package journal provides SQLite-backed write-ahead durability for the two
// crash-recovery surfaces of an active turn: in-flight streaming text
// (StreamJournal) and in-flight tool-call batches (ToolJournal).
//
// The guiding invariant for both is journal-before-surface: nothing reaches
// the user or the conversation history until it has been fsynced to SQLite.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	SQLiteBusyMaxRetries    = 10
	SQLiteBusyBackoffStepMs = 50
	SQLiteBusyMaxBackoff    = time.Second
)

// StepID identifies one streaming turn.
type StepID int64

const streamSchema = `
CREATE TABLE IF NOT EXISTS stream_journal (
	step_id    INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	sealed     INTEGER DEFAULT 0,
	PRIMARY KEY(step_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_journal_unsealed
ON stream_journal(sealed) WHERE sealed = 0;

CREATE TABLE IF NOT EXISTS step_counter (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_step_id INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO step_counter (id, next_step_id) VALUES (1, 1);

CREATE TABLE IF NOT EXISTS step_metadata (
	step_id    INTEGER PRIMARY KEY,
	model_name TEXT,
	committed  INTEGER DEFAULT 0,
	created_at TEXT NOT NULL
);
`

type deltaKind string

const (
	deltaText  deltaKind = "text_delta"
	deltaDone  deltaKind = "done"
	deltaError deltaKind = "error"
)

// ActiveSession is proof a stream is currently in flight; its zero value is
// not usable, it must come from StreamJournal.BeginSession.
type ActiveSession struct {
	journalID int64
	stepID    StepID
	nextSeq   uint64
	modelName string
}

func (a *ActiveSession) StepID() StepID      { return a.stepID }
func (a *ActiveSession) ModelName() string   { return a.modelName }

// RecoveryKind discriminates the outcome of Recover.
type RecoveryKind int

const (
	RecoveryComplete RecoveryKind = iota
	RecoveryErrored
	RecoveryIncomplete
)

// RecoveredStream describes a stream found in progress at startup.
type RecoveredStream struct {
	Kind        RecoveryKind
	StepID      StepID
	PartialText string
	LastSeq     uint64
	Error       string // set when Kind == RecoveryErrored
	ModelName   string // empty if not recorded
}

// Stats summarizes the journal's current occupancy.
type Stats struct {
	TotalEntries    uint64
	SealedEntries   uint64
	UnsealedEntries uint64
	CurrentStepID   StepID
}

var journalCounter int64

// StreamJournal persists every streaming delta before it is shown to the
// user, so a crash mid-stream can be detected and the partial text replayed
// or discarded on the next run.
type StreamJournal struct {
	mu         sync.Mutex
	db         *sql.DB
	journalID  int64
	activeStep *StepID
}

// OpenStream opens or creates a stream journal at path.
func OpenStream(path string) (*StreamJournal, error) {
	if err := prepareSecureFile(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stream journal: %w", err)
	}
	return initStream(db)
}

// OpenStreamInMemory opens a journal with no backing file, for tests.
func OpenStreamInMemory() (*StreamJournal, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory stream journal: %w", err)
	}
	return initStream(db)
}

func initStream(db *sql.DB) (*StreamJournal, error) {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(streamSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create stream schema: %w", err)
	}
	journalCounter++
	return &StreamJournal{db: db, journalID: journalCounter}, nil
}

// Close closes the underlying database.
func (j *StreamJournal) Close() error { return j.db.Close() }

// BeginSession starts a new streaming turn. It fails if a session is already
// active in this process, or if a prior crash left a recoverable step behind
// (the caller must Recover and resolve it first).
func (j *StreamJournal) BeginSession(modelName string) (*ActiveSession, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.activeStep != nil {
		return nil, fmt.Errorf("journal: cannot begin session: already streaming step %d", *j.activeStep)
	}
	if stepID, err := j.latestRecoverableStepID(); err != nil {
		return nil, err
	} else if stepID != nil {
		return nil, fmt.Errorf("journal: cannot begin session: recoverable step %d exists", *stepID)
	}

	stepID, err := j.allocateStepID()
	if err != nil {
		return nil, err
	}
	if err := j.withRetry(func() error {
		_, err := j.db.Exec(
			"INSERT INTO step_metadata (step_id, model_name, committed, created_at) VALUES (?, ?, 0, ?)",
			int64(stepID), modelName, iso8601Now(),
		)
		return err
	}); err != nil {
		return nil, fmt.Errorf("insert step metadata: %w", err)
	}

	j.activeStep = &stepID
	return &ActiveSession{journalID: j.journalID, stepID: stepID, nextSeq: 1, modelName: modelName}, nil
}

// AppendText journals a text delta for the active session.
func (j *StreamJournal) AppendText(s *ActiveSession, content string) error {
	return j.appendEvent(s, deltaText, content)
}

// AppendDone journals the stream's terminal event.
func (j *StreamJournal) AppendDone(s *ActiveSession) error {
	return j.appendEvent(s, deltaDone, "")
}

// AppendError journals a terminal provider error.
func (j *StreamJournal) AppendError(s *ActiveSession, message string) error {
	return j.appendEvent(s, deltaError, message)
}

func (j *StreamJournal) appendEvent(s *ActiveSession, kind deltaKind, content string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureActiveLocked(s); err != nil {
		return err
	}
	seq := s.nextSeq
	err := j.withRetry(func() error {
		_, err := j.db.Exec(
			"INSERT INTO stream_journal (step_id, seq, event_type, content, created_at, sealed) VALUES (?, ?, ?, ?, ?, 0)",
			int64(s.stepID), int64(seq), string(kind), content, iso8601Now(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("append delta step=%d seq=%d: %w", s.stepID, seq, err)
	}
	s.nextSeq++
	return nil
}

// Seal marks the session's entries sealed and returns the accumulated text.
// This does NOT delete anything; call CommitAndPruneStep once the sealed
// text has been durably appended to conversation history.
func (j *StreamJournal) Seal(s *ActiveSession) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureActiveLocked(s); err != nil {
		return "", err
	}
	text, err := j.collectText(s.stepID)
	if err != nil {
		return "", err
	}
	if err := j.sealStep(s.stepID); err != nil {
		return "", err
	}
	j.activeStep = nil
	return text, nil
}

// Discard abandons the active session's journal entries without marking
// anything committed (the error/cancel path).
func (j *StreamJournal) Discard(s *ActiveSession) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureActiveLocked(s); err != nil {
		return 0, err
	}
	n, err := j.discardStep(s.stepID)
	if err != nil {
		return 0, err
	}
	j.activeStep = nil
	return n, nil
}

// CommitAndPruneStep marks step committed and deletes its journal rows in a
// single transaction. Call this only after the step's content has been
// durably written to conversation history; once committed, a restart will
// not attempt to recover this step.
func (j *StreamJournal) CommitAndPruneStep(stepID StepID) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var deleted int64
	err := j.withRetry(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE step_metadata SET committed = 1 WHERE step_id = ?", int64(stepID)); err != nil {
			tx.Rollback()
			return err
		}
		res, err := tx.Exec("DELETE FROM stream_journal WHERE step_id = ?", int64(stepID))
		if err != nil {
			tx.Rollback()
			return err
		}
		deleted, _ = res.RowsAffected()
		if _, err := tx.Exec("DELETE FROM step_metadata WHERE step_id = ?", int64(stepID)); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("commit-and-prune step %d: %w", stepID, err)
	}
	return uint64(deleted), nil
}

// DiscardStep deletes a step's journal rows and metadata without requiring a
// live ActiveSession handle; used during startup recovery when the caller
// decides to drop a stale step rather than replay it.
func (j *StreamJournal) DiscardStep(stepID StepID) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.discardStep(stepID)
}

func (j *StreamJournal) discardStep(stepID StepID) (uint64, error) {
	var deleted int64
	err := j.withRetry(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		res, err := tx.Exec("DELETE FROM stream_journal WHERE step_id = ?", int64(stepID))
		if err != nil {
			tx.Rollback()
			return err
		}
		deleted, _ = res.RowsAffected()
		if _, err := tx.Exec("DELETE FROM step_metadata WHERE step_id = ?", int64(stepID)); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("discard step %d: %w", stepID, err)
	}
	return uint64(deleted), nil
}

// Recover checks for a step left behind by a crash (unsealed entries, or
// sealed entries whose metadata was never marked committed) and reconstructs
// its partial state. Returns nil, nil if nothing needs recovery.
func (j *StreamJournal) Recover() (*RecoveredStream, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.activeStep != nil {
		return nil, nil
	}
	stepID, err := j.latestRecoverableStepID()
	if err != nil {
		return nil, err
	}
	if stepID == nil {
		return nil, nil
	}

	modelName, err := j.stepModelName(*stepID)
	if err != nil {
		return nil, err
	}

	var lastSeq uint64
	if err := j.db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM stream_journal WHERE step_id = ?", int64(*stepID)).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("query last seq: %w", err)
	}

	partialText, err := j.collectText(*stepID)
	if err != nil {
		return nil, err
	}

	if errMsg, ok, err := j.latestError(*stepID); err != nil {
		return nil, err
	} else if ok {
		return &RecoveredStream{Kind: RecoveryErrored, StepID: *stepID, PartialText: partialText, LastSeq: lastSeq, Error: errMsg, ModelName: modelName}, nil
	}

	var isComplete bool
	row := j.db.QueryRow("SELECT 1 FROM stream_journal WHERE step_id = ? AND event_type = 'done' LIMIT 1", int64(*stepID))
	if scanErr := row.Scan(new(int)); scanErr == nil {
		isComplete = true
	} else if scanErr != sql.ErrNoRows {
		return nil, fmt.Errorf("query completion: %w", scanErr)
	}

	kind := RecoveryIncomplete
	if isComplete {
		kind = RecoveryComplete
	}
	return &RecoveredStream{Kind: kind, StepID: *stepID, PartialText: partialText, LastSeq: lastSeq, ModelName: modelName}, nil
}

// Stats reports journal occupancy.
func (j *StreamJournal) Stats() (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var total, sealed int64
	if err := j.db.QueryRow("SELECT COUNT(*) FROM stream_journal").Scan(&total); err != nil {
		return Stats{}, err
	}
	if err := j.db.QueryRow("SELECT COUNT(*) FROM stream_journal WHERE sealed = 1").Scan(&sealed); err != nil {
		return Stats{}, err
	}
	var currentStep int64
	if err := j.db.QueryRow("SELECT next_step_id - 1 FROM step_counter WHERE id = 1").Scan(&currentStep); err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalEntries:    uint64(total),
		SealedEntries:   uint64(sealed),
		UnsealedEntries: uint64(total - sealed),
		CurrentStepID:   StepID(currentStep),
	}, nil
}

// Prune deletes sealed entries older than olderThan. Intended for periodic
// maintenance, not the crash-recovery hot path.
func (j *StreamJournal) Prune(olderThan time.Duration) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cutoff := time.Now().Add(-olderThan).UTC().Format("2006-01-02T15:04:05.000Z")
	res, err := j.db.Exec("DELETE FROM stream_journal WHERE sealed = 1 AND created_at <= ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return uint64(n), nil
}

func (j *StreamJournal) allocateStepID() (StepID, error) {
	var stepID int64
	err := j.withRetry(func() error {
		tx, err := j.db.Begin()
		if err != nil {
			return err
		}
		if err := tx.QueryRow("SELECT next_step_id FROM step_counter WHERE id = 1").Scan(&stepID); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("UPDATE step_counter SET next_step_id = next_step_id + 1 WHERE id = 1"); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("allocate step id: %w", err)
	}
	return StepID(stepID), nil
}

func (j *StreamJournal) latestRecoverableStepID() (*StepID, error) {
	var stepID int64
	err := j.db.QueryRow(`
		SELECT step_id FROM (
			SELECT DISTINCT step_id FROM stream_journal WHERE sealed = 0
			UNION
			SELECT step_id FROM step_metadata WHERE committed = 0
		) ORDER BY step_id DESC LIMIT 1`).Scan(&stepID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recoverable step: %w", err)
	}
	id := StepID(stepID)
	return &id, nil
}

func (j *StreamJournal) stepModelName(stepID StepID) (string, error) {
	var name sql.NullString
	err := j.db.QueryRow("SELECT model_name FROM step_metadata WHERE step_id = ?", int64(stepID)).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query step model name: %w", err)
	}
	return name.String, nil
}

func (j *StreamJournal) collectText(stepID StepID) (string, error) {
	rows, err := j.db.Query(
		"SELECT content FROM stream_journal WHERE step_id = ? AND event_type = 'text_delta' ORDER BY seq ASC",
		int64(stepID),
	)
	if err != nil {
		return "", fmt.Errorf("query text deltas: %w", err)
	}
	defer rows.Close()

	var sb strings.Builder
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", err
		}
		sb.WriteString(content)
	}
	return sb.String(), rows.Err()
}

func (j *StreamJournal) latestError(stepID StepID) (string, bool, error) {
	var content string
	err := j.db.QueryRow(
		"SELECT content FROM stream_journal WHERE step_id = ? AND event_type = 'error' ORDER BY seq DESC LIMIT 1",
		int64(stepID),
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query error event: %w", err)
	}
	return content, true, nil
}

func (j *StreamJournal) sealStep(stepID StepID) error {
	return j.withRetry(func() error {
		_, err := j.db.Exec("UPDATE stream_journal SET sealed = 1 WHERE step_id = ? AND sealed = 0", int64(stepID))
		return err
	})
}

func (j *StreamJournal) ensureActiveLocked(s *ActiveSession) error {
	if s.journalID != j.journalID {
		return fmt.Errorf("journal: session does not belong to this journal")
	}
	if j.activeStep == nil {
		return fmt.Errorf("journal: no active streaming session")
	}
	if *j.activeStep != s.stepID {
		return fmt.Errorf("journal: active step %d does not match session %d", *j.activeStep, s.stepID)
	}
	return nil
}

func (j *StreamJournal) withRetry(fn func() error) error {
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

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func iso8601Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// prepareSecureFile ensures the parent directory and the database file (if
// new) carry owner-only permissions before SQLite opens them.
func prepareSecureFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	if runtime.GOOS != "windows" {
		if info, err := os.Stat(dir); err == nil && info.Mode().Perm()&0o077 != 0 {
			if err := os.Chmod(dir, 0o700); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("failed to tighten journal directory permissions")
			}
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return fmt.Errorf("create journal file: %w", err)
		}
		f.Close()
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("chmod journal file: %w", err)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			sidecar := path + suffix
			if _, err := os.Stat(sidecar); err == nil {
				os.Chmod(sidecar, 0o600)
			}
		}
	}
	return nil
}
