// Package eventlog provides the append-only JSONL trail of every
// dispatch and status in the hive. One file per day under the log
// directory, named hive_<YYYY-MM-DD>.jsonl. The command record is
// written on the hot path before send returns; the status record is
// written immediately on parse, giving a complete forensic trail.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hiveops/hive/internal/types"
)

// RecordType labels one JSONL line in the event log.
type RecordType string

const (
	RecordTypeCommand RecordType = "command"
	RecordTypeStatus  RecordType = "status"
	RecordTypeRun     RecordType = "run"
)

// Record is one JSONL line. Fields are omitempty so each record only
// serialises relevant data.
type Record struct {
	Timestamp string     `json:"timestamp"`
	Type      RecordType `json:"type"`
	Agent     string     `json:"agent,omitempty"`
	TaskID    string     `json:"task_id"`

	// command records
	Command string `json:"command,omitempty"`

	// status records
	Status  string `json:"status,omitempty"`
	Changes string `json:"changes,omitempty"`
	Next    string `json:"next,omitempty"`
	LastCmd string `json:"last_cmd,omitempty"`

	// run records (orchestrator phase transitions)
	Phase string `json:"phase,omitempty"`
}

// Log owns the JSONL file lifecycle. Writes are mutex-protected;
// rotation happens on the first write of a new day.
type Log struct {
	dir string

	mu  sync.Mutex
	f   *os.File
	day string

	now func() time.Time // swappable in tests
}

// New creates a log that writes daily files under dir. The directory
// is created lazily on first write.
func New(dir string) *Log {
	return &Log{dir: dir, now: time.Now}
}

// Path returns the file the next write would land in.
func (l *Log) Path() string {
	return filepath.Join(l.dir, fmt.Sprintf("hive_%s.jsonl", l.now().UTC().Format("2006-01-02")))
}

// RecordCommand appends a command record. Called before the dispatch
// send returns.
func (l *Log) RecordCommand(agent, taskID, command string) error {
	if l == nil {
		return nil
	}
	return l.write(Record{
		Type:    RecordTypeCommand,
		Agent:   agent,
		TaskID:  taskID,
		Command: command,
	})
}

// RecordStatus appends a status record for a parsed or synthesised
// footer.
func (l *Log) RecordStatus(agent, taskID string, footer *types.StatusFooter) error {
	if l == nil {
		return nil
	}
	return l.write(Record{
		Type:    RecordTypeStatus,
		Agent:   agent,
		TaskID:  taskID,
		Status:  string(footer.Status),
		Changes: footer.Changes,
		Next:    footer.Next,
		LastCmd: footer.LastCmd,
	})
}

// RecordRunPhase appends a run record marking an orchestrator phase
// transition.
func (l *Log) RecordRunPhase(runID, phase string) error {
	if l == nil {
		return nil
	}
	return l.write(Record{
		Type:   RecordTypeRun,
		TaskID: runID,
		Phase:  phase,
	})
}

// Close flushes and closes the current file. The log remains usable;
// the next write reopens it.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	l.day = ""
	return err
}

// write appends one JSON line, rotating to a new file when the UTC
// day changes.
func (l *Log) write(rec Record) error {
	now := l.now().UTC()
	rec.Timestamp = now.Format(time.RFC3339Nano)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := now.Format("2006-01-02")
	if l.f == nil || day != l.day {
		if l.f != nil {
			_ = l.f.Close()
			l.f = nil
		}
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return fmt.Errorf("create log dir %s: %w", l.dir, err)
		}
		path := filepath.Join(l.dir, fmt.Sprintf("hive_%s.jsonl", day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		l.f = f
		l.day = day
	}

	if _, err := fmt.Fprintf(l.f, "%s\n", data); err != nil {
		return fmt.Errorf("write event record: %w", err)
	}
	return nil
}
