// Package audit emits append-only, hash-chained records of every policy
// decision and execution outcome. Output text is hashed rather than
// stored; command history itself is a consumer concern.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Event captures a single security-relevant action.
type Event struct {
	Sequence      uint64    `json:"seq"`
	Timestamp     time.Time `json:"ts"`
	EventType     string    `json:"event_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Shell         string    `json:"shell,omitempty"`
	Connection    string    `json:"connection,omitempty"`
	Command       string    `json:"command,omitempty"`
	WorkingDir    string    `json:"working_dir,omitempty"`
	Decision      string    `json:"decision,omitempty"`
	Rule          string    `json:"rule,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	StdoutHash    string    `json:"stdout_sha256,omitempty"`
	StderrHash    string    `json:"stderr_sha256,omitempty"`
	Error         string    `json:"error,omitempty"`
	PrevHash      string    `json:"prev_hash"`
	EventHash     string    `json:"event_hash"`
}

// Logger appends hash-chained events to a file. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash []byte
	sequence uint64
}

// NewLogger opens (or creates) the audit log at path. When the file
// already holds events the chain continues from the last one, so a
// process restart does not break hash verification.
func NewLogger(path string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	l := &Logger{file: file}
	if last, ok := lastEvent(path); ok {
		l.sequence = last.Sequence
		if prev, err := hex.DecodeString(last.EventHash); err == nil {
			l.prevHash = prev
		}
	}
	return l, nil
}

// lastEvent reads the final well-formed event line of an existing log.
func lastEvent(path string) (Event, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return Event{}, false
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		var ev Event
		if json.Unmarshal(lines[i], &ev) == nil && ev.EventHash != "" {
			return ev, true
		}
	}
	return Event{}, false
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// LogDecision records a validation verdict before any process is touched.
func (l *Logger) LogDecision(correlationID, shell, command, workingDir, decision, rule string) {
	l.append(Event{
		EventType:     "command.decision",
		CorrelationID: correlationID,
		Shell:         shell,
		Command:       command,
		WorkingDir:    workingDir,
		Decision:      decision,
		Rule:          rule,
	})
}

// LogExecution records a completed local execution.
func (l *Logger) LogExecution(correlationID, shell string, exitCode int, duration time.Duration, stdout, stderr string) {
	ms := duration.Milliseconds()
	l.append(Event{
		EventType:     "command.executed",
		CorrelationID: correlationID,
		Shell:         shell,
		ExitCode:      &exitCode,
		DurationMs:    &ms,
		StdoutHash:    hashText(stdout),
		StderrHash:    hashText(stderr),
	})
}

// LogRemote records a completed remote execution.
func (l *Logger) LogRemote(correlationID, connection string, exitCode int, duration time.Duration, stdout, stderr string) {
	ms := duration.Milliseconds()
	l.append(Event{
		EventType:     "ssh.executed",
		CorrelationID: correlationID,
		Connection:    connection,
		ExitCode:      &exitCode,
		DurationMs:    &ms,
		StdoutHash:    hashText(stdout),
		StderrHash:    hashText(stderr),
	})
}

// LogError records an execution or transport failure.
func (l *Logger) LogError(correlationID, eventType, detail string) {
	l.append(Event{
		EventType:     eventType,
		CorrelationID: correlationID,
		Error:         detail,
	})
}

func (l *Logger) append(event Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}

	l.sequence++
	event.Sequence = l.sequence
	event.Timestamp = time.Now().UTC()
	event.PrevHash = hex.EncodeToString(l.prevHash)

	// Hash the event without its own hash field, then chain.
	event.EventHash = ""
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	sum := sha256.Sum256(payload)
	event.EventHash = hex.EncodeToString(sum[:])
	l.prevHash = sum[:]

	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	l.file.Write(append(line, '\n'))
}

func hashText(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
