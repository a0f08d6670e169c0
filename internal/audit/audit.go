package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmms-ai/dmms-ai/internal/shared"
)

// Outcomes recorded for control-plane actions.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	errorCount atomic.Int64
)

// Init opens <stateDir>/logs/audit.jsonl for appending. Repeated calls are no-ops.
func Init(stateDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns the number of failed actions recorded since startup.
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record appends an audit entry without a trace id.
func Record(outcome, action, reason, subject string) {
	RecordContext(context.Background(), outcome, action, reason, subject)
}

// RecordContext appends an audit entry, tagging it with the trace id carried by ctx.
func RecordContext(ctx context.Context, outcome, action, reason, subject string) {
	if outcome == OutcomeError {
		errorCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Outcome:   outcome,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
			TraceID:   traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, outcome, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, outcome, reason)
	}
}
