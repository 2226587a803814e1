package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	auditFileMode = 0644
	auditDirMode  = 0755
)

// Event types written by the hooks and the override CLI.
const (
	TypeDiscovery = "discovery"
	TypeGate      = "gate_decision"
	TypeVerdict   = "review_verdict"
	TypeOverride  = "manual_override"
)

// Event is one audit record written as a single JSON line.
type Event struct {
	Time         time.Time `json:"time"`
	Type         string    `json:"type"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Key          string    `json:"key,omitempty"`
	Result       string    `json:"result,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// NewInvocationID creates an id correlating all events of one hook run.
func NewInvocationID() string {
	return uuid.NewString()
}

// Writer appends audit events to a JSONL file.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates an append-only audit writer at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append writes one event as one JSONL line. A nil writer discards.
func (w *Writer) Append(event Event) error {
	if w == nil || w.path == "" {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}
