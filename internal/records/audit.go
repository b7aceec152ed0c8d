package records

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome is the immutable result of one transition attempt.
type Outcome struct {
	CycleID       string    `json:"cycle_id"`
	SN            string    `json:"sn"`
	Step          Step      `json:"step"`
	From          State     `json:"from"`
	To            State     `json:"to"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Success       bool      `json:"success"`
	Message       string    `json:"message,omitempty"`
	Route         Route     `json:"route,omitempty"`
	At            time.Time `json:"at"`
}

// AuditLog receives every Outcome. It is write-only, nothing reads it back to
// make decisions.
type AuditLog interface {
	Append(o Outcome) error
}

// MemoryLog keeps outcomes in memory.
type MemoryLog struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (l *MemoryLog) Append(o Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *MemoryLog) Outcomes() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outcome, len(l.outcomes))
	copy(out, l.outcomes)
	return out
}

// JSONLog appends outcomes to a file as JSON lines.
type JSONLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func OpenJSONLog(path string) (*JSONLog, error) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &JSONLog{file: file, enc: json.NewEncoder(file)}, nil
}

func (l *JSONLog) Append(o Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(o)
}

func (l *JSONLog) Close() error {
	return l.file.Close()
}
