package bridge

import (
	"sync"
	"time"
)

// DefaultDiagnosticSize is how many entries the log keeps
const DefaultDiagnosticSize = 100

// Diagnostic is one job's delivery record
type Diagnostic struct {
	Time      time.Time `json:"time"`
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Dialect   string    `json:"dialect,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Attempts  int       `json:"attempts"`
	ElapsedMs int64     `json:"elapsedMs"`
	Error     string    `json:"error,omitempty"`
}

// DiagnosticLog keeps the most recent delivery records in memory
type DiagnosticLog struct {
	mu      sync.Mutex
	entries []Diagnostic
	max     int
	onAdd   []func(Diagnostic)
}

// NewDiagnosticLog creates a log bounded to max entries
func NewDiagnosticLog(max int) *DiagnosticLog {
	if max <= 0 {
		max = DefaultDiagnosticSize
	}
	return &DiagnosticLog{max: max}
}

// Add appends an entry, dropping the oldest past the bound
func (l *DiagnosticLog) Add(d Diagnostic) {
	l.mu.Lock()
	l.entries = append(l.entries, d)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	listeners := append([]func(Diagnostic){}, l.onAdd...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(d)
	}
}

// Entries returns the entries oldest first
func (l *DiagnosticLog) Entries() []Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Diagnostic(nil), l.entries...)
}

// OnAdd registers a listener called after every Add
func (l *DiagnosticLog) OnAdd(fn func(Diagnostic)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAdd = append(l.onAdd, fn)
}
