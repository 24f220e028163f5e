// Package notify delivers user-facing notifications from background work.
package notify

import (
	"log"
	"os"
	"sync"
)

// Kind is the severity of a notification.
type Kind string

const (
	Info    Kind = "info"
	Success Kind = "success"
	Warning Kind = "warning"
	Error   Kind = "error"
)

// Notifier receives notifications. Implementations must not block for long:
// the sync engine calls Notify from its only goroutine.
type Notifier interface {
	Notify(kind Kind, message string)
}

// Func adapts a function to Notifier.
type Func func(kind Kind, message string)

func (f Func) Notify(kind Kind, message string) { f(kind, message) }

// Discard drops every notification.
var Discard Notifier = Func(func(Kind, string) {})

// Logger writes notifications to a log.Logger.
type Logger struct {
	logger *log.Logger
}

// NewLogger returns a Notifier that logs. A nil logger writes to stderr.
func NewLogger(logger *log.Logger) *Logger {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Logger{logger: logger}
}

func (l *Logger) Notify(kind Kind, message string) {
	l.logger.Printf("%s: %s", kind, message)
}

// Fanout forwards each notification to every registered Notifier.
type Fanout struct {
	mu      sync.RWMutex
	targets []Notifier
}

// NewFanout returns a Fanout over targets. Nil targets are skipped.
func NewFanout(targets ...Notifier) *Fanout {
	f := &Fanout{}
	for _, t := range targets {
		f.Add(t)
	}
	return f
}

// Add registers another target.
func (f *Fanout) Add(n Notifier) {
	if n == nil {
		return
	}
	f.mu.Lock()
	f.targets = append(f.targets, n)
	f.mu.Unlock()
}

func (f *Fanout) Notify(kind Kind, message string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, t := range f.targets {
		t.Notify(kind, message)
	}
}

// Record is one captured notification.
type Record struct {
	Kind    Kind
	Message string
}

// Recorder keeps every notification in memory. It backs `sf` commands that
// report what happened during a foreground drain, and tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Notify(kind Kind, message string) {
	r.mu.Lock()
	r.records = append(r.records, Record{Kind: kind, Message: message})
	r.mu.Unlock()
}

// Records returns a copy of the captured notifications.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Count returns how many notifications of kind were captured.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}
