package telemetry

import (
	"fmt"
	"strings"
	"sync"
)

// Event is one call captured by Recorder.
type Event struct {
	Level  string
	ID     string
	Params []any
	Count  int64
}

// Recorder is an in-memory API used by tests to assert on what got reported.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
}

func (r *Recorder) ReportBroken(id string, params ...any) {
	r.add(Event{Level: "broken", ID: id, Params: params})
}

func (r *Recorder) ReportWarning(id string, params ...any) {
	r.add(Event{Level: "warning", ID: id, Params: params})
}

func (r *Recorder) ReportDebug(msg string, params ...any) {
	r.add(Event{Level: "debug", ID: msg, Params: params})
}

func (r *Recorder) ReportCount(id string, count int64) {
	r.add(Event{Level: "count", ID: id, Count: count})
}

// Find returns the events at the given level whose id ends with suffix.
func (r *Recorder) Find(level, suffix string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.Events {
		if e.Level == level && strings.HasSuffix(e.ID, suffix) {
			out = append(out, e)
		}
	}
	return out
}

// Dump renders every event, handy in failing test output.
func (r *Recorder) Dump() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, e := range r.Events {
		fmt.Fprintf(&b, "%s %s %v\n", e.Level, e.ID, e.Params)
	}
	return b.String()
}
