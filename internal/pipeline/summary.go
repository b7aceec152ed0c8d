package pipeline

import (
	"fmt"
	"io"
	"shipflow/internal/notify"
	"shipflow/internal/records"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary is the structured result of one cycle.
type Summary struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time

	Parsed      int
	ParseErrors int
	// States counts units by state label, failures include their stage
	// like "failed(parsed)".
	States map[string]int
	// Failures counts failed units by failure.Reason.
	Failures     map[string]int
	ProductTypes map[string]int
	Routes       map[records.Route]int

	// AuthFailures maps a backend to the authentication or configuration error
	// that stopped it.
	AuthFailures map[string]string
	// StepErrors are download and listing failures, which belong to no unit.
	StepErrors []string
	Cancelled  bool
}

func (s *Summary) fill(c records.Counts) {
	s.Parsed = c.Units
	s.States = c.States
	s.Failures = c.Failures
	s.ProductTypes = c.ProductTypes
	s.Routes = c.Routes
}

func (s Summary) Shipped() int {
	return s.States[records.Shipped.String()]
}

func (s Summary) Picked() int {
	return s.States[records.Picked.String()] + s.Shipped() +
		s.States[records.ShipEligible.String()] +
		s.States[records.ShipRequested.String()]
}

func (s Summary) FailedUnits() int {
	n := 0
	for _, count := range s.Failures {
		n += count
	}
	return n
}

func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Summary) level() notify.Level {
	if len(s.AuthFailures) > 0 || s.Cancelled {
		return notify.Error
	}
	if s.FailedUnits() > 0 || s.ParseErrors > 0 || len(s.StepErrors) > 0 {
		return notify.Warning
	}
	return notify.Info
}

// Markdown renders the summary for notifications.
func (s Summary) Markdown() string {
	lines := []string{
		"## Cycle summary",
		"",
		fmt.Sprintf("**Cycle:** %s", s.CycleID),
		fmt.Sprintf("**Started:** %s", s.StartedAt.Format(time.DateTime)),
		fmt.Sprintf("**Duration:** %s", s.Duration().Round(time.Second)),
		"",
		fmt.Sprintf("- parsed: %d", s.Parsed),
		fmt.Sprintf("- parse errors: %d", s.ParseErrors),
		fmt.Sprintf("- picked: %d", s.Picked()),
		fmt.Sprintf("- shipped: %d (self pickup %d, courier %d)",
			s.Shipped(), s.Routes[records.SelfPickup], s.Routes[records.Courier]),
		fmt.Sprintf("- failed: %d", s.FailedUnits()),
	}
	if len(s.Failures) > 0 {
		lines = append(lines, "", "### Failures")
		for _, reason := range sortedKeys(s.Failures) {
			lines = append(lines, fmt.Sprintf("- %s: %d", reason, s.Failures[reason]))
		}
	}
	if len(s.AuthFailures) > 0 {
		lines = append(lines, "", "### Authentication")
		for _, backend := range sortedKeys(s.AuthFailures) {
			lines = append(lines, fmt.Sprintf("- %s: %s", backend, s.AuthFailures[backend]))
		}
	}
	if len(s.StepErrors) > 0 {
		lines = append(lines, "", "### Errors")
		for _, e := range s.StepErrors {
			lines = append(lines, "- "+e)
		}
	}
	if s.Cancelled {
		lines = append(lines, "", "**The cycle was cancelled before it finished.**")
	}
	return strings.Join(lines, "\n")
}

func (s Summary) Event() notify.Event {
	title := fmt.Sprintf("cycle finished: %d shipped, %d failed", s.Shipped(), s.FailedUnits())
	if s.Cancelled {
		title = "cycle cancelled"
	}
	return notify.Event{
		Title:   title,
		Message: s.Markdown(),
		Level:   s.level(),
	}
}

// RenderTable writes the summary as a table to out.
func (s Summary) RenderTable(out io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("cycle %s", s.CycleID))
	t.AppendHeader(table.Row{"Metric", "Count"})

	t.AppendRows([]table.Row{
		{"parsed", s.Parsed},
		{"parse errors", s.ParseErrors},
	})
	t.AppendSeparator()
	for _, state := range sortedKeys(s.States) {
		t.AppendRow(table.Row{"state " + state, s.States[state]})
	}
	for _, pt := range sortedKeys(s.ProductTypes) {
		t.AppendRow(table.Row{"product " + pt, s.ProductTypes[pt]})
	}
	t.AppendRow(table.Row{"route " + string(records.SelfPickup), s.Routes[records.SelfPickup]})
	t.AppendRow(table.Row{"route " + string(records.Courier), s.Routes[records.Courier]})
	if len(s.Failures) > 0 {
		t.AppendSeparator()
		for _, reason := range sortedKeys(s.Failures) {
			t.AppendRow(table.Row{"failure " + reason, s.Failures[reason]})
		}
	}
	if len(s.AuthFailures) > 0 || s.Cancelled {
		t.AppendSeparator()
		for _, backend := range sortedKeys(s.AuthFailures) {
			t.AppendRow(table.Row{"auth " + backend, s.AuthFailures[backend]})
		}
		if s.Cancelled {
			t.AppendRow(table.Row{"cancelled", "yes"})
		}
	}
	t.Render()
}
