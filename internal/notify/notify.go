// Package notify delivers operator notifications about finished cycles and
// fatal failures.
package notify

import (
	"context"
	"errors"
	"fmt"
	"shipflow/internal/components/telemetry"
	"strings"
	"time"
)

type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) icon() string {
	switch l {
	case Warning:
		return "⚠️"
	case Error:
		return "❌"
	}
	return "📊"
}

// Event is one notification, Message is markdown.
type Event struct {
	Title   string
	Message string
	Level   Level
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type Noop struct{}

func (Noop) Notify(context.Context, Event) error {
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		err := n.Notify(ctx, event)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const report_delivery = "notify.delivery"

// DeliveryTimeout bounds one Deliver call.
const DeliveryTimeout = 15 * time.Second

// Deliver sends event and only logs a failed delivery. It ignores the
// cancellation of ctx: the summary of an interrupted cycle still goes out.
func Deliver(ctx context.Context, n Notifier, event Event, tel telemetry.API) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DeliveryTimeout)
	defer cancel()

	err := n.Notify(ctx, event)
	if err != nil {
		tel.ReportWarning(report_delivery, event.Title, err)
	}
}

func title(prefix, title string, level Level) string {
	if prefix == "" {
		return fmt.Sprintf("%s %s", level.icon(), title)
	}
	return fmt.Sprintf("%s %s - %s", level.icon(), prefix, title)
}

// LoginFailure reports that a backend could not be logged into, which stops
// that backend for the rest of the cycle.
func LoginFailure(backend string, err error, at time.Time) Event {
	lines := []string{
		"## Login failed",
		"",
		fmt.Sprintf("**Backend:** %s", backend),
		fmt.Sprintf("**Time:** %s", at.Format(time.DateTime)),
		"",
		"```",
		err.Error(),
		"```",
	}
	return Event{
		Title:   fmt.Sprintf("%s login failed", backend),
		Message: strings.Join(lines, "\n"),
		Level:   Error,
	}
}

// Fatal reports an error that stopped a cycle before it could finish.
func Fatal(err error, at time.Time) Event {
	lines := []string{
		"## Cycle aborted",
		"",
		fmt.Sprintf("**Time:** %s", at.Format(time.DateTime)),
		"",
		"```",
		err.Error(),
		"```",
	}
	return Event{
		Title:   "cycle aborted",
		Message: strings.Join(lines, "\n"),
		Level:   Error,
	}
}
