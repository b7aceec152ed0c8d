package telemetry

import "strings"

// API is what every component reports through instead of touching slog or
// the otel meter directly, so tests can swap in a Recorder and assert on it.
//
// note: fault injection point
type API interface {
	// ReportBroken flags a component that failed and needs attention.
	//
	// The id names the component and method, never the unit being processed:
	// a failed confirm call on the picking portal is `portal.confirm-pick` and
	// the serial number travels in params. Ids are lowercase, underscores
	// separate words in component names, dashes separate words in methods.
	ReportBroken(id string, params ...any)

	// ReportWarning flags something odd that did not stop the cycle.
	ReportWarning(id string, params ...any)

	// ReportDebug is dropped unless verbose logging is on.
	ReportDebug(msg string, params ...any)

	// ReportCount records a gauge-like sample, successive samples are not summed.
	ReportCount(id string, count int64)
}

// ScopedAPI prefixes every id with a chain of scopes, outermost first.
//
//	NewScopedAPI("session", NewScopedAPI("orders", tel)).ReportBroken("manager.login")
//
// reports `orders: session: manager.login`.
type ScopedAPI struct {
	prefix string
	inner  API
}

// NewScopedAPI wraps inner under scope. Wrapping a ScopedAPI extends its
// chain rather than nesting another layer.
func NewScopedAPI(scope string, inner API) ScopedAPI {
	if parent, ok := inner.(ScopedAPI); ok {
		return ScopedAPI{prefix: parent.prefix + scope + ": ", inner: parent.inner}
	}
	return ScopedAPI{prefix: scope + ": ", inner: inner}
}

// Scope returns the joined scope chain without the trailing separator.
func (s ScopedAPI) Scope() string {
	return strings.TrimSuffix(s.prefix, ": ")
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(s.prefix+id, params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(s.prefix+id, params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(s.prefix+msg, params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(s.prefix+id, count)
}
