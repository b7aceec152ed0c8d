package session

import "log/slog"

// Credential is a username/password pair from the configuration snapshot. The
// password never appears in formatted or logged output.
type Credential struct {
	Username string
	Password string
}

func (c Credential) String() string {
	return c.Username + ":[redacted]"
}

func (c Credential) GoString() string {
	return c.String()
}

func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", "[redacted]"),
	)
}
