// Package failure holds the error taxonomy shared by every stage of a cycle.
//
// Only ConfigurationError and AuthenticationError are allowed to escape a unit step,
// everything else is absorbed into the unit's record as a Failed state.
package failure

import (
	"errors"
	"fmt"
)

type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("configuration: %s", e.Err)
	}
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func Configuration(key string, err error) error {
	return &ConfigurationError{Key: key, Err: err}
}

type AuthKind string

const (
	AuthCaptchaExhausted AuthKind = "captcha-exhausted"
	AuthBadCredential    AuthKind = "bad-credential"
	AuthLoginExhausted   AuthKind = "login-exhausted"
	AuthSessionExpired   AuthKind = "session-expired"
)

// AuthenticationError is fatal for its backend for the rest of the current cycle.
type AuthenticationError struct {
	Backend string
	Kind    AuthKind
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication failed (%s)", e.Backend, e.Kind)
	}
	return fmt.Sprintf("%s: authentication failed (%s): %s", e.Backend, e.Kind, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func Authentication(backend string, kind AuthKind, err error) error {
	return &AuthenticationError{Backend: backend, Kind: kind, Err: err}
}

// NetworkError is transient: the request never produced a usable response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %s", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

type ParseError struct {
	Row    int
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

// BusinessError is a structured failure returned by a backend for one unit.
// Message is kept verbatim.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("backend rejected: %s", e.Message)
	}
	return fmt.Sprintf("backend rejected [%s]: %s", e.Code, e.Message)
}

func Business(code, message string) error {
	return &BusinessError{Code: code, Message: message}
}

func IsAuth(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

func AuthKindOf(err error) (AuthKind, bool) {
	var target *AuthenticationError
	if !errors.As(err, &target) {
		return "", false
	}
	return target.Kind, true
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsRetryable reports whether a new attempt at the same call could succeed.
func IsRetryable(err error) bool {
	return IsNetwork(err)
}

// Escapes reports whether err must end the current step for a whole backend
// instead of being recorded against a single unit.
func Escapes(err error) bool {
	return IsAuth(err) || IsConfiguration(err)
}

// Reason buckets an error for cycle summaries.
func Reason(err error) string {
	var (
		auth     *AuthenticationError
		network  *NetworkError
		parse    *ParseError
		business *BusinessError
		config   *ConfigurationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &auth):
		return "auth:" + string(auth.Kind)
	case errors.As(err, &network):
		return "network"
	case errors.As(err, &parse):
		return "parse"
	case errors.As(err, &business):
		return "business"
	case errors.As(err, &config):
		return "configuration"
	}
	return "other"
}
