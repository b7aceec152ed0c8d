// Package captcha solves the image challenge on the orders portal login page.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/lib/retry"
)

// ErrWrongCaptcha is returned by a SubmitFunc when the backend rejected the code.
// The challenge is invalid server side after that, so the next attempt fetches a new image.
var ErrWrongCaptcha = errors.New("captcha rejected")

// ChallengeFunc fetches a fresh challenge image.
type ChallengeFunc func(ctx context.Context) ([]byte, error)

// SubmitFunc submits the recognized code together with whatever else the login needs.
type SubmitFunc func(ctx context.Context, code string) error

const (
	report_attempt_failed = "solver.attempt-failed"
	report_dump_failed    = "solver.dump-image"
)

type Options struct {
	Backend  string
	MaxRetry int
	// ExpectedLength rejects OCR text of another length without submitting it,
	// zero disables the check.
	ExpectedLength int
	// DumpPath writes the latest challenge image there when set.
	DumpPath string
}

type Solver struct {
	recognizer Recognizer
	options    Options
	tel        telemetry.API
}

func NewSolver(recognizer Recognizer, options Options, tel telemetry.API) Solver {
	assert.NotNil(recognizer)
	assert.NotNil(tel)
	assert.NotEmptyStr(options.Backend)
	if options.MaxRetry <= 0 {
		options.MaxRetry = 5
	}
	return Solver{recognizer: recognizer, options: options, tel: tel}
}

// retryable reports whether another fresh challenge could succeed. Anything else,
// a bad credential for example, ends the sequence immediately.
func retryable(err error) bool {
	return errors.Is(err, ErrWrongCaptcha) ||
		errors.Is(err, ErrUnrecognized) ||
		failure.IsNetwork(err)
}

// Solve runs fetch, recognize and submit as one unit up to MaxRetry times and
// returns the accepted code.
func (s Solver) Solve(ctx context.Context, fetch ChallengeFunc, submit SubmitFunc) (string, error) {
	accepted := ""
	policy := retry.Policy{
		MaxAttempts: s.options.MaxRetry,
		Retryable:   retryable,
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		err := s.attempt(ctx, fetch, submit, &accepted)
		if err != nil && retryable(err) {
			s.tel.ReportWarning(
				report_attempt_failed,
				fmt.Sprintf("%d/%d", attempt, s.options.MaxRetry),
				err,
			)
		}
		return err
	})

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return "", failure.Authentication(s.options.Backend, failure.AuthCaptchaExhausted, exhausted)
	}
	if err != nil {
		return "", err
	}
	return accepted, nil
}

func (s Solver) attempt(ctx context.Context, fetch ChallengeFunc, submit SubmitFunc, accepted *string) error {
	image, err := fetch(ctx)
	if err != nil {
		return err
	}
	s.dump(image)

	code, err := s.recognizer.Recognize(ctx, image)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrUnrecognized, err)
	}
	if s.options.ExpectedLength > 0 && len(code) != s.options.ExpectedLength {
		return fmt.Errorf("%w: %q has length %d, expected %d", ErrUnrecognized, code, len(code), s.options.ExpectedLength)
	}

	err = submit(ctx, code)
	if err != nil {
		return err
	}
	*accepted = code
	return nil
}

func (s Solver) dump(image []byte) {
	if s.options.DumpPath == "" {
		return
	}
	err := os.MkdirAll(filepath.Dir(s.options.DumpPath), 0755)
	if err == nil {
		err = os.WriteFile(s.options.DumpPath, image, 0644)
	}
	if err != nil {
		s.tel.ReportWarning(report_dump_failed, err)
	}
}
