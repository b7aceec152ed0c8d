package captcha

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticRecognizer struct {
	text  string
	err   error
	calls int
}

func (r *staticRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	r.calls++
	return r.text, r.err
}

func TestSolveExhaustsAfterMaxRetry(t *testing.T) {
	rec := &staticRecognizer{text: "abcd"}
	solver := NewSolver(rec, Options{Backend: "orders", MaxRetry: 5}, &telemetry.Recorder{})

	fetches := 0
	submits := 0
	_, err := solver.Solve(
		context.Background(),
		func(ctx context.Context) ([]byte, error) {
			fetches++
			return []byte{byte(fetches)}, nil
		},
		func(ctx context.Context, code string) error {
			submits++
			return ErrWrongCaptcha
		},
	)

	require.Equal(t, 5, fetches, "every attempt fetches a fresh challenge")
	require.Equal(t, 5, submits)
	require.Equal(t, 5, rec.calls)

	kind, ok := failure.AuthKindOf(err)
	require.True(t, ok, "expected an authentication error, got %v", err)
	require.Equal(t, failure.AuthCaptchaExhausted, kind)
}

func TestSolveSucceedsAfterWrongGuess(t *testing.T) {
	rec := &staticRecognizer{text: "x9k2"}
	tel := &telemetry.Recorder{}
	solver := NewSolver(rec, Options{Backend: "orders", MaxRetry: 5}, tel)

	submits := 0
	code, err := solver.Solve(
		context.Background(),
		func(ctx context.Context) ([]byte, error) { return []byte("img"), nil },
		func(ctx context.Context, code string) error {
			submits++
			if submits == 1 {
				return ErrWrongCaptcha
			}
			return nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, "x9k2", code)
	require.Equal(t, 2, submits)
	require.Len(t, tel.Find("warning", report_attempt_failed), 1)
}

func TestSolveExpectedLengthSkipsSubmit(t *testing.T) {
	rec := &staticRecognizer{text: "abc"}
	solver := NewSolver(rec, Options{Backend: "orders", MaxRetry: 3, ExpectedLength: 4}, &telemetry.Recorder{})

	submits := 0
	_, err := solver.Solve(
		context.Background(),
		func(ctx context.Context) ([]byte, error) { return []byte("img"), nil },
		func(ctx context.Context, code string) error {
			submits++
			return nil
		},
	)
	require.Equal(t, 0, submits)
	require.Equal(t, 3, rec.calls)
	kind, _ := failure.AuthKindOf(err)
	require.Equal(t, failure.AuthCaptchaExhausted, kind)
}

func TestSolveStopsOnBadCredential(t *testing.T) {
	rec := &staticRecognizer{text: "abcd"}
	solver := NewSolver(rec, Options{Backend: "orders", MaxRetry: 5}, &telemetry.Recorder{})

	submits := 0
	_, err := solver.Solve(
		context.Background(),
		func(ctx context.Context) ([]byte, error) { return []byte("img"), nil },
		func(ctx context.Context, code string) error {
			submits++
			return failure.Authentication("orders", failure.AuthBadCredential, errors.New("wrong password"))
		},
	)
	require.Equal(t, 1, submits)
	kind, _ := failure.AuthKindOf(err)
	require.Equal(t, failure.AuthBadCredential, kind)
}

func TestSolveDumpsImage(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "debug", "captcha.png")
	rec := &staticRecognizer{text: "abcd"}
	solver := NewSolver(rec, Options{Backend: "orders", DumpPath: dump}, &telemetry.Recorder{})

	_, err := solver.Solve(
		context.Background(),
		func(ctx context.Context) ([]byte, error) { return []byte("png-bytes"), nil },
		func(ctx context.Context, code string) error { return nil },
	)
	require.NoError(t, err)

	content, err := os.ReadFile(dump)
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(content))
}
