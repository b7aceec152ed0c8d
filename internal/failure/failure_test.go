package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReason(t *testing.T) {
	table := []struct {
		err      error
		expected string
	}{
		{err: nil, expected: ""},
		{err: Authentication("orders", AuthCaptchaExhausted, nil), expected: "auth:captcha-exhausted"},
		{err: fmt.Errorf("pick: %w", Network("post", errors.New("eof"))), expected: "network"},
		{err: &ParseError{Row: 2, Field: "type", Reason: "unknown"}, expected: "parse"},
		{err: fmt.Errorf("confirm: %w", Business("E12", "库存不足")), expected: "business"},
		{err: Configuration("system.interval", errors.New("must be positive")), expected: "configuration"},
		{err: errors.New("boom"), expected: "other"},
	}

	for _, row := range table {
		require.Equal(t, row.expected, Reason(row.err))
	}
}

func TestAuthKindOf(t *testing.T) {
	err := fmt.Errorf("ensure: %w", Authentication("logistics", AuthBadCredential, errors.New("wrong password")))
	kind, ok := AuthKindOf(err)
	require.True(t, ok)
	require.Equal(t, AuthBadCredential, kind)
	require.True(t, IsAuth(err))
	require.False(t, IsConfiguration(err))

	_, ok = AuthKindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestBusinessMessageVerbatim(t *testing.T) {
	err := Business("", "SN已出库")
	require.Equal(t, "backend rejected: SN已出库", err.Error())
}

func TestEscapes(t *testing.T) {
	require.True(t, Escapes(fmt.Errorf("pick: %w", Authentication("picking", AuthSessionExpired, nil))))
	require.True(t, Escapes(Configuration("", errors.New("missing"))))
	require.False(t, Escapes(Network("get", errors.New("reset"))))
	require.False(t, Escapes(Business("", "no stock")))

	require.True(t, IsRetryable(Network("get", errors.New("reset"))))
	require.False(t, IsRetryable(Business("1", "no")))
}
