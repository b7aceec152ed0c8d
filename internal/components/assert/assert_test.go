package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssertions(t *testing.T) {
	require.Panics(t, func() { NotNil(nil) })
	require.Panics(t, func() { NotEmptyStr("") })

	require.NotPanics(t, func() { NotNil(1) })
	require.NotPanics(t, func() { NotEmptyStr("orders") })
}
