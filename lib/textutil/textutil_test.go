package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanSN(t *testing.T) {
	cases := []struct {
		raw      string
		expected string
	}{
		{raw: `="SN001"`, expected: "SN001"},
		{raw: `"SN002"`, expected: "SN002"},
		{raw: `'SN003`, expected: "SN003"},
		{raw: "  SN004\t", expected: "SN004"},
		{raw: "", expected: ""},
	}
	for _, c := range cases {
		require.Equal(t, c.expected, CleanSN(c.raw), c.raw)
	}
}

func TestNearMiss(t *testing.T) {
	staff := []string{"Zhang Wei", "Li Na"}

	_, ok := NearMiss("Zhang Wei", staff, 0.9)
	require.False(t, ok, "exact match is not a near miss")

	match, ok := NearMiss("Zhang  Wei ", staff, 0.9)
	require.True(t, ok)
	require.Equal(t, "Zhang Wei", match)

	_, ok = NearMiss("Completely Different", staff, 0.9)
	require.False(t, ok)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, SplitList(" a, ,b ,"))
	require.Empty(t, SplitList(""))
}

func TestStripWhitespace(t *testing.T) {
	require.Equal(t, "ab12", StripWhitespace(" a b\n1 2\t"))
}
