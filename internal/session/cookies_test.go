package session

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCookieStoreDropsExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewCookieStore(filepath.Join(t.TempDir(), CookiePath("cookies", "orders")))
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save([]*http.Cookie{
		{Name: "live", Value: "1", Expires: now.Add(time.Hour)},
		{Name: "session", Value: "2"},
		{Name: "dead", Value: "3", Expires: now.Add(-time.Minute)},
	}))

	cookies, err := store.Load()
	require.NoError(t, err)
	names := []string{}
	for _, c := range cookies {
		names = append(names, c.Name)
	}
	require.Equal(t, []string{"live", "session"}, names)
}

func TestCookieStoreMissingAndClear(t *testing.T) {
	store := NewCookieStore(filepath.Join(t.TempDir(), "cookies.picking.json"))
	cookies, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, cookies)

	require.NoError(t, store.Save([]*http.Cookie{{Name: "a", Value: "b"}}))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())

	cookies, err = store.Load()
	require.NoError(t, err)
	require.Empty(t, cookies)
}

func TestCookiePath(t *testing.T) {
	require.Equal(t, "data/cookies.logistics.json", CookiePath("data/cookies", "logistics"))
}

func TestSessionCookieHasNoExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.orders.json")
	store := NewCookieStore(path)
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save([]*http.Cookie{
		{Name: "PHPSESSID", Value: "abc", Path: "/"},
		{Name: "remember", Value: "1", Expires: expires},
	}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(content), "0001-01-01")

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(content, &raw))
	require.NotContains(t, raw[0], "expiry")
	require.Equal(t, "2030-01-01T00:00:00Z", raw[1]["expiry"])

	cookies, err := store.Load()
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	require.True(t, cookies[0].Expires.IsZero())
	require.True(t, expires.Equal(cookies[1].Expires))
}
