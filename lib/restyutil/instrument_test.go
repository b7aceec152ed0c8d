package restyutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

type memoryOutput struct {
	mu       sync.Mutex
	messages map[string]string
}

func (m *memoryOutput) Write(id string, contents string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages == nil {
		m.messages = map[string]string{}
	}
	m.messages[id] = contents
}

func TestInstrumentClientDumpsExchanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "secret-session"})
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	out := &memoryOutput{}
	client := resty.New().SetBaseURL(srv.URL)
	InstrumentClient(client, Options{
		Output: out,
		Redact: func(body string) string {
			return strings.ReplaceAll(body, "hunter2", "<redacted>")
		},
	})

	_, err := client.R().
		SetHeader("Cookie", "sid=old").
		SetFormData(map[string]string{"username": "ops", "password": "hunter2"}).
		Post("/login")
	require.NoError(t, err)
	_, err = client.R().Get("/next")
	require.NoError(t, err)

	require.Len(t, out.messages, 2)
	first := out.messages["1"]
	require.Contains(t, first, "POST "+srv.URL+"/login")
	require.Contains(t, first, "username=ops")
	require.Contains(t, first, `{"success":true}`)
	require.NotContains(t, first, "hunter2")
	require.NotContains(t, first, "secret-session")
	require.NotContains(t, first, "sid=old")
	require.Contains(t, out.messages["2"], "GET "+srv.URL+"/next")
}

func TestFilesystemOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dump")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0600))

	out, err := NewFilesystemOutput(dir)
	require.NoError(t, err)
	out.Write("1", "exchange")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	contents, err := os.ReadFile(filepath.Join(dir, "1.txt"))
	require.NoError(t, err)
	require.Equal(t, "exchange", string(contents))
}
