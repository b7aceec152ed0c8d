package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"shipflow/internal/config"
	"sync"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/require"
)

type pushed struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func TestStartupFailureIsNotified(t *testing.T) {
	var (
		mu       sync.Mutex
		received []pushed
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body pushed
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.Write([]byte(`{"code":200,"msg":"ok"}`))
	}))
	defer srv.Close()

	for _, key := range []string{
		config.EnvOrdersUsername, config.EnvOrdersPassword,
		config.EnvPickingUsername, config.EnvPickingPassword,
		config.EnvLogisticsUsername, config.EnvLogisticsPassword,
		config.EnvOcrApiKey, config.EnvOcrSecretKey,
	} {
		t.Setenv(key, "x")
	}
	t.Setenv(config.EnvPushPlusToken, "token")

	dir := t.TempDir()
	lockPath := filepath.Join(dir, "shipflow.lock")
	held := flock.New(lockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	path := filepath.Join(dir, "shipflow.json5")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`{
		paths: { lock: %q, cookies: %q },
		backends: {
			orders: { http: { base_url: "https://orders.example.com" } },
			picking: { http: { base_url: "https://wms.example.com" } },
			logistics: { http: { base_url: "https://wms.example.com" } },
		},
		notification: { pushplus: { url: %q } },
	}`, lockPath, filepath.Join(dir, "cookies"), srv.URL)), 0644))

	previous := configPath
	configPath = path
	defer func() { configPath = previous }()

	_, err = setup(context.Background())
	require.ErrorIs(t, err, errLocked)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Contains(t, received[0].Title, "cycle aborted")
	require.Contains(t, received[0].Content, "another shipflow process is running")
}
