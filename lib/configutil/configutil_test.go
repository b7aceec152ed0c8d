package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name    string `json:"name" yaml:"name"`
	Retries int    `json:"retries" yaml:"retries"`
}

func TestReadConfigMergesLocal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json5"), []byte(`{
		// comments are allowed
		name: "base",
		retries: 3,
	}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.json5"), []byte(`{retries: 7}`), 0644))

	config, err := ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	require.NoError(t, err)
	require.Equal(t, testConfig{Name: "base", Retries: 7}, config)
}

func TestReadConfigYaml(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("name: yaml\nretries: 2\n"), 0644))

	config, err := ReadConfig[testConfig](filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, testConfig{Name: "yaml", Retries: 2}, config)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "nope.json5"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"system": map[string]any{
			"interval":  15,
			"max_retry": 5,
		},
		"flat": "value",
	}

	value, ok := Lookup(doc, "system.max_retry")
	require.True(t, ok)
	require.Equal(t, 5, value)

	_, ok = Lookup(doc, "system.missing")
	require.False(t, ok)
	_, ok = Lookup(doc, "flat.deeper")
	require.False(t, ok)
}
