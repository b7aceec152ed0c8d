package cipher

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"shipflow/internal/components/chrono"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

var testKey = DynamicKey{
	Key: []byte("asd020240115bjsf"),
	IV:  []byte("dongjunyaoguoqip"),
}

func TestKnownVectors(t *testing.T) {
	cases := []struct {
		plaintext string
		expected  string
	}{
		{plaintext: "hunter2", expected: "hnFkAsB3VTa0B2Iae+yYGA=="},
		{plaintext: "", expected: "WHI4Q+zNvzkfXRZyO5SI1w=="},
		{plaintext: "0123456789abcdef", expected: "ZYdtqcmp2pWFGcCUsTDFLpuvVU/MCrUJz6QIUeBgCn4="},
	}
	for _, c := range cases {
		out, err := Encrypt(c.plaintext, testKey)
		require.NoError(t, err)
		require.Equal(t, c.expected, out, c.plaintext)
	}
}

func TestRoundTripBlockEdges(t *testing.T) {
	cases := []struct {
		plaintext  string
		cipherSize int
	}{
		{plaintext: "", cipherSize: 16},
		{plaintext: "a", cipherSize: 16},
		{plaintext: strings.Repeat("x", 15), cipherSize: 16},
		{plaintext: strings.Repeat("x", 16), cipherSize: 32},
		{plaintext: strings.Repeat("x", 17), cipherSize: 32},
		{plaintext: "密码pässwörd", cipherSize: 32},
	}
	for _, c := range cases {
		encrypted, err := Encrypt(c.plaintext, testKey)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(encrypted)
		require.NoError(t, err)
		require.Len(t, raw, c.cipherSize, c.plaintext)

		decrypted, err := Decrypt(encrypted, testKey)
		require.NoError(t, err)
		require.Equal(t, c.plaintext, decrypted)
	}
}

func TestInvalidKey(t *testing.T) {
	_, err := Encrypt("x", DynamicKey{Key: []byte("short"), IV: testKey.IV})
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Encrypt("x", DynamicKey{Key: testKey.Key, IV: []byte("short")})
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Decrypt("not base64!", testKey)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDateKeySource(t *testing.T) {
	source := NewDateKeySource("asd0", "bjsf", "dongjunyaoguoqip", chrono.Fixed{
		At: time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC),
	})
	key, err := source.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, testKey, key)
}

func TestServerKeySource(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/key", r.URL.Path)
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"key":"asd020240115bjsf","iv":"dongjunyaoguoqip"}`))
	}))
	defer srv.Close()

	source := NewServerKeySource(resty.New().SetBaseURL(srv.URL), "/key")
	for i := 0; i < 2; i++ {
		key, err := source.Fetch(context.Background())
		require.NoError(t, err)
		require.Equal(t, testKey, key)
	}
	require.Equal(t, 2, calls, "keys are fetched per login, never cached")
}
