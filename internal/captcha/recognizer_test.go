package captcha

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"shipflow/internal/components/telemetry"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaiduRecognizer(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/2.0/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		require.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))
		require.Equal(t, "api", r.URL.Query().Get("client_id"))
		w.Write([]byte(`{"access_token":"tok","expires_in":2592000}`))
	})
	mux.HandleFunc("/ocr", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "tok", r.PostForm.Get("access_token"))
		require.Equal(t, "ENG", r.PostForm.Get("language_type"))
		require.Equal(t, base64.StdEncoding.EncodeToString([]byte("img")), r.PostForm.Get("image"))
		w.Write([]byte(`{"words_result":[{"words":"a b"},{"words":"c\nd"}],"words_result_num":2}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := NewBaiduRecognizer(BaiduOptions{
		ApiKey:    "api",
		SecretKey: "secret",
		TokenURL:  srv.URL + "/oauth/2.0/token",
		OcrURL:    srv.URL + "/ocr",
	}, &telemetry.Recorder{})

	for i := 0; i < 2; i++ {
		text, err := rec.Recognize(context.Background(), []byte("img"))
		require.NoError(t, err)
		require.Equal(t, "abcd", text)
	}
	require.Equal(t, 1, tokenCalls, "access token is cached")
}

func TestBaiduRecognizerDropsInvalidToken(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/ocr", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error_code":110,"error_msg":"Access token invalid or no longer valid"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := NewBaiduRecognizer(BaiduOptions{
		ApiKey:    "api",
		SecretKey: "secret",
		TokenURL:  srv.URL + "/token",
		OcrURL:    srv.URL + "/ocr",
	}, &telemetry.Recorder{})

	_, err := rec.Recognize(context.Background(), []byte("img"))
	require.Error(t, err)
	_, err = rec.Recognize(context.Background(), []byte("img"))
	require.Error(t, err)
	require.Equal(t, 2, tokenCalls)
}
