package cipher

import (
	"context"
	"fmt"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/chrono"
	"shipflow/internal/failure"

	"github.com/go-resty/resty/v2"
)

// KeySource produces a fresh DynamicKey for one login attempt.
type KeySource interface {
	Fetch(ctx context.Context) (DynamicKey, error)
}

// DateKeySource derives the key from the current date: prefix + YYYYMMDD + suffix,
// with a fixed iv.
type DateKeySource struct {
	Prefix string
	Suffix string
	IV     string
	Time   chrono.API
}

func NewDateKeySource(prefix, suffix, iv string, time chrono.API) DateKeySource {
	assert.NotNil(time)
	return DateKeySource{Prefix: prefix, Suffix: suffix, IV: iv, Time: time}
}

func (s DateKeySource) Fetch(ctx context.Context) (DynamicKey, error) {
	key := DynamicKey{
		Key: []byte(s.Prefix + s.Time.Now().Format("20060102") + s.Suffix),
		IV:  []byte(s.IV),
	}
	return key, key.validate()
}

// ServerKeySource asks the backend for a key. The response body is JSON with
// "key" and "iv" string fields.
type ServerKeySource struct {
	http *resty.Client
	path string
}

func NewServerKeySource(client *resty.Client, path string) ServerKeySource {
	assert.NotNil(client)
	assert.NotEmptyStr(path)
	return ServerKeySource{http: client, path: path}
}

type serverKeyResponse struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

func (s ServerKeySource) Fetch(ctx context.Context) (DynamicKey, error) {
	var body serverKeyResponse
	res, err := s.http.R().
		SetContext(ctx).
		SetResult(&body).
		ForceContentType("application/json").
		Get(s.path)
	if err != nil {
		return DynamicKey{}, failure.Network("fetch dynamic key", err)
	}
	if res.IsError() {
		return DynamicKey{}, failure.Network(
			"fetch dynamic key",
			fmt.Errorf("unexpected status %d", res.StatusCode()),
		)
	}

	key := DynamicKey{Key: []byte(body.Key), IV: []byte(body.IV)}
	return key, key.validate()
}
