package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"shipflow/lib/osutil"
	"time"
)

// StoredCookie is one cookie in the cache file.
type StoredCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
	// Expires is nil for session cookies.
	Expires *time.Time `json:"expiry,omitempty"`
}

// CookieStore persists a backend's cookies between runs.
type CookieStore struct {
	path string
	now  func() time.Time
}

func NewCookieStore(path string) CookieStore {
	return CookieStore{path: path, now: time.Now}
}

// CookiePath names the cache file of one backend.
func CookiePath(prefix, backend string) string {
	return fmt.Sprintf("%s.%s.json", prefix, backend)
}

func (s CookieStore) Path() string {
	return s.path
}

// Load returns the unexpired cookies in the cache, a missing file is not an error.
func (s CookieStore) Load() ([]*http.Cookie, error) {
	if s.path == "" {
		return nil, nil
	}
	content, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stored []StoredCookie
	err = json.Unmarshal(content, &stored)
	if err != nil {
		return nil, fmt.Errorf("decode cookie cache %s: %w", s.path, err)
	}

	now := s.now()
	cookies := []*http.Cookie{}
	for _, c := range stored {
		cookie := &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		}
		if c.Expires != nil {
			if !c.Expires.After(now) {
				continue
			}
			cookie.Expires = *c.Expires
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (s CookieStore) Save(cookies []*http.Cookie) error {
	if s.path == "" {
		return nil
	}
	stored := make([]StoredCookie, 0, len(cookies))
	for _, c := range cookies {
		out := StoredCookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		}
		if !c.Expires.IsZero() {
			expires := c.Expires.UTC()
			out.Expires = &expires
		}
		stored = append(stored, out)
	}
	content, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(s.path, content, 0600)
}

func (s CookieStore) Clear() error {
	if s.path == "" {
		return nil
	}
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
