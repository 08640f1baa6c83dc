package httpclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Jar is a cookie jar that can be emptied and persisted. The backend
// session lives entirely in its cookies, so forgetting a session locally
// means resetting the jar.
type Jar struct {
	mu    sync.RWMutex
	inner *cookiejar.Jar
}

var _ http.CookieJar = (*Jar)(nil)

func NewJar() *Jar {
	return &Jar{inner: newCookieJar()}
}

func newCookieJar() *cookiejar.Jar {
	// cookiejar.New only fails on a nil PublicSuffixList implementation.
	j, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return j
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.inner.SetCookies(u, cookies)
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inner.Cookies(u)
}

// Reset drops every cookie.
func (j *Jar) Reset() {
	j.mu.Lock()
	j.inner = newCookieJar()
	j.mu.Unlock()
}

type savedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Save writes the cookies held for u to path, replacing the file
// atomically. An empty jar removes the file.
func (j *Jar) Save(u *url.URL, path string) error {
	cookies := j.Cookies(u)
	if len(cookies) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	out := make([]savedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, savedCookie{Name: c.Name, Value: c.Value})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores cookies previously saved for u. A missing file is not an
// error.
func (j *Jar) Load(u *url.URL, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var saved []savedCookie
	if err := json.Unmarshal(b, &saved); err != nil {
		return fmt.Errorf("cookie file %s: %w", path, err)
	}
	cookies := make([]*http.Cookie, 0, len(saved))
	for _, s := range saved {
		cookies = append(cookies, &http.Cookie{Name: s.Name, Value: s.Value, Path: "/"})
	}
	j.SetCookies(u, cookies)
	return nil
}
