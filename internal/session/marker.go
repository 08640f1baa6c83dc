package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MarkerStore holds the forced-logout marker. Every process sharing the
// backend session reads it at startup and drops its cached session when
// the marker is present.
type MarkerStore interface {
	Set(ctx context.Context) error
	// Consume reports whether the marker was present and removes it in
	// the same step, so only one reader observes it.
	Consume(ctx context.Context) (bool, error)
	Clear(ctx context.Context) error
}

type MarkerOptions struct {
	RedisDSN    string
	DatabaseURL string
	Path        string
	// Scope separates markers of unrelated sessions sharing one store.
	Scope string
	// Instance identifies the writing process in file markers.
	Instance string
}

// NewMarkerStore picks the best available store:
// Redis > Postgres > file > in-memory (dev fallback).
// In production a shared store or a file path is required.
func NewMarkerStore(opts MarkerOptions, isProd bool) (MarkerStore, error) {
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = "default"
	}
	switch {
	case opts.RedisDSN != "":
		return newRedisMarker(opts.RedisDSN, scope), nil
	case opts.DatabaseURL != "":
		return newPostgresMarker(opts.DatabaseURL, scope), nil
	case opts.Path != "":
		return NewFileMarker(opts.Path, opts.Instance), nil
	}
	if isProd {
		return nil, errors.New("production requires SESSION_REDIS_DSN, SESSION_DATABASE_URL or SESSION_MARKER_PATH for the logout marker; in-memory store is not allowed")
	}
	return NewMemoryMarker(), nil
}

// MemoryMarker only propagates within one process.
type MemoryMarker struct {
	mu  sync.Mutex
	set bool
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{}
}

func (m *MemoryMarker) Set(context.Context) error {
	m.mu.Lock()
	m.set = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryMarker) Consume(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.set
	m.set = false
	return was, nil
}

func (m *MemoryMarker) Clear(context.Context) error {
	m.mu.Lock()
	m.set = false
	m.mu.Unlock()
	return nil
}

type markerFile struct {
	Instance string    `json:"instance"`
	At       time.Time `json:"at"`
}

// FileMarker keeps the marker as a file. Removal is the atomic consume.
type FileMarker struct {
	path     string
	instance string
}

func NewFileMarker(path, instance string) *FileMarker {
	return &FileMarker{path: path, instance: instance}
}

func (f *FileMarker) Path() string { return f.path }

func (f *FileMarker) Set(context.Context) error {
	b, err := json.Marshal(markerFile{Instance: f.instance, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileMarker) Consume(context.Context) (bool, error) {
	err := os.Remove(f.path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (f *FileMarker) Clear(ctx context.Context) error {
	_, err := f.Consume(ctx)
	return err
}

// readMarkerWriter returns the instance that wrote the marker file, or false when
// there is no readable marker.
func readMarkerWriter(path string) (string, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var mf markerFile
	if err := json.Unmarshal(b, &mf); err != nil {
		// Written by something else; still a marker.
		return "", true
	}
	return mf.Instance, true
}
