// Package storage persists session state behind a uniform key/value adapter.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Persisted keys.
const (
	KeyAccessToken  = "shepherd.access_token"
	KeyRefreshToken = "shepherd.refresh_token"
	KeyTokenMeta    = "shepherd.token_meta"
	KeyUser         = "shepherd.user"
	KeySessionID    = "shepherd.session_id"
	KeyLastActivity = "shepherd.last_activity"
	KeyRememberMe   = "shepherd.remember_me"
	KeyFingerprint  = "shepherd.fingerprint"
	KeyCSRF         = "shepherd.csrf"

	// CookiePrefix namespaces cookie records inside a backend.
	CookiePrefix = "cookie:"
)

// sessionKeys are removed by Session.Clear, together with every cookie.
var sessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyTokenMeta,
	KeyUser,
	KeySessionID,
	KeyLastActivity,
	KeyRememberMe,
}

// Backend is a flat string key/value store.
type Backend interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Remove deletes keys; missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	// Keys lists stored keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Memory is a process-local Backend. It also serves as session-scoped storage.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Backend = (*Memory)(nil)

// NewMemory constructs an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Remove implements Backend.
func (m *Memory) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Keys implements Backend.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterKeys(m.data, prefix), nil
}

// Noop is the Backend for environments without persistence: writes vanish, reads miss.
type Noop struct{}

var _ Backend = Noop{}

// Get implements Backend.
func (Noop) Get(context.Context, string) (string, bool, error) { return "", false, nil }

// Set implements Backend.
func (Noop) Set(context.Context, string, string) error { return nil }

// Remove implements Backend.
func (Noop) Remove(context.Context, ...string) error { return nil }

// Keys implements Backend.
func (Noop) Keys(context.Context, string) ([]string, error) { return nil, nil }

func filterKeys(data map[string]string, prefix string) []string {
	out := make([]string, 0)
	for k := range data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
