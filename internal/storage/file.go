package storage

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/and161185/shepherd/internal/crypto/clientcrypto"
)

// DefaultDir returns the per-user directory for shepherd state.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "shepherd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "shepherd")
}

// File is a Backend persisted as a single JSON document, optionally sealed at rest.
// Every read consults the file so writes made by other processes become visible.
// Changes are detected by content digest, so rewrites that keep size and mtime
// are still seen.
type File struct {
	path string
	key  []byte

	mu     sync.Mutex
	data   map[string]string
	sum    [sha256.Size]byte
	loaded bool
	// foreign holds keys changed by other writers and not yet reported by Watch.
	foreign map[string]struct{}
}

var _ Backend = (*File)(nil)

// NewFile returns a File backend at path. A non-nil key seals the document with clientcrypto.
func NewFile(path string, key []byte) *File {
	return &File{path: path, key: key, data: map[string]string{}, foreign: map[string]struct{}{}}
}

// OpenFile prepares a File backend in dir, creating or loading the sealing key when encrypt is set.
func OpenFile(dir string, encrypt bool) (*File, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	var key []byte
	if encrypt {
		master, err := clientcrypto.LoadOrCreateKey(filepath.Join(dir, "session.key"))
		if err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
		key, err = clientcrypto.DeriveKey(master, "session.json")
		if err != nil {
			return nil, err
		}
	}
	return NewFile(filepath.Join(dir, "session.json"), key), nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// Get implements Backend.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadLocked(); err != nil {
		return "", false, err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

// Set implements Backend.
func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadLocked(); err != nil {
		return err
	}
	f.data[key] = value
	return f.flushLocked()
}

// Remove implements Backend.
func (f *File) Remove(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadLocked(); err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.flushLocked()
}

// Keys implements Backend.
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadLocked(); err != nil {
		return nil, err
	}
	return filterKeys(f.data, prefix), nil
}

// Watch polls the file every interval and reports keys changed by other writers.
// It returns when ctx is done.
func (f *File) Watch(ctx context.Context, interval time.Duration, fn func(changed []string)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changed := f.poll(); len(changed) > 0 {
				fn(changed)
			}
		}
	}
}

func (f *File) poll() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadLocked(); err != nil {
		return nil
	}
	if len(f.foreign) == 0 {
		return nil
	}
	changed := make([]string, 0, len(f.foreign))
	for k := range f.foreign {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	clear(f.foreign)
	return changed
}

func (f *File) reloadLocked() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.replaceLocked(map[string]string{})
		f.sum = [sha256.Size]byte{}
		return nil
	}
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	if f.loaded && sum == f.sum {
		return nil
	}
	if f.key != nil {
		raw, err = clientcrypto.Open(f.key, f.aad(), raw)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.path, err)
		}
	}
	data := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("decode %s: %w", f.path, err)
		}
	}
	f.replaceLocked(data)
	f.sum = sum
	return nil
}

// replaceLocked installs data read from disk and queues the keys that differ
// for Watch. The first load is a baseline, not a change.
func (f *File) replaceLocked(data map[string]string) {
	if f.loaded {
		for k, v := range data {
			if old, ok := f.data[k]; !ok || old != v {
				f.foreign[k] = struct{}{}
			}
		}
		for k := range f.data {
			if _, ok := data[k]; !ok {
				f.foreign[k] = struct{}{}
			}
		}
	}
	f.data = data
	f.loaded = true
}

func (f *File) flushLocked() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	if f.key != nil {
		raw, err = clientcrypto.Seal(f.key, f.aad(), raw)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}
	f.sum = sha256.Sum256(raw)
	f.loaded = true
	return nil
}

func (f *File) aad() []byte { return []byte("shepherd/" + filepath.Base(f.path)) }
