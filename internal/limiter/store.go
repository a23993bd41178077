package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/and161185/shepherd/internal/storage"
)

// KeyPrefix namespaces limiter records inside a backend. Session clearing leaves them in place.
const KeyPrefix = "shepherd.limiter:"

// Store is a backend-persisted limiter with a sliding window and lockout.
type Store struct {
	b        storage.Backend
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu sync.Mutex
}

var _ Limiter = (*Store)(nil)

type record struct {
	FailCount    int       `json:"failCount"`
	BlockedUntil time.Time `json:"blockedUntil"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewStore constructs a limiter persisting into b.
func NewStore(b storage.Backend, window time.Duration, maxFails int, blockFor time.Duration) *Store {
	return &Store{b: b, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// HashEmail returns a stable key for an address to avoid storing it in clear.
func HashEmail(email string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h[:16])
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *Store) Allow(ctx context.Context, email string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.load(ctx, email)
	if err != nil {
		return false, 0, err
	}
	now := l.now()
	if rec.BlockedUntil.After(now) {
		return false, rec.BlockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for email.
func (l *Store) Success(ctx context.Context, email string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Remove(ctx, KeyPrefix+HashEmail(email))
}

// Failure records a failed attempt; may set a block until a future time.
func (l *Store) Failure(ctx context.Context, email string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.load(ctx, email)
	if err != nil {
		return false, 0, err
	}
	now := l.now()
	if now.Sub(rec.UpdatedAt) > l.window {
		rec.FailCount = 0
	}
	rec.FailCount++
	rec.UpdatedAt = now

	blocked := false
	if rec.FailCount >= l.maxFails {
		rec.BlockedUntil = now.Add(l.blockFor)
		rec.FailCount = 0
		blocked = true
	}
	if err := l.save(ctx, email, rec); err != nil {
		return false, 0, err
	}
	if blocked {
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

func (l *Store) load(ctx context.Context, email string) (record, error) {
	raw, ok, err := l.b.Get(ctx, KeyPrefix+HashEmail(email))
	if err != nil || !ok {
		return record{}, err
	}
	var rec record
	if json.Unmarshal([]byte(raw), &rec) != nil {
		return record{}, nil
	}
	return rec, nil
}

func (l *Store) save(ctx context.Context, email string, rec record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.b.Set(ctx, KeyPrefix+HashEmail(email), string(b))
}
