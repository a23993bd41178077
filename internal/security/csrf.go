// Package security holds advisory helpers: CSRF tokens, environment
// fingerprints and a risk score. Nothing here blocks a request.
package security

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	mrand "math/rand/v2"
	"time"

	"github.com/and161185/shepherd/internal/graphql"
	"github.com/and161185/shepherd/internal/storage"
	"go.uber.org/zap"
)

// CSRF defaults.
const (
	CSRFHeader     = "X-CSRF-Token"
	CSRFField      = "csrf_token"
	DefaultCSRFTTL = 30 * time.Minute
	csrfBytes      = 32
)

// CSRF issues a per-session anti-forgery token and caches it in a backend.
type CSRF struct {
	b   storage.Backend
	ttl time.Duration
	log *zap.Logger
	now func() time.Time
	rnd io.Reader
}

var _ graphql.HeaderProvider = (*CSRF)(nil)

type csrfRecord struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issuedAt"`
}

// NewCSRF caches tokens in b, which should be session scoped.
func NewCSRF(b storage.Backend, ttl time.Duration, log *zap.Logger) *CSRF {
	if b == nil {
		b = storage.NewMemory()
	}
	if ttl <= 0 {
		ttl = DefaultCSRFTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CSRF{b: b, ttl: ttl, log: log, now: time.Now, rnd: rand.Reader}
}

// Token returns the cached token, issuing a new one when absent or older than the TTL.
func (c *CSRF) Token(ctx context.Context) (string, error) {
	raw, ok, err := c.b.Get(ctx, storage.KeyCSRF)
	if err != nil {
		return "", err
	}
	if ok {
		var rec csrfRecord
		if json.Unmarshal([]byte(raw), &rec) == nil && rec.Value != "" && c.now().Sub(rec.IssuedAt) < c.ttl {
			return rec.Value, nil
		}
	}
	return c.Rotate(ctx)
}

// Rotate issues and caches a new token.
func (c *CSRF) Rotate(ctx context.Context) (string, error) {
	rec := csrfRecord{Value: hex.EncodeToString(c.random(csrfBytes)), IssuedAt: c.now()}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := c.b.Set(ctx, storage.KeyCSRF, string(b)); err != nil {
		return "", err
	}
	return rec.Value, nil
}

// Header provides the token as a request header.
func (c *CSRF) Header(ctx context.Context) (string, string, bool) {
	tok, err := c.Token(ctx)
	if err != nil {
		c.log.Warn("csrf token", zap.Error(err))
		return "", "", false
	}
	return CSRFHeader, tok, true
}

// FormField returns the name and value to embed in a form body.
func (c *CSRF) FormField(ctx context.Context) (name, value string, err error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return "", "", err
	}
	return CSRFField, tok, nil
}

func (c *CSRF) random(n int) []byte {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rnd, buf); err == nil {
		return buf
	}
	c.log.Warn("secure random source unavailable, csrf token uses a weaker generator")
	for i := 0; i < n; i += 8 {
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], mrand.Uint64())
		copy(buf[i:], word[:])
	}
	return buf
}
