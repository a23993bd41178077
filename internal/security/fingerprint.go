package security

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/shepherd/internal/storage"
)

// Environment is the tuple a fingerprint is computed over.
type Environment struct {
	UserAgent      string `json:"userAgent"`
	Language       string `json:"language"`
	ScreenWidth    int    `json:"screenWidth"`
	ScreenHeight   int    `json:"screenHeight"`
	ColorDepth     int    `json:"colorDepth"`
	TimezoneOffset int    `json:"timezoneOffset"` // minutes behind UTC
	Platform       string `json:"platform"`
	CookiesEnabled bool   `json:"cookiesEnabled"`
}

// CurrentEnvironment describes the running process and its terminal.
func CurrentEnvironment(userAgent string) Environment {
	_, offset := time.Now().Zone()
	return Environment{
		UserAgent:      userAgent,
		Language:       language(),
		ScreenWidth:    envInt("COLUMNS"),
		ScreenHeight:   envInt("LINES"),
		ColorDepth:     colorDepth(),
		TimezoneOffset: -offset / 60,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CookiesEnabled: true,
	}
}

func language() string {
	for _, k := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(k); v != "" {
			v, _, _ = strings.Cut(v, ".")
			return strings.ReplaceAll(v, "_", "-")
		}
	}
	return "en-US"
}

func envInt(key string) int {
	n, _ := strconv.Atoi(os.Getenv(key))
	return n
}

func colorDepth() int {
	switch ct := os.Getenv("COLORTERM"); {
	case ct == "truecolor" || ct == "24bit":
		return 24
	case strings.Contains(os.Getenv("TERM"), "256color"):
		return 8
	}
	return 4
}

// Fingerprint hashes e with a 31-multiplier string hash and renders it in base 36.
// It is a continuity hint, not an identifier.
func Fingerprint(e Environment) string {
	s := strings.Join([]string{
		e.UserAgent,
		e.Language,
		strconv.Itoa(e.ScreenWidth) + "x" + strconv.Itoa(e.ScreenHeight),
		strconv.Itoa(e.ColorDepth),
		strconv.Itoa(e.TimezoneOffset),
		e.Platform,
		strconv.FormatBool(e.CookiesEnabled),
	}, "|")
	var h int32
	for _, r := range s {
		h = h*31 + r
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// FingerprintStore remembers the first fingerprint seen for a session.
type FingerprintStore struct {
	b storage.Backend
}

// NewFingerprintStore keeps the fingerprint in b.
func NewFingerprintStore(b storage.Backend) *FingerprintStore {
	return &FingerprintStore{b: b}
}

// Check stores fp on first use and reports whether it matches the stored one.
func (s *FingerprintStore) Check(ctx context.Context, fp string) (bool, error) {
	stored, ok, err := s.b.Get(ctx, storage.KeyFingerprint)
	if err != nil {
		return false, err
	}
	if !ok || stored == "" {
		return true, s.b.Set(ctx, storage.KeyFingerprint, fp)
	}
	return stored == fp, nil
}
