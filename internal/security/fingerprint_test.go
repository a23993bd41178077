package security

import (
	"context"
	"strconv"
	"testing"

	"github.com/and161185/shepherd/internal/storage"
	"github.com/stretchr/testify/require"
)

func sampleEnv() Environment {
	return Environment{
		UserAgent:      "shepherd/1.0",
		Language:       "en-GB",
		ScreenWidth:    1920,
		ScreenHeight:   1080,
		ColorDepth:     24,
		TimezoneOffset: -60,
		Platform:       "linux/amd64",
		CookiesEnabled: true,
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	t.Parallel()
	a := Fingerprint(sampleEnv())
	require.Equal(t, a, Fingerprint(sampleEnv()))

	_, err := strconv.ParseInt(a, 36, 64)
	require.NoError(t, err)
	require.NotContains(t, a, "-")

	other := sampleEnv()
	other.TimezoneOffset = 300
	require.NotEqual(t, a, Fingerprint(other))
}

func TestFingerprint_KnownValue(t *testing.T) {
	t.Parallel()
	// "a|b|0x0|0|0|c|false" hashed by hand with wrap-around at 32 bits.
	var h int32
	for _, r := range "a|b|0x0|0|0|c|false" {
		h = h*31 + r
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	got := Fingerprint(Environment{UserAgent: "a", Language: "b", Platform: "c"})
	require.Equal(t, strconv.FormatInt(v, 36), got)
}

func TestCurrentEnvironment(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "de_DE.UTF-8")
	t.Setenv("COLORTERM", "truecolor")
	env := CurrentEnvironment("shepherd/test")
	require.Equal(t, "de-DE", env.Language)
	require.Equal(t, 24, env.ColorDepth)
	require.Equal(t, "shepherd/test", env.UserAgent)
	require.True(t, env.CookiesEnabled)
}

func TestFingerprintStore_Check(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewFingerprintStore(storage.NewMemory())

	ok, err := s.Check(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Check(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Check(ctx, "xyz")
	require.NoError(t, err)
	require.False(t, ok)
}
