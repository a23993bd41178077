package clientcrypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	const n = 48
	a, err := Rand(n)
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := Rand(n)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestLoadOrCreateKey_CreatesOnceThenReuses(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "session.key")

	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	require.Len(t, k1, KeyLen)

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestLoadOrCreateKey_RejectsWrongLength(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := LoadOrCreateKey(path)
	require.Error(t, err)
}

func TestDeriveKey_PurposeBound(t *testing.T) {
	t.Parallel()
	master, _ := Rand(KeyLen)

	a, err := DeriveKey(master, "session.json")
	require.NoError(t, err)
	b, _ := DeriveKey(master, "session.json")
	c, _ := DeriveKey(master, "other.json")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestSealOpen_RoundTripAndTamper(t *testing.T) {
	t.Parallel()
	key, _ := Rand(KeyLen)
	aad := []byte("shepherd/session.json")
	pt := []byte(`{"shepherd.access_token":"abc"}`)

	blob, err := Seal(key, aad, pt)
	require.NoError(t, err)

	out, err := Open(key, aad, blob)
	require.NoError(t, err)
	require.Equal(t, pt, out)

	_, err = Open(key, []byte("other"), blob)
	require.Error(t, err, "aad mismatch must fail")

	blob[len(blob)-1] ^= 0xff
	_, err = Open(key, aad, blob)
	require.Error(t, err, "tampered blob must fail")

	_, err = Open(key, aad, []byte{1, 2})
	require.ErrorIs(t, err, ErrShortBlob)
}
