package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
)

func TestEncryptDecrypt(t *testing.T) {
	key := DeriveKey("machine-1")

	sealed, err := Encrypt([]byte("bearer-token"), key)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "bearer-token")

	again, err := Encrypt([]byte("bearer-token"), key)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce is random")

	plain, err := Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "bearer-token", string(plain))

	_, err = Decrypt(sealed, DeriveKey("machine-2"))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = Decrypt("not base64!", key)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = Decrypt("AAAA", key)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = Encrypt([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveKeyIsStable(t *testing.T) {
	assert.Equal(t, DeriveKey("a"), DeriveKey("a"))
	assert.NotEqual(t, DeriveKey("a"), DeriveKey("b"))
	assert.Len(t, MachineKey(), 32)
}

func TestVault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secure")
	v := NewVault(dir, DeriveKey("test"))

	_, err := v.Load("session")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, v.Store("session", "tok-1"))
	got, err := v.Load("session")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)

	info, err := os.Stat(filepath.Join(dir, "session.cred"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	other := NewVault(dir, DeriveKey("other"))
	_, err = other.Load("session")
	assert.True(t, apperrors.Is(err, apperrors.ErrAuth))

	require.NoError(t, v.Store("../escape", "x"))
	_, err = os.Stat(filepath.Join(dir, "__escape.cred"))
	assert.NoError(t, err)

	require.NoError(t, v.Delete("session"))
	require.NoError(t, v.Delete("session"))
	_, err = v.Load("session")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
