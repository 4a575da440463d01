package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
)

// SessionAccount names the entry holding the portal bearer token.
const SessionAccount = "session"

// Vault stores encrypted credentials as one file per account under dir.
type Vault struct {
	dir string
	key []byte
}

// NewVault creates a Vault rooted at dir. A nil key uses MachineKey.
func NewVault(dir string, key []byte) *Vault {
	if key == nil {
		key = MachineKey()
	}
	return &Vault{dir: dir, key: key}
}

func (v *Vault) path(account string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(account)
	return filepath.Join(v.dir, safe+".cred")
}

// Store encrypts and writes value for account.
func (v *Vault) Store(account, value string) error {
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to create vault directory", err)
	}
	sealed, err := Encrypt([]byte(value), v.key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encrypt credential", err)
	}
	if err := atomic.WriteFile(v.path(account), bytes.NewReader([]byte(sealed))); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to write credential", err)
	}
	return os.Chmod(v.path(account), 0o600)
}

// Load returns the value for account. A missing credential is ErrNotFound.
func (v *Vault) Load(account string) (string, error) {
	data, err := os.ReadFile(v.path(account))
	if os.IsNotExist(err) {
		return "", apperrors.New(apperrors.ErrNotFound, "credential "+account+" not found")
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to read credential", err)
	}
	value, err := Decrypt(string(data), v.key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrAuth, "failed to decrypt credential", err)
	}
	return string(value), nil
}

// Delete removes the credential for account. Missing credentials are fine.
func (v *Vault) Delete(account string) error {
	if err := os.Remove(v.path(account)); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete credential", err)
	}
	return nil
}
