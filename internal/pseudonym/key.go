package pseudonym

import (
	"crypto/rand"
	"os"

	"github.com/rotisserie/eris"
)

// Key sizes accepted for the deterministic strategy (AES-128/192/256).
func validKeySize(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// LoadKey reads the symmetric key from a protected key file. A missing or
// malformed key with pseudonymization enabled is a configuration error and
// fails the process at startup.
func LoadKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pseudonym: read key file %s", path)
	}
	if !validKeySize(len(key)) {
		return nil, eris.Errorf("pseudonym: key file %s has invalid size %d (want 16, 24 or 32 bytes)", path, len(key))
	}
	return key, nil
}

// GenerateKey writes a fresh 32-byte key to path with 0600 permissions.
// It refuses to overwrite an existing key: replacing the key breaks the
// linkage of every previously issued token and must be an explicit,
// operator-driven step.
func GenerateKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return eris.Errorf("pseudonym: key file %s already exists, refusing to overwrite", path)
	} else if !os.IsNotExist(err) {
		return eris.Wrapf(err, "pseudonym: stat key file %s", path)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return eris.Wrap(err, "pseudonym: generate key material")
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return eris.Wrapf(err, "pseudonym: write key file %s", path)
	}
	return nil
}

// LoadOrCreateKey loads the key, generating one first if the file is absent
// and generation is enabled.
func LoadOrCreateKey(path string, generate bool) ([]byte, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && generate {
		if err := GenerateKey(path); err != nil {
			return nil, err
		}
	}
	return LoadKey(path)
}
