package pseudonym

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// Deterministic pseudonymizes values locally with AES-CBC under a process
// key. The IV is derived from the input, so the same (value, domain) pair
// always yields the same token within the key's lifetime; the mapping is
// reconstructible without being stored anywhere. The pipeline never
// decrypts: only the short token derived from the ciphertext leaves the
// engine.
type Deterministic struct {
	block cipher.Block
}

// NewDeterministic creates the local strategy from raw key material.
func NewDeterministic(key []byte) (*Deterministic, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "pseudonym: init cipher")
	}
	return &Deterministic{block: block}, nil
}

// Pseudonymize returns a stable 16-hex-character token for (value, domain).
// The value is NFC-normalized first so differently encoded spellings of the
// same identifier collapse to one token.
func (d *Deterministic) Pseudonymize(_ context.Context, value, domain string) (string, error) {
	if value == "" {
		return "", eris.New("pseudonym: empty value")
	}
	plaintext := []byte(domain + ":" + norm.NFC.String(value))

	iv := deriveIV(plaintext)
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(d.block, iv).CryptBlocks(ciphertext, padded)

	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])[:16], nil
}

// deriveIV generates a deterministic IV from a SHA-256 hash of the input,
// so encrypting the same input always yields the same ciphertext.
func deriveIV(plaintext []byte) []byte {
	sum := sha256.Sum256(plaintext)
	return sum[:aes.BlockSize]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}
