package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const keyLen = 32

// ErrInvalidKey is returned when the configured encryption key is not 32
// raw bytes.
var ErrInvalidKey = errors.New("store: encryption key must be 32 bytes")

// ErrCiphertextTooShort is returned by decrypt when the stored blob is
// too small to contain a nonce.
var ErrCiphertextTooShort = errors.New("store: ciphertext shorter than nonce")

// aeadCipher encrypts message content at rest with AES-256-GCM, using a
// subkey derived from the configured base key via HKDF so the raw config
// key is never fed straight into the cipher.
type aeadCipher struct {
	gcm cipher.AEAD
}

func newAEADCipher(baseKey []byte) (*aeadCipher, error) {
	if len(baseKey) != keyLen {
		return nil, ErrInvalidKey
	}

	subkey := make([]byte, keyLen)
	kdf := hkdf.New(sha256.New, baseKey, nil, []byte("goatsms message content v1"))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, errors.Wrap(err, "store: deriving content subkey")
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, errors.Wrap(err, "store: building AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "store: building GCM mode")
	}
	return &aeadCipher{gcm: gcm}, nil
}

func (c *aeadCipher) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "store: generating nonce")
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCipher) decrypt(blob []byte) ([]byte, error) {
	n := c.gcm.NonceSize()
	if len(blob) < n {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := blob[:n], blob[n:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: decrypting content")
	}
	return plaintext, nil
}
