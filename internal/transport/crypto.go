package transport

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const keySize = 32

// keySalt pins passphrase-derived keys to this protocol version so every
// peer derives the same topic key from the same passphrase.
var keySalt = []byte("qahub/1/session-key")

// DeriveKey derives a deterministic symmetric topic key from a passphrase.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is empty")
	}
	return scrypt.Key([]byte(passphrase), keySalt, 1<<15, 8, 1, keySize)
}

// Seal encrypts data with a random nonce prefix.
func Seal(data, key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, errors.New("invalid key size")
	}
	var k [keySize]byte
	copy(k[:], key)
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], data, &nonce, &k), nil
}

// Open decrypts data produced by Seal.
func Open(sealed, key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, errors.New("invalid key size")
	}
	if len(sealed) < 24 {
		return nil, errors.New("ciphertext too short")
	}
	var k [keySize]byte
	copy(k[:], key)
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	out, ok := secretbox.Open(nil, sealed[24:], &nonce, &k)
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return out, nil
}
