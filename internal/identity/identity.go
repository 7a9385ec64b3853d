package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/qahub/qahub/internal/protocol"
)

// Signer produces a stable public address and signs message envelopes.
type Signer interface {
	Address() string
	Sign(env *protocol.Envelope) error
}

// Identity is an ed25519 signing identity.
type Identity struct {
	priv ed25519.PrivateKey
	addr string
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, addr: protocol.AddressFromPublicKey(pub)}, nil
}

// FromSeed restores an identity from a 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("invalid seed size")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{priv: priv, addr: protocol.AddressFromPublicKey(pub)}, nil
}

func (i *Identity) Address() string {
	return i.addr
}

func (i *Identity) Sign(env *protocol.Envelope) error {
	return env.Sign(i.priv)
}

// keyFile is the encrypted on-disk key format.
type keyFile struct {
	Salt   string `json:"salt"`
	Sealed string `json:"sealed"`
}

// Load reads the encrypted key file, creating a new identity on first run.
func Load(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := save(path, passphrase, id.priv.Seed()); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("corrupt key file: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("corrupt key file: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Sealed)
	if err != nil {
		return nil, fmt.Errorf("corrupt key file: %w", err)
	}
	key, err := deriveFileKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	seed, err := openSealed(sealed, key)
	if err != nil {
		return nil, errors.New("wrong passphrase or corrupt key file")
	}
	return FromSeed(seed)
}

func save(path, passphrase string, seed []byte) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key, err := deriveFileKey(passphrase, salt)
	if err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	var k [32]byte
	copy(k[:], key)
	sealed := secretbox.Seal(nonce[:], seed, &nonce, &k)

	kf := keyFile{
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Sealed: base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.Marshal(kf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func deriveFileKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
}

func openSealed(sealed, key []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("ciphertext too short")
	}
	var k [32]byte
	copy(k[:], key)
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	out, ok := secretbox.Open(nil, sealed[24:], &nonce, &k)
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return out, nil
}
