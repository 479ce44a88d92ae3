// Package crypto encrypts broker credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the required key length for AES-256.
	KeySize = 32
	// nonceSize is the GCM nonce length.
	nonceSize = 12
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotFound       = errors.New("encryption key not found")
)

// Encryptor seals and opens strings with a single AES-256-GCM key.
// Ciphertext format: enc:vN:base64(nonce || sealed).
type Encryptor struct {
	key     []byte
	version int
}

// NewEncryptor builds an Encryptor for the given 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key, version: version}, nil
}

// Encrypt seals plaintext and prefixes the key version.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("enc:v%d:%s", e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	_, encoded, err := splitCiphertext(ciphertext)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version this encryptor writes.
func (e *Encryptor) Version() int { return e.version }

// ParseVersion extracts the key version from a ciphertext, 0 if malformed.
func ParseVersion(ciphertext string) int {
	v, _, err := splitCiphertext(ciphertext)
	if err != nil {
		return 0
	}
	return v
}

func splitCiphertext(ciphertext string) (int, string, error) {
	if !strings.HasPrefix(ciphertext, "enc:v") {
		return 0, "", ErrInvalidCiphertext
	}
	rest := ciphertext[len("enc:v"):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	var version int
	if _, err := fmt.Sscanf(rest[:idx], "%d", &version); err != nil || version <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, rest[idx+1:], nil
}

// Keyring holds the credential keys by version so old rows stay readable
// after rotation. Keys come from CREDENTIAL_KEY (v1) and CREDENTIAL_KEY_V2..V10.
type Keyring struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyring loads credential keys from the environment. CREDENTIAL_KEY is
// required; higher versions are optional and the highest present becomes the
// write version.
func NewKeyring() (*Keyring, error) {
	kr := &Keyring{encryptors: make(map[int]*Encryptor)}

	if err := kr.loadKey(1, "CREDENTIAL_KEY"); err != nil {
		return nil, fmt.Errorf("load primary credential key: %w", err)
	}
	kr.currentVer = 1

	for v := 2; v <= 10; v++ {
		if err := kr.loadKey(v, fmt.Sprintf("CREDENTIAL_KEY_V%d", v)); err == nil {
			kr.currentVer = v
		}
	}
	return kr, nil
}

func (kr *Keyring) loadKey(version int, envName string) error {
	keyBase64 := os.Getenv(envName)
	if keyBase64 == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("decode %s: %w", envName, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("encryptor v%d: %w", version, err)
	}
	kr.encryptors[version] = enc
	return nil
}

// Encrypt seals with the current write version.
func (kr *Keyring) Encrypt(plaintext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	enc, ok := kr.encryptors[kr.currentVer]
	if !ok {
		return "", ErrKeyNotFound
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens with whichever key version the ciphertext names.
func (kr *Keyring) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	kr.mu.RLock()
	enc, ok := kr.encryptors[version]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// CurrentVersion returns the write version.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.currentVer
}

// GenerateKey returns a fresh random base64-encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
