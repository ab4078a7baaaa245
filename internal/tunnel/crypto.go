package tunnel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Method is a stream encryption method.
type Method uint8

const (
	MethodNone Method = iota
	MethodAES128GCM
	MethodAES256GCM
	MethodChaCha20Poly1305
	MethodXChaCha20Poly1305
)

var methodNames = map[Method]string{
	MethodNone:              "none",
	MethodAES128GCM:         "aes-128-gcm",
	MethodAES256GCM:         "aes-256-gcm",
	MethodChaCha20Poly1305:  "chacha20-poly1305",
	MethodXChaCha20Poly1305: "xchacha20-poly1305",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// ParseMethod parses a configured encryption method name. An empty name
// means no encryption.
func ParseMethod(name string) (Method, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "plain" {
		return MethodNone, nil
	}
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
}

// KeySize returns the AEAD key size for m, or 0 for MethodNone.
func (m Method) KeySize() int {
	switch m {
	case MethodAES128GCM:
		return 16
	case MethodAES256GCM, MethodChaCha20Poly1305, MethodXChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		return 0
	}
}

// KeySeedSize is the size of the random seed carried in an Open request.
const KeySeedSize = 32

var (
	// ErrInvalidKeySize is returned when the key does not match the method.
	ErrInvalidKeySize = errors.New("invalid key size")
	// ErrCiphertextTooShort is returned when ciphertext is shorter than nonce + tag.
	ErrCiphertextTooShort = fmt.Errorf("%w: ciphertext too short", ErrCorruptPayload)
	// ErrDecryptionFailed is returned when decryption fails (authentication failed).
	ErrDecryptionFailed = fmt.Errorf("%w: decryption failed", ErrCorruptPayload)
)

// GenerateKeySeed returns a fresh random seed for one stream.
func GenerateKeySeed() ([]byte, error) {
	seed := make([]byte, KeySeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key seed: %w", err)
	}
	return seed, nil
}

// DeriveStreamKey derives the AEAD key for m from a per-stream seed using HKDF.
// Both ends of a stream derive the same key from the seed in the Open request.
func DeriveStreamKey(seed []byte, m Method) ([]byte, error) {
	size := m.KeySize()
	if size == 0 {
		return nil, nil
	}
	if len(seed) != KeySeedSize {
		return nil, ErrInvalidKeySize
	}

	salt := []byte("orris-relay-stream-v1")
	reader := hkdf.New(sha256.New, seed, salt, []byte(m.String()))
	key := make([]byte, size)
	if _, err := reader.Read(key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Cipher provides encryption and decryption for stream payloads.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Overhead() int
}

// NewCipher creates the cipher for m. MethodNone returns a nil Cipher.
func NewCipher(m Method, key []byte) (Cipher, error) {
	if m == MethodNone {
		return nil, nil
	}
	if _, ok := methodNames[m]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, m)
	}
	if len(key) != m.KeySize() {
		return nil, ErrInvalidKeySize
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch m {
	case MethodAES128GCM, MethodAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", m, err)
		}
		aead, err = cipher.NewGCM(block)
	case MethodChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	case MethodXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", m, err)
	}

	return &AEADCipher{aead: aead}, nil
}

// AEADCipher implements Cipher with a random nonce per message.
type AEADCipher struct {
	aead cipher.AEAD
}

// Overhead returns the bytes added to each message.
func (c *AEADCipher) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}

// Encrypt encrypts plaintext and returns [nonce][ciphertext+tag].
func (c *AEADCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()

	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return c.aead.Seal(out, out[:nonceSize], plaintext, nil), nil
}

// Decrypt decrypts ciphertext in format [nonce][ciphertext+tag].
func (c *AEADCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize+c.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
