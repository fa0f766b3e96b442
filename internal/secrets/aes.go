package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/371-Minds/credvault/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000
)

// defaultSalt is used when Config.Salt is empty so that the same master key
// always reduces to the same cipher key.
var defaultSalt = []byte("credvault/master-key/v1")

// Engine encrypts and decrypts opaque payloads with integrity protection.
type Engine interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Config configures master key reduction.
type Config struct {
	MasterKey  string // arbitrary-length master key (required)
	Salt       []byte // PBKDF2 salt (default: defaultSalt)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESEngine encrypts payloads with AES-256-GCM. The nonce is prepended to
// the sealed output.
type AESEngine struct {
	aead cipher.AEAD
}

// NewAESEngine reduces the master key to an AES-256 key once and returns
// the engine. The key is held only inside the AEAD.
func NewAESEngine(cfg Config) (*AESEngine, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESEngine{aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if cfg.MasterKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "master key is required")
	}
	salt := cfg.Salt
	if len(salt) == 0 {
		salt = defaultSalt
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.MasterKey, salt, iterations, keySize)
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *AESEngine) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption, "generate nonce").WithCause(err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any modification of the
// ciphertext yields a DECRYPTION_ERROR.
func (e *AESEngine) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize+e.aead.Overhead() {
		return nil, schema.NewError(schema.ErrCodeDecryption, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDecryption, "decrypt failed: %s", err.Error()).WithCause(err)
	}
	return plaintext, nil
}

// GenerateMasterKey returns 32 random bytes encoded as URL-safe base64.
func GenerateMasterKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

var _ Engine = (*AESEngine)(nil)
