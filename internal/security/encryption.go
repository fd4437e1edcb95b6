package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ErrDecrypt is returned when a sealed payload cannot be opened, either
// because it was tampered with or because the passphrase differs.
var ErrDecrypt = errors.New("security: unable to decrypt payload")

// EncryptionConfig holds the scrypt cost parameters
type EncryptionConfig struct {
	SCryptN      int
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int
}

// DefaultEncryptionConfig returns the OWASP-recommended scrypt parameters
func DefaultEncryptionConfig() EncryptionConfig {
	return EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
	}
}

// EncryptedPayload is the on-disk envelope of sealed data
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Sealer encrypts and decrypts payloads with AES-256-GCM under a key derived
// from a passphrase with scrypt. A fresh salt is drawn for every Seal.
type Sealer struct {
	passphrase []byte
	cfg        EncryptionConfig
}

// NewSealer creates a sealer for the passphrase
func NewSealer(passphrase string, cfg EncryptionConfig) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("security: passphrase cannot be empty")
	}
	if cfg.SCryptN < 2 || cfg.SCryptN&(cfg.SCryptN-1) != 0 {
		return nil, fmt.Errorf("security: scrypt N must be a power of two, got %d", cfg.SCryptN)
	}
	if cfg.SCryptKeyLen != 32 {
		return nil, errors.New("security: key length must be 32 for AES-256")
	}
	return &Sealer{passphrase: []byte(passphrase), cfg: cfg}, nil
}

// Seal encrypts plaintext and returns the JSON envelope. The additional data
// is authenticated but not stored.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := EncryptedPayload{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, additional),
	}
	return json.Marshal(payload)
}

// Open decrypts an envelope produced by Seal with the same additional data
func (s *Sealer) Open(data, additional []byte) ([]byte, error) {
	var payload EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}

	gcm, err := s.aead(payload.Salt)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, ErrDecrypt
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, additional)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(s.passphrase, salt, s.cfg.SCryptN, s.cfg.SCryptR, s.cfg.SCryptP, s.cfg.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
