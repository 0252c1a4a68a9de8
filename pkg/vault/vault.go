package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/netsnap/netsnap/pkg/types"
)

// keySize is the AES-256 key length the vault operates with
const keySize = 32

// Vault handles encryption and decryption of device credentials at rest
// using AES-256-GCM. Ciphertexts are URL-safe base64 with the nonce
// prepended; rotating the key invalidates prior ciphertexts.
type Vault struct {
	key []byte
}

// New creates a vault from raw key material. The material is truncated to
// 32 bytes and right-padded with zero bytes, so any operator-supplied
// secret yields a usable AES-256 key.
func New(keyMaterial string) (*Vault, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("vault key material cannot be empty")
	}

	key := make([]byte, keySize)
	copy(key, keyMaterial)

	return &Vault{key: key}, nil
}

// Encrypt seals plaintext and returns opaque URL-safe base64 text
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("cannot encrypt empty credential")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Failures are reported as
// types.ErrCredentialDecrypt without leaking key state.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", fmt.Errorf("%w: empty ciphertext", types.ErrCredentialDecrypt)
	}

	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", types.ErrCredentialDecrypt)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("%w: cipher init", types.ErrCredentialDecrypt)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: cipher init", types.ErrCredentialDecrypt)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", types.ErrCredentialDecrypt)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w", types.ErrCredentialDecrypt)
	}

	return string(plaintext), nil
}
