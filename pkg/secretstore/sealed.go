package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EncryptToString seals plaintext with AES-GCM and returns base64(nonce|ciphertext).
func EncryptToString(masterKey []byte, plaintext string) (string, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ct...)), nil
}

// DecryptFromString reverses EncryptToString.
func DecryptFromString(masterKey []byte, enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	pt, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func newGCM(masterKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ReadSealedFile decrypts a file written by WriteSealedFile.
// It returns os.ErrNotExist (wrapped) when the file is missing.
func ReadSealedFile(path string, masterKey []byte) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read sealed file %s: %w", path, err)
	}
	enc := strings.TrimSpace(string(b))
	if enc == "" {
		return "", fmt.Errorf("sealed file is empty: %s", path)
	}
	pt, err := DecryptFromString(masterKey, enc)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", path, err)
	}
	return pt, nil
}

// WriteSealedFile encrypts plaintext into path with 0600 permissions.
func WriteSealedFile(path string, masterKey []byte, plaintext string) error {
	enc, err := EncryptToString(masterKey, plaintext)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(enc), 0o600)
}
