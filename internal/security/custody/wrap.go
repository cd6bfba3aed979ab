package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeyLength Master Key 長度
const MasterKeyLength = 32

var wrapInfo = []byte("custody-gateway key wrapping v1")

// ErrUnwrap 包裝後的密鑰無法解開（Master Key 不符或資料損壞）
var ErrUnwrap = errors.New("failed to unwrap key material")

// Wrapper 在寫入持久化後端前，用 Master Key 派生的 KEK 包裝密鑰
type Wrapper struct {
	aead cipher.AEAD
}

// NewWrapper 由 Master Key 透過 HKDF 派生 KEK
func NewWrapper(masterKey []byte) (*Wrapper, error) {
	if len(masterKey) != MasterKeyLength {
		return nil, fmt.Errorf("master key must be %d bytes (256 bits)", MasterKeyLength)
	}

	kek := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, wrapInfo), kek); err != nil {
		return nil, fmt.Errorf("failed to derive KEK: %w", err)
	}
	defer func() {
		for i := range kek {
			kek[i] = 0
		}
	}()

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &Wrapper{aead: aead}, nil
}

// Wrap 返回 nonce || ciphertext || tag
// docID 作為附加認證資料，包裝後的密鑰只能在同一份文檔中解開
func (w *Wrapper) Wrap(material []byte, docID string) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return w.aead.Seal(nonce, nonce, material, []byte(docID)), nil
}

// Unwrap 解開 Wrap 的輸出，docID 必須與包裝時相同
func (w *Wrapper) Unwrap(wrapped []byte, docID string) ([]byte, error) {
	ns := w.aead.NonceSize()
	if len(wrapped) < ns+w.aead.Overhead() {
		return nil, ErrUnwrap
	}
	material, err := w.aead.Open(nil, wrapped[:ns], wrapped[ns:], []byte(docID))
	if err != nil {
		return nil, ErrUnwrap
	}
	return material, nil
}
