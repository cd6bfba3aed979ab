package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize 每筆上傳的對稱密鑰長度（AES-256）
	KeySize = 32
	// NonceSize 隨密文一起傳遞的 nonce 長度
	NonceSize = 16
	// gcmTagSize AES-GCM 認證標籤長度
	gcmTagSize = 16
)

// Scheme 密文格式版本
type Scheme string

const (
	// SchemeCBC AES-256-CBC + PKCS#7，格式 nonce[16] || ciphertext，無完整性保護
	SchemeCBC Scheme = "aes256cbc"
	// SchemeGCM AES-256-GCM（16 bytes nonce），格式 nonce[16] || ciphertext || tag[16]
	SchemeGCM Scheme = "aes256gcm"
)

var (
	// ErrCryptoFailure 熵來源耗盡或 cipher 初始化失敗
	ErrCryptoFailure = errors.New("crypto failure")
	// ErrDecryptFailure 密鑰錯誤、填充無效或密文損壞
	ErrDecryptFailure = errors.New("decrypt failure")
)

// ParseScheme 解析配置中的加密方案名稱
func ParseScheme(name string) (Scheme, error) {
	switch Scheme(name) {
	case SchemeCBC, SchemeGCM:
		return Scheme(name), nil
	case "":
		return SchemeCBC, nil
	default:
		return "", fmt.Errorf("unknown cipher scheme %q", name)
	}
}

// EncryptedBlob 上傳後交給內容儲存的密文，nonce 隨密文一起傳遞
type EncryptedBlob struct {
	Nonce      []byte
	Ciphertext []byte
}

// Bytes 序列化為 nonce || ciphertext
func (b EncryptedBlob) Bytes() []byte {
	out := make([]byte, 0, len(b.Nonce)+len(b.Ciphertext))
	out = append(out, b.Nonce...)
	return append(out, b.Ciphertext...)
}

// ParseBlob 從線路格式拆出 nonce 與密文
func ParseBlob(data []byte) (EncryptedBlob, error) {
	if len(data) < NonceSize {
		return EncryptedBlob{}, fmt.Errorf("%w: blob shorter than nonce (%d bytes)", ErrDecryptFailure, len(data))
	}
	return EncryptedBlob{
		Nonce:      data[:NonceSize:NonceSize],
		Ciphertext: data[NonceSize:],
	}, nil
}

// BlobCipher 每次上傳產生新密鑰與 nonce 的加解密單元
type BlobCipher struct {
	scheme Scheme
	random io.Reader
}

// NewBlobCipher 創建加解密單元
func NewBlobCipher(scheme Scheme) (*BlobCipher, error) {
	return newBlobCipher(scheme, rand.Reader)
}

func newBlobCipher(scheme Scheme, random io.Reader) (*BlobCipher, error) {
	if scheme != SchemeCBC && scheme != SchemeGCM {
		return nil, fmt.Errorf("unknown cipher scheme %q", scheme)
	}
	return &BlobCipher{scheme: scheme, random: random}, nil
}

// Scheme 返回此單元使用的格式
func (c *BlobCipher) Scheme() Scheme {
	return c.scheme
}

// Encrypt 以新的隨機密鑰與 nonce 加密，返回密文與密鑰
// 密鑰是唯一需要保密的輸出
func (c *BlobCipher) Encrypt(plaintext []byte) (EncryptedBlob, []byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(c.random, key); err != nil {
		return EncryptedBlob{}, nil, fmt.Errorf("%w: failed to generate key: %v", ErrCryptoFailure, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return EncryptedBlob{}, nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrCryptoFailure, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedBlob{}, nil, fmt.Errorf("%w: failed to create cipher: %v", ErrCryptoFailure, err)
	}

	var ciphertext []byte
	switch c.scheme {
	case SchemeGCM:
		aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
		if err != nil {
			return EncryptedBlob{}, nil, fmt.Errorf("%w: failed to create gcm: %v", ErrCryptoFailure, err)
		}
		ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	default:
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		ciphertext = make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, nonce).CryptBlocks(ciphertext, padded)

		// 使用完後清零填充後的明文副本
		for i := range padded {
			padded[i] = 0
		}
	}

	return EncryptedBlob{Nonce: nonce, Ciphertext: ciphertext}, key, nil
}

// Decrypt 以指定密鑰解密
// CBC 格式沒有認證標籤：解密成功不代表內容未被竄改
func (c *BlobCipher) Decrypt(blob EncryptedBlob, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrDecryptFailure, KeySize, len(key))
	}
	if len(blob.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrDecryptFailure, NonceSize, len(blob.Nonce))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrDecryptFailure, err)
	}

	switch c.scheme {
	case SchemeGCM:
		if len(blob.Ciphertext) < gcmTagSize {
			return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrDecryptFailure)
		}
		aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create gcm: %v", ErrDecryptFailure, err)
		}
		plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: authentication failed", ErrDecryptFailure)
		}
		return plaintext, nil
	default:
		if len(blob.Ciphertext) == 0 || len(blob.Ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecryptFailure)
		}
		padded := make([]byte, len(blob.Ciphertext))
		cipher.NewCBCDecrypter(block, blob.Nonce).CryptBlocks(padded, blob.Ciphertext)
		plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}
}

// DecryptBytes 解密線路格式 nonce || ciphertext
func (c *BlobCipher) DecryptBytes(data, key []byte) ([]byte, error) {
	blob, err := ParseBlob(data)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(blob, key)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+padLen), data...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length", ErrDecryptFailure)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailure)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptFailure)
		}
	}
	return data[:len(data)-padLen], nil
}
