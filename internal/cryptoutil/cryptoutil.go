// Package cryptoutil implements the engine's symmetric encryption contract
// for at-rest secrets: cloud-connector credentials and key-registry private
// key material (§6, §8). The contract is intentionally non-standard — the
// IV equals the key itself, truncated to 16 bytes — and must be preserved
// exactly for compatibility with already-encrypted blobs.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/runnerforge/engine/internal/engineerr"
)

const keyLen = 16

// Cipher encrypts/decrypts text under a fixed 16-byte key, with IV = key.
type Cipher struct {
	key [keyLen]byte
}

// New derives a Cipher from an encryption key of at least 16 bytes; only the
// first 16 bytes are used, matching the original AES-128-CBC contract.
func New(encryptionKey string) (*Cipher, error) {
	keyBytes := []byte(encryptionKey)
	if len(keyBytes) < keyLen {
		return nil, engineerr.New(engineerr.InvalidRequest, "encryption key must be at least 16 bytes")
	}
	c := &Cipher{}
	copy(c.key[:], keyBytes[:keyLen])
	return c, nil
}

// Encrypt returns URL-safe-base64(IV ∥ AES-128-CBC(PKCS7(plaintext))), IV = key.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)

	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, c.key[:])
	mode.CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, keyLen+len(ciphertext))
	out = append(out, c.key[:]...)
	out = append(out, ciphertext...)

	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. The IV embedded in the payload is ignored in
// favor of the configured key, matching the original implementation which
// always re-derives IV = key rather than trusting the embedded bytes.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: base64 decode: %w", err)
	}
	if len(raw) < keyLen {
		return "", engineerr.New(engineerr.InvalidRequest, "ciphertext shorter than IV")
	}
	ciphertext := raw[keyLen:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", engineerr.New(engineerr.InvalidRequest, "ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("cryptoutil: new cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, c.key[:])
	mode.CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}

	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, engineerr.New(engineerr.InvalidRequest, "invalid padded data length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, engineerr.New(engineerr.InvalidRequest, "invalid pkcs7 padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, engineerr.New(engineerr.InvalidRequest, "invalid pkcs7 padding")
		}
	}
	return data[:n-padLen], nil
}
