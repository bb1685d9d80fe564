// internal/utils/crypto.go
package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// 加密后的设置字段带此前缀，便于区分旧的明文数据
const encryptedPrefix = "enc:"

// deriveKey 取密钥前 32 字节，不足补零
func deriveKey(key string) []byte {
	keyBytes := make([]byte, 32)
	copy(keyBytes, key)
	return keyBytes
}

func newGCM(key string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(key))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts the plaintext using AES-GCM encryption
func Encrypt(plaintext, key string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts the ciphertext using AES-GCM decryption
func Decrypt(ciphertext, key string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, body := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealSecret 加密设置中的密钥字段；key 为空或值为空时原样返回
func SealSecret(value, key string) (string, error) {
	if key == "" || value == "" || strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	ct, err := Encrypt(value, key)
	if err != nil {
		return "", err
	}
	return encryptedPrefix + ct, nil
}

// OpenSecret 解密 SealSecret 的结果；未加密的旧值直接返回
func OpenSecret(value, key string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	if key == "" {
		return "", fmt.Errorf("encrypted value present but no secret key configured")
	}
	return Decrypt(strings.TrimPrefix(value, encryptedPrefix), key)
}
