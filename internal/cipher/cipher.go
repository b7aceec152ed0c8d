// Package cipher encrypts login credentials the way the orders portal's login
// page does in the browser: AES-CBC over a zero padded plaintext, base64 encoded.
package cipher

import (
	"bytes"
	"crypto/aes"
	gocipher "crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrInvalidKey = errors.New("invalid dynamic key")
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// DynamicKey is a per-login key/iv pair. It is fetched (or derived) right before a
// login and never reused for another one.
type DynamicKey struct {
	Key []byte
	IV  []byte
}

func (k DynamicKey) validate() error {
	switch len(k.Key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: key length %d", ErrInvalidKey, len(k.Key))
	}
	if len(k.IV) != aes.BlockSize {
		return fmt.Errorf("%w: iv length %d", ErrInvalidKey, len(k.IV))
	}
	return nil
}

// zeroPad always appends between 1 and 16 zero bytes, so an already aligned
// input grows by a whole block. The counterparty decrypts the same way.
func zeroPad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, make([]byte, padLen)...)
}

// Encrypt returns base64(AES-CBC(zeroPad(plaintext))).
func Encrypt(plaintext string, key DynamicKey) (string, error) {
	err := key.validate()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	padded := zeroPad([]byte(plaintext))
	out := make([]byte, len(padded))
	gocipher.NewCBCEncrypter(block, key.IV).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt is the inverse of Encrypt. Trailing zero bytes are stripped, so a
// plaintext that itself ends in NUL does not round trip.
func Decrypt(ciphertext string, key DynamicKey) (string, error) {
	err := key.validate()
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: length %d", ErrInvalidCiphertext, len(raw))
	}
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	out := make([]byte, len(raw))
	gocipher.NewCBCDecrypter(block, key.IV).CryptBlocks(out, raw)
	return string(bytes.TrimRight(out, "\x00")), nil
}
