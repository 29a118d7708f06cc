package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// nonceLength is the secretbox nonce size.
const nonceLength = 24

// MaxPayloadSize bounds symmetric encryption inputs to prevent excessive
// memory usage on malformed server data (16 MiB).
const MaxPayloadSize = 16 * 1024 * 1024

var (
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrDecryptionFailed is returned when an authenticated decryption does
	// not verify.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptPayload encrypts plaintext under key using authenticated symmetric
// encryption. The returned ciphertext embeds the random nonce as a prefix.
func EncryptPayload(key [32]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	var nonce [nonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, nonceLength, nonceLength+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// DecryptPayload reverses EncryptPayload. It fails with ErrDecryptionFailed
// if the ciphertext was truncated or tampered with.
func DecryptPayload(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLength+secretbox.Overhead {
		return nil, ErrDecryptionFailed
	}
	if len(ciphertext) > MaxPayloadSize+nonceLength+secretbox.Overhead {
		return nil, ErrPayloadTooLarge
	}

	var nonce [nonceLength]byte
	copy(nonce[:], ciphertext[:nonceLength])

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceLength:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
