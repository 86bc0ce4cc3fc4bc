package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidAEADInput     = errors.New("invalid aead input")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// SealXChaCha20Poly1305 encrypts with an explicit 24-byte nonce.
func SealXChaCha20Poly1305(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newXAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func OpenXChaCha20Poly1305(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newXAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// sealPrefixed draws a fresh nonce and returns nonce||ciphertext.
func sealPrefixed(key, plaintext, aad []byte) ([]byte, error) {
	nonce, err := randomNonce(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	aead, err := newXAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func openPrefixed(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return OpenXChaCha20Poly1305(key, nonce, ciphertext, aad)
}

func newXAEAD(key, nonce []byte) (cipher.AEAD, error) {
	switch {
	case len(key) != chacha20poly1305.KeySize:
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.KeySize)
	case len(nonce) != chacha20poly1305.NonceSizeX:
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidAEADInput, chacha20poly1305.NonceSizeX)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}
	return aead, nil
}

func randomNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}
