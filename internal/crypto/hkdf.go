package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// subkeySalt domain-separates finsync subkeys from any other HKDF use of
// the same master key.
const subkeySalt = "finsync-subkey"

// maxHKDFOutput is the RFC 5869 ceiling for SHA-256 (255 blocks).
const maxHKDFOutput = 255 * sha256.Size

var ErrInvalidHKDFInput = errors.New("invalid hkdf input")

// DeriveHKDFSHA256 runs extract-then-expand and returns length bytes.
func DeriveHKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	switch {
	case len(ikm) == 0:
		return nil, fmt.Errorf("%w: empty input key material", ErrInvalidHKDFInput)
	case length <= 0 || length > maxHKDFOutput:
		return nil, fmt.Errorf("%w: output length %d outside 1..%d", ErrInvalidHKDFInput, length, maxHKDFOutput)
	}

	prk := hkdf.Extract(sha256.New, ikm, salt)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("expand hkdf-sha256: %w", err)
	}
	return out, nil
}

// DeriveSubkey returns an XChaCha20-Poly1305 key for one purpose label.
func DeriveSubkey(master []byte, info string) ([]byte, error) {
	key, err := DeriveHKDFSHA256(master, []byte(subkeySalt), []byte(info), chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive %s subkey: %w", info, err)
	}
	return key, nil
}
