package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyCommitmentContext = "finsync-key-commitment"
	subkeyInfoVersion    = "v1"

	// PurposeEnvelope scopes the subkey that seals stored envelopes.
	PurposeEnvelope = "envelope"
	// PurposeBackup scopes the subkey that seals backup payloads.
	PurposeBackup = "backup"
)

var (
	ErrInvalidKEK         = errors.New("invalid kek")
	ErrInvalidWrappedKey  = errors.New("invalid wrapped key")
	ErrCommitmentMismatch = errors.New("key commitment mismatch")
	ErrKeyringNotReady    = errors.New("keyring not ready")
	ErrSealedTooShort     = errors.New("sealed payload too short")
)

type WrappedKey struct {
	Ciphertext []byte
	Nonce      []byte
	AAD        []byte
}

// Keyring holds the store master key in locked memory and derives one
// subkey per purpose. Sealed output is nonce||ciphertext.
type Keyring struct {
	master  *memguard.LockedBuffer
	storeID string
}

func NewKeyring(master *memguard.LockedBuffer, storeID string) *Keyring {
	return &Keyring{master: master, storeID: storeID}
}

func GenerateMasterKey() (*memguard.LockedBuffer, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	defer memguard.WipeBytes(raw)

	return memguard.NewBufferFromBytes(raw), nil
}

func (k *Keyring) StoreID() string {
	if k == nil {
		return ""
	}
	return k.storeID
}

// Seal encrypts plaintext under the subkey for purpose. The store id is
// always mixed into the associated data.
func (k *Keyring) Seal(purpose string, aad, plaintext []byte) ([]byte, error) {
	subkey, err := k.deriveSubkey(purpose)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(subkey)

	sealed, err := sealPrefixed(subkey, plaintext, k.associatedData(purpose, aad))
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", purpose, err)
	}
	return sealed, nil
}

func (k *Keyring) Open(purpose string, aad, sealed []byte) ([]byte, error) {
	subkey, err := k.deriveSubkey(purpose)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(subkey)

	return openPrefixed(subkey, sealed, k.associatedData(purpose, aad))
}

func (k *Keyring) WrapMasterKey(kek []byte) (WrappedKey, []byte, error) {
	if err := k.ensureReady(); err != nil {
		return WrappedKey{}, nil, err
	}
	if len(kek) != chacha20poly1305.KeySize {
		return WrappedKey{}, nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKEK, chacha20poly1305.KeySize)
	}

	nonce, err := randomNonce(chacha20poly1305.NonceSizeX)
	if err != nil {
		return WrappedKey{}, nil, err
	}

	aad := wrapAssociatedData(k.storeID)
	ciphertext, err := SealXChaCha20Poly1305(kek, nonce, k.master.Bytes(), aad)
	if err != nil {
		return WrappedKey{}, nil, fmt.Errorf("wrap master key: %w", err)
	}

	return WrappedKey{Ciphertext: ciphertext, Nonce: nonce, AAD: aad}, ComputeCommitmentTag(k.master.Bytes()), nil
}

func UnwrapMasterKey(kek []byte, wrapped WrappedKey, commitmentTag []byte) (*memguard.LockedBuffer, error) {
	if len(kek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKEK, chacha20poly1305.KeySize)
	}
	if len(wrapped.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidWrappedKey, chacha20poly1305.NonceSizeX)
	}
	if len(wrapped.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext must not be empty", ErrInvalidWrappedKey)
	}
	if len(commitmentTag) == 0 {
		return nil, fmt.Errorf("%w: commitment tag must not be empty", ErrInvalidWrappedKey)
	}

	plaintext, err := OpenXChaCha20Poly1305(kek, wrapped.Nonce, wrapped.Ciphertext, wrapped.AAD)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, ErrInvalidKEK
		}
		return nil, fmt.Errorf("unwrap master key: %w", err)
	}

	if !hmac.Equal(ComputeCommitmentTag(plaintext), commitmentTag) {
		memguard.WipeBytes(plaintext)
		return nil, ErrCommitmentMismatch
	}

	buf := memguard.NewBufferFromBytes(plaintext)
	memguard.WipeBytes(plaintext)
	return buf, nil
}

func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		return nil, fmt.Errorf("generate salt: length must be >= 16, got %d", length)
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func (k *Keyring) Destroy() {
	if k == nil || k.master == nil {
		return
	}
	if k.master.IsAlive() {
		k.master.Destroy()
	}
	k.master = nil
}

func (k *Keyring) deriveSubkey(purpose string) ([]byte, error) {
	if err := k.ensureReady(); err != nil {
		return nil, err
	}
	if purpose == "" {
		return nil, fmt.Errorf("%w: purpose must not be empty", ErrInvalidHKDFInput)
	}
	return DeriveSubkey(k.master.Bytes(), subkeyInfoVersion+":"+purpose)
}

func (k *Keyring) associatedData(purpose string, aad []byte) []byte {
	prefix := "finsync:" + k.storeID + ":" + purpose + ":"
	out := make([]byte, 0, len(prefix)+len(aad))
	out = append(out, prefix...)
	return append(out, aad...)
}

func (k *Keyring) ensureReady() error {
	if k == nil || k.master == nil || !k.master.IsAlive() {
		return ErrKeyringNotReady
	}
	return nil
}

func ComputeCommitmentTag(master []byte) []byte {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte(keyCommitmentContext))
	return mac.Sum(nil)
}

func wrapAssociatedData(storeID string) []byte {
	return []byte("finsync-master:" + storeID + ":passphrase")
}
