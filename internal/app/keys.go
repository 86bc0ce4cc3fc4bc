package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/EduardKakosyan/finsync/internal/crypto"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

// KeyStore persists the wrapped master key outside the application key space.
type KeyStore interface {
	StoreWrappedKey(ctx context.Context, bundle storage.WrappedKeyBundle) error
	LoadWrappedKey(ctx context.Context) (storage.WrappedKeyBundle, error)
}

// Initialize generates a master key, wraps it with a passphrase-derived KEK
// and stores the bundle. The returned keyring owns the master key.
func Initialize(ctx context.Context, keys KeyStore, passphrase []byte, params crypto.Argon2Params) (*crypto.Keyring, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase is required", ErrValidation)
	}
	if _, err := keys.LoadWrappedKey(ctx); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	master, err := crypto.GenerateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	keyring := crypto.NewKeyring(master, uuid.NewString())

	salt, err := crypto.GenerateSalt(params.SaltLen)
	if err != nil {
		keyring.Destroy()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	kek, err := crypto.DeriveKEKFromPassphrase(passphrase, salt, params)
	if err != nil {
		keyring.Destroy()
		return nil, fmt.Errorf("initialize: derive kek: %w", err)
	}
	defer memguard.WipeBytes(kek)

	wrapped, tag, err := keyring.WrapMasterKey(kek)
	if err != nil {
		keyring.Destroy()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	bundle := storage.WrappedKeyBundle{
		StoreID:       keyring.StoreID(),
		Ciphertext:    hex.EncodeToString(wrapped.Ciphertext),
		Nonce:         hex.EncodeToString(wrapped.Nonce),
		AAD:           hex.EncodeToString(wrapped.AAD),
		Argon2Salt:    hex.EncodeToString(salt),
		CommitmentTag: hex.EncodeToString(tag),
		Memory:        params.Memory,
		Iterations:    params.Iterations,
		Parallelism:   params.Parallelism,
		KeyLen:        params.KeyLen,
	}
	if err := keys.StoreWrappedKey(ctx, bundle); err != nil {
		keyring.Destroy()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return keyring, nil
}

// Unlock rebuilds the keyring from the stored bundle.
func Unlock(ctx context.Context, keys KeyStore, passphrase []byte) (*crypto.Keyring, error) {
	bundle, err := keys.LoadWrappedKey(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}

	fields := map[string][]byte{}
	for name, value := range map[string]string{
		"ciphertext":     bundle.Ciphertext,
		"nonce":          bundle.Nonce,
		"aad":            bundle.AAD,
		"argon2_salt":    bundle.Argon2Salt,
		"commitment_tag": bundle.CommitmentTag,
	} {
		decoded, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("unlock: decode %s: %w", name, err)
		}
		fields[name] = decoded
	}

	params := crypto.Argon2Params{
		Memory:      bundle.Memory,
		Iterations:  bundle.Iterations,
		Parallelism: bundle.Parallelism,
		SaltLen:     len(fields["argon2_salt"]),
		KeyLen:      bundle.KeyLen,
	}
	kek, err := crypto.DeriveKEKFromPassphrase(passphrase, fields["argon2_salt"], params)
	if err != nil {
		return nil, fmt.Errorf("unlock: derive kek: %w", err)
	}
	defer memguard.WipeBytes(kek)

	master, err := crypto.UnwrapMasterKey(kek, crypto.WrappedKey{
		Ciphertext: fields["ciphertext"],
		Nonce:      fields["nonce"],
		AAD:        fields["aad"],
	}, fields["commitment_tag"])
	if errors.Is(err, crypto.ErrInvalidKEK) || errors.Is(err, crypto.ErrCommitmentMismatch) {
		return nil, ErrWrongPassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}
	return crypto.NewKeyring(master, bundle.StoreID), nil
}
