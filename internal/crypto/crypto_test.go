package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgon2KAT(t *testing.T) {
	t.Parallel()

	passphrase := []byte("correct horse battery staple")
	salt := []byte("0123456789abcdef0123456789abcdef")
	params := Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 1,
		SaltLen:     32,
		KeyLen:      32,
	}

	got, err := DeriveKEKFromPassphrase(passphrase, salt, params)
	require.NoError(t, err)
	require.Equal(t, mustDecodeHex(t, "d12ac228e1566ecd9f80cf05621657ee1b5b34e40133438917d7ed334641f455"), got)
}

func TestXChaCha20Poly1305Deterministic(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	nonce := make([]byte, 24)
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}

	plaintext := []byte("finsync-xchacha20poly1305")
	aad := []byte("store:test-store")

	first, err := SealXChaCha20Poly1305(key, nonce, plaintext, aad)
	require.NoError(t, err)
	second, err := SealXChaCha20Poly1305(key, nonce, plaintext, aad)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, len(plaintext)+16)

	opened, err := OpenXChaCha20Poly1305(key, nonce, first, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	first[0] ^= 0x01
	_, err = OpenXChaCha20Poly1305(key, nonce, first, aad)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestHKDFSHA256KAT(t *testing.T) {
	t.Parallel()

	ikm := []byte{
		0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b,
		0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b, 0x0b,
	}
	salt := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}
	info := []byte{0xf0, 0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8, 0xf9}

	got, err := DeriveHKDFSHA256(ikm, salt, info, 42)
	require.NoError(t, err)
	require.Equal(t, mustDecodeHex(t, "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865"), got)
}

func TestHKDFRejectsOutOfRangeLength(t *testing.T) {
	t.Parallel()

	_, err := DeriveHKDFSHA256([]byte("ikm"), nil, nil, 0)
	require.ErrorIs(t, err, ErrInvalidHKDFInput)
	_, err = DeriveHKDFSHA256([]byte("ikm"), nil, nil, 255*32+1)
	require.ErrorIs(t, err, ErrInvalidHKDFInput)
	_, err = DeriveHKDFSHA256(nil, nil, nil, 32)
	require.ErrorIs(t, err, ErrInvalidHKDFInput)
}

func TestGenerateMasterKey(t *testing.T) {
	t.Parallel()

	master, err := GenerateMasterKey()
	require.NoError(t, err)
	require.Len(t, master.Bytes(), 32)
	t.Cleanup(master.Destroy)
}

func TestWrapUnwrapMasterKeyRoundTrip(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	expected := append([]byte(nil), kr.master.Bytes()...)

	salt := []byte("0123456789abcdef0123456789abcdef")
	kek, err := DeriveKEKFromPassphrase([]byte("correct horse battery staple"), salt, fastArgon2Params())
	require.NoError(t, err)

	wrapped, tag, err := kr.WrapMasterKey(kek)
	require.NoError(t, err)
	require.Equal(t, ComputeCommitmentTag(expected), tag)

	unwrapped, err := UnwrapMasterKey(kek, wrapped, tag)
	require.NoError(t, err)
	t.Cleanup(unwrapped.Destroy)
	require.Equal(t, expected, unwrapped.Bytes())
}

func TestUnwrapMasterKeyWrongKEK(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	wrapped, tag, err := kr.WrapMasterKey(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	_, err = UnwrapMasterKey(bytes.Repeat([]byte{0x24}, 32), wrapped, tag)
	require.ErrorIs(t, err, ErrInvalidKEK)
}

func TestKeyCommitmentTamperFails(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	kek := bytes.Repeat([]byte{0x21}, 32)
	wrapped, tag, err := kr.WrapMasterKey(kek)
	require.NoError(t, err)

	tag[0] ^= 0xff
	_, err = UnwrapMasterKey(kek, wrapped, tag)
	require.ErrorIs(t, err, ErrCommitmentMismatch)
}

func TestSubkeysDifferPerPurpose(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	a, err := kr.deriveSubkey(PurposeEnvelope)
	require.NoError(t, err)
	again, err := kr.deriveSubkey(PurposeEnvelope)
	require.NoError(t, err)
	b, err := kr.deriveSubkey(PurposeBackup)
	require.NoError(t, err)

	require.Equal(t, a, again)
	require.NotEqual(t, a, b)
}

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	sealed, err := kr.Seal(PurposeEnvelope, []byte("@finsync:transactions"), []byte(`{"data":[]}`))
	require.NoError(t, err)

	plaintext, err := kr.Open(PurposeEnvelope, []byte("@finsync:transactions"), sealed)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"data":[]}`), plaintext)
}

func TestOpenRejectsWrongBinding(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	sealed, err := kr.Seal(PurposeEnvelope, []byte("@finsync:transactions"), []byte("payload"))
	require.NoError(t, err)

	_, err = kr.Open(PurposeEnvelope, []byte("@finsync:accounts"), sealed)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = kr.Open(PurposeBackup, []byte("@finsync:transactions"), sealed)
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = kr.Open(PurposeEnvelope, nil, []byte("short"))
	require.ErrorIs(t, err, ErrSealedTooShort)
}

func TestOpenWithDifferentMasterFails(t *testing.T) {
	t.Parallel()

	first := newTestKeyring(t)
	second := newTestKeyring(t)

	sealed, err := first.Seal(PurposeBackup, nil, []byte("payload"))
	require.NoError(t, err)

	_, err = second.Open(PurposeBackup, nil, sealed)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSealUsesFreshNonce(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	const samples = 1000
	seen := make(map[string]struct{}, samples)
	for i := 0; i < samples; i++ {
		sealed, err := kr.Seal(PurposeEnvelope, nil, []byte("nonce-check"))
		require.NoError(t, err)
		nonce := string(sealed[:24])
		if _, exists := seen[nonce]; exists {
			t.Fatalf("duplicate nonce detected at index %d", i)
		}
		seen[nonce] = struct{}{}
	}
}

func TestArgon2RejectsUnsafeMemory(t *testing.T) {
	t.Parallel()

	params := DefaultArgon2Params()
	params.Memory = MinArgon2MemoryKiB - 1

	_, err := DeriveKEKFromPassphrase([]byte("pass"), []byte("0123456789abcdef0123456789abcdef"), params)
	require.ErrorIs(t, err, ErrInvalidArgon2Params)
}

func TestArgon2RejectsZeroParallelism(t *testing.T) {
	t.Parallel()

	params := DefaultArgon2Params()
	params.Parallelism = 0

	_, err := DeriveKEKFromPassphrase([]byte("pass"), []byte("0123456789abcdef0123456789abcdef"), params)
	require.ErrorIs(t, err, ErrInvalidArgon2Params)
}

func TestDefaultArgon2ParamsAreValid(t *testing.T) {
	t.Parallel()

	params := DefaultArgon2Params()
	require.NoError(t, params.Validate())
	require.LessOrEqual(t, params.Parallelism, uint8(maxArgon2Parallelism))
	require.Contains(t, params.String(), "m=65536 t=3")
}

func TestSealNoncesDifferBetweenCalls(t *testing.T) {
	t.Parallel()

	kr := newTestKeyring(t)
	first, err := kr.Seal(PurposeEnvelope, nil, []byte("same"))
	require.NoError(t, err)
	second, err := kr.Seal(PurposeEnvelope, nil, []byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, first[:24], second[:24])
}

func TestDestroyWipesMasterKey(t *testing.T) {
	t.Parallel()

	master, err := GenerateMasterKey()
	require.NoError(t, err)

	kr := NewKeyring(master, "store-test")
	kr.Destroy()

	require.False(t, master.IsAlive())
	_, err = kr.Seal(PurposeEnvelope, nil, []byte("x"))
	require.ErrorIs(t, err, ErrKeyringNotReady)
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()

	master, err := GenerateMasterKey()
	require.NoError(t, err)
	kr := NewKeyring(master, "store-test")
	t.Cleanup(kr.Destroy)
	return kr
}

func fastArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      MinArgon2MemoryKiB,
		Iterations:  1,
		Parallelism: 1,
		SaltLen:     DefaultArgon2SaltLen,
		KeyLen:      DefaultArgon2KeyLen,
	}
}

func mustDecodeHex(t *testing.T, value string) []byte {
	t.Helper()
	out, err := hex.DecodeString(value)
	require.NoError(t, err)
	return out
}
