package storage

import (
	"context"
)

// KV is the raw key/value primitive every higher layer is built on. Values
// are opaque strings; the primitive knows nothing about envelopes.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// WrappedKeyBundle holds the artifacts produced when wrapping the master key
// with a passphrase-derived KEK. All binary fields are hex-encoded for storage
// in kv_meta's TEXT value column.
type WrappedKeyBundle struct {
	StoreID       string `json:"store_id"`
	Ciphertext    string `json:"ciphertext"`
	Nonce         string `json:"nonce"`
	AAD           string `json:"aad"`
	Argon2Salt    string `json:"argon2_salt"`
	CommitmentTag string `json:"commitment_tag"`
	Memory        uint32 `json:"argon2_memory"`
	Iterations    uint32 `json:"argon2_iterations"`
	Parallelism   uint8  `json:"argon2_parallelism"`
	KeyLen        uint32 `json:"argon2_key_len"`
}
