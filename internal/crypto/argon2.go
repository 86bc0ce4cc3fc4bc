package crypto

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Defaults target a phone-class device: 64 MiB and three passes keep unlock
// under a second while staying well above the floor.
const (
	DefaultArgon2MemoryKiB  uint32 = 64 * 1024
	DefaultArgon2Iterations uint32 = 3
	DefaultArgon2SaltLen           = 16
	DefaultArgon2KeyLen     uint32 = 32
	MinArgon2MemoryKiB      uint32 = 32 * 1024
	maxArgon2Parallelism           = 4
)

var ErrInvalidArgon2Params = errors.New("invalid argon2 parameters")

// Argon2Params are persisted next to the wrapped master key so a store
// unlocks with the parameters it was created with.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      DefaultArgon2MemoryKiB,
		Iterations:  DefaultArgon2Iterations,
		Parallelism: uint8(min(max(runtime.NumCPU(), 1), maxArgon2Parallelism)),
		SaltLen:     DefaultArgon2SaltLen,
		KeyLen:      DefaultArgon2KeyLen,
	}
}

func (p Argon2Params) String() string {
	return fmt.Sprintf("argon2id m=%d t=%d p=%d", p.Memory, p.Iterations, p.Parallelism)
}

func (p Argon2Params) Validate() error {
	var problem string
	switch {
	case p.Memory < MinArgon2MemoryKiB:
		problem = fmt.Sprintf("memory must be >= %d KiB", MinArgon2MemoryKiB)
	case p.Iterations == 0:
		problem = "iterations must be > 0"
	case p.Parallelism == 0:
		problem = "parallelism must be > 0"
	case p.SaltLen < 16:
		problem = "salt length must be >= 16"
	case p.KeyLen == 0:
		problem = "key length must be > 0"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgon2Params, problem)
}

// DeriveKEKFromPassphrase stretches passphrase into the key-encryption key
// that wraps the store master key.
func DeriveKEKFromPassphrase(passphrase []byte, salt []byte, params Argon2Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrInvalidArgon2Params)
	}
	if len(salt) < params.SaltLen {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidArgon2Params, params.SaltLen)
	}
	return argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen), nil
}
