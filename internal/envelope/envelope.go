// Package envelope wraps a raw key/value primitive with versioned,
// checksummed, optionally compressed and sealed envelopes. Reads verify the
// checksum and evict expired entries.
package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/EduardKakosyan/finsync/internal/compress"
	cryptopkg "github.com/EduardKakosyan/finsync/internal/crypto"
	logpkg "github.com/EduardKakosyan/finsync/internal/log"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

const (
	DefaultPrefix  = "@finsync:"
	DefaultVersion = "1.0.0"

	// CompressionRLE marks data holding an RLE-encoded JSON string.
	CompressionRLE = "rle1"

	sealedTag = "fse1:"
)

var unknownSealedTag = regexp.MustCompile(`^fse[0-9]+:`)

// Envelope is the persisted wrapper around one logical value. Timestamp and
// Expiry are unix milliseconds.
type Envelope struct {
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"`
	Version     string          `json:"version"`
	Checksum    string          `json:"checksum,omitempty"`
	Expiry      *int64          `json:"expiry,omitempty"`
	Compression string          `json:"compression,omitempty"`
}

type SetOptions struct {
	// TTL of zero means the entry never expires.
	TTL      time.Duration
	Compress bool
	// Version overrides the store default schema version.
	Version string
}

type Options struct {
	Prefix  string
	Version string
	// Keyring seals envelopes when Encrypt is set.
	Keyring              *cryptopkg.Keyring
	Encrypt              bool
	CompressionThreshold int
	Now                  func() time.Time
	Logger               *slog.Logger
}

type Store struct {
	kv        storage.KV
	prefix    string
	version   string
	keyring   *cryptopkg.Keyring
	encrypt   bool
	threshold int
	now       func() time.Time
	logger    *slog.Logger
}

func New(kv storage.KV, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.New("envelope: kv is nil")
	}
	if opts.Encrypt && opts.Keyring == nil {
		return nil, errors.New("envelope: encryption requires a keyring")
	}
	s := &Store{
		kv:        kv,
		prefix:    opts.Prefix,
		version:   opts.Version,
		keyring:   opts.Keyring,
		encrypt:   opts.Encrypt,
		threshold: opts.CompressionThreshold,
		now:       opts.Now,
		logger:    logpkg.OrDiscard(opts.Logger),
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.version == "" {
		s.version = DefaultVersion
	}
	if s.threshold <= 0 {
		s.threshold = compress.DefaultThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) Prefix() string { return s.prefix }

func (s *Store) physical(key string) string { return s.prefix + key }

// Set replaces whatever is stored under key.
func (s *Store) Set(ctx context.Context, key string, value any, opts SetOptions) error {
	data, err := json.Marshal(value)
	if err != nil {
		return storage.NewError(storage.CodeSetFailed, key, fmt.Errorf("marshal value: %w", err))
	}
	return s.SetRaw(ctx, key, data, opts)
}

// SetRaw stores already serialized JSON.
func (s *Store) SetRaw(ctx context.Context, key string, data []byte, opts SetOptions) error {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return storage.NewError(storage.CodeSetFailed, key, fmt.Errorf("value is not valid JSON: %w", err))
	}
	data = compact.Bytes()

	now := s.now()
	env := Envelope{
		Data:      json.RawMessage(data),
		Timestamp: now.UnixMilli(),
		Version:   s.version,
	}
	if opts.Version != "" {
		env.Version = opts.Version
	}
	if opts.TTL > 0 {
		expiry := now.Add(opts.TTL).UnixMilli()
		env.Expiry = &expiry
	}
	if opts.Compress {
		res := compress.CompressRLE(string(data), s.threshold)
		if res.Compressed {
			packed, err := json.Marshal(res.Data)
			if err != nil {
				return storage.NewError(storage.CodeCompressionFailed, key, err)
			}
			env.Data = packed
			env.Compression = CompressionRLE
			s.logger.Debug("envelope compressed", "key", key, "ratio", res.Ratio)
		}
	}

	sum, err := checksum(env)
	if err != nil {
		return storage.NewError(storage.CodeSetFailed, key, err)
	}
	env.Checksum = sum

	wire, err := json.Marshal(env)
	if err != nil {
		return storage.NewError(storage.CodeSetFailed, key, fmt.Errorf("marshal envelope: %w", err))
	}
	encoded, err := s.encode(key, wire)
	if err != nil {
		return storage.NewError(storage.CodeSetFailed, key, err)
	}

	if err := s.kv.Set(ctx, s.physical(key), encoded); err != nil {
		return storage.NewError(storage.CodeSetFailed, key, err)
	}
	return nil
}

// Get decodes the value under key into out. It reports false when the key
// is absent or has expired.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	data, ok, err := s.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, storage.NewError(storage.CodeDecodeFailed, key, fmt.Errorf("unmarshal value: %w", err))
	}
	return true, nil
}

// GetRaw returns the decompressed JSON payload stored under key.
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	env, ok, err := s.read(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	if env.Expiry != nil && s.now().UnixMilli() > *env.Expiry {
		if err := s.kv.Remove(ctx, s.physical(key)); err != nil {
			return nil, false, storage.NewError(storage.CodeRemoveFailed, key, err)
		}
		s.logger.Debug("envelope expired", "key", key)
		return nil, false, nil
	}

	if env.Checksum != "" {
		want := env.Checksum
		env.Checksum = ""
		got, err := checksum(env)
		if err != nil {
			return nil, false, storage.NewError(storage.CodeGetFailed, key, err)
		}
		if got != want {
			return nil, false, storage.NewError(storage.CodeChecksumMismatch, key,
				fmt.Errorf("stored %s, computed %s", want, got))
		}
	}

	data, err := decompress(key, env)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.kv.Remove(ctx, s.physical(key)); err != nil {
		return storage.NewError(storage.CodeRemoveFailed, key, err)
	}
	return nil
}

// MultiGet returns the payloads of every present key. Per-key failures are
// joined into the returned error; successfully read keys are still returned.
func (s *Store) MultiGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	var errs []error
	for _, key := range keys {
		data, ok, err := s.GetRaw(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out[key] = data
		}
	}
	return out, errors.Join(errs...)
}

func (s *Store) MultiSet(ctx context.Context, values map[string]any, opts SetOptions) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		if err := s.Set(ctx, key, values[key], opts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys lists logical keys under the store prefix in sorted order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	physical, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, storage.NewError(storage.CodeGetFailed, "", fmt.Errorf("list keys: %w", err))
	}
	keys := make([]string, 0, len(physical))
	for _, key := range physical {
		if strings.HasPrefix(key, s.prefix) {
			keys = append(keys, strings.TrimPrefix(key, s.prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) read(ctx context.Context, key string) (Envelope, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.physical(key))
	if err != nil {
		return Envelope{}, false, storage.NewError(storage.CodeGetFailed, key, err)
	}
	if !ok {
		return Envelope{}, false, nil
	}
	env, err := s.decode(key, raw)
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

func (s *Store) encode(key string, wire []byte) (string, error) {
	if !s.encrypt {
		return string(wire), nil
	}
	sealed, err := s.keyring.Seal(cryptopkg.PurposeEnvelope, []byte(s.physical(key)), wire)
	if err != nil {
		return "", fmt.Errorf("seal envelope: %w", err)
	}
	return sealedTag + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decode(key, raw string) (Envelope, error) {
	var wire []byte
	switch {
	case strings.HasPrefix(raw, sealedTag):
		if s.keyring == nil {
			return Envelope{}, storage.NewError(storage.CodeDecodeFailed, key, errors.New("sealed value but no keyring configured"))
		}
		sealed, err := base64.StdEncoding.DecodeString(raw[len(sealedTag):])
		if err != nil {
			return Envelope{}, storage.NewError(storage.CodeDecodeFailed, key, fmt.Errorf("decode sealed value: %w", err))
		}
		wire, err = s.keyring.Open(cryptopkg.PurposeEnvelope, []byte(s.physical(key)), sealed)
		if err != nil {
			return Envelope{}, storage.NewError(storage.CodeDecodeFailed, key, err)
		}
	case unknownSealedTag.MatchString(raw):
		return Envelope{}, storage.NewError(storage.CodeDecodeFailed, key, fmt.Errorf("unsupported encoding tag %q", raw[:strings.IndexByte(raw, ':')+1]))
	case strings.HasPrefix(raw, "{"):
		wire = []byte(raw)
	default:
		return Envelope{}, storage.NewError(storage.CodeDecodeFailed, key, errors.New("value is neither a sealed nor a plain envelope"))
	}

	var env Envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return Envelope{}, storage.NewError(storage.CodeDecodeFailed, key, fmt.Errorf("parse envelope: %w", err))
	}
	if env.Data == nil {
		return Envelope{}, storage.NewError(storage.CodeDecodeFailed, key, errors.New("envelope has no data"))
	}
	return env, nil
}

func decompress(key string, env Envelope) (json.RawMessage, error) {
	switch env.Compression {
	case "":
		return env.Data, nil
	case CompressionRLE:
		var packed string
		if err := json.Unmarshal(env.Data, &packed); err != nil {
			return nil, storage.NewError(storage.CodeDecompressionFailed, key, err)
		}
		plain, err := compress.DecompressRLE(packed)
		if err != nil {
			return nil, storage.NewError(storage.CodeDecompressionFailed, key, err)
		}
		return json.RawMessage(plain), nil
	default:
		return nil, storage.NewError(storage.CodeDecompressionFailed, key, fmt.Errorf("unknown compression %q", env.Compression))
	}
}

// checksum hashes the serialized envelope with its checksum field cleared.
func checksum(env Envelope) (string, error) {
	env.Checksum = ""
	wire, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("checksum: marshal envelope: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(wire), 16), nil
}
