// Package canonical encodes values as key-sorted JSON so the same logical
// document always hashes to the same digest.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Marshal returns the canonical JSON encoding of v. Object keys are sorted
// at every depth and numbers keep their original textual form.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	return Normalize(raw)
}

// Normalize re-encodes already serialized JSON canonically.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonical json: unmarshal: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SHA256Hex hashes the canonical encoding of v.
func SHA256Hex(v any) (string, error) {
	encoded, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

func encode(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.MarshalNoEscape(key)
			if err != nil {
				return fmt.Errorf("canonical json: marshal key: %w", err)
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encode(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(typed.String())
		return nil
	default:
		raw, err := json.MarshalNoEscape(typed)
		if err != nil {
			return fmt.Errorf("canonical json: marshal scalar: %w", err)
		}
		buf.Write(raw)
		return nil
	}
}
