package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

// Zstd compresses a whole buffer. Safe for concurrent use.
func Zstd(in []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("zstd: init encoder: %w", err)
	}
	return enc.EncodeAll(in, make([]byte, 0, len(in)/2)), nil
}

func Unzstd(in []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("zstd: init decoder: %w", err)
	}
	out, err := dec.DecodeAll(in, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: decode: %w", err)
	}
	return out, nil
}

// SavesAtLeast reports whether compressed is at least fraction smaller than
// original.
func SavesAtLeast(original, compressed int, fraction float64) bool {
	if original == 0 {
		return false
	}
	return float64(original-compressed) >= fraction*float64(original)
}
