package compress

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRLERoundTrip(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          "",
		"short":          "abc",
		"no runs":        distinctBytes(2048),
		"long runs":      strings.Repeat("a", 3000) + strings.Repeat("b", 700),
		"run over limit": strings.Repeat("z", maxRun*4+3),
		"marker prefix":  RLEMarker + "not really compressed",
		"marker alone":   RLEMarker,
		"json padding":   `{"data":[` + strings.Repeat(" ", 2000) + `]}`,
	}

	for name, input := range cases {
		input := input
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			res := CompressRLE(input, DefaultThreshold)
			got, err := DecompressRLE(res.Data)
			require.NoError(t, err)
			require.Equal(t, input, got)
		})
	}
}

func TestRLEBelowThresholdPassesThrough(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("a", DefaultThreshold-1)
	res := CompressRLE(input, DefaultThreshold)
	require.False(t, res.Compressed)
	require.Equal(t, input, res.Data)
	require.InDelta(t, 1.0, res.Ratio, 0)
}

func TestRLEKeepsOnlySmallerOutput(t *testing.T) {
	t.Parallel()

	input := distinctBytes(4096)
	res := CompressRLE(input, DefaultThreshold)
	require.False(t, res.Compressed)
	require.Equal(t, input, res.Data)

	runs := strings.Repeat("x", 4096)
	res = CompressRLE(runs, DefaultThreshold)
	require.True(t, res.Compressed)
	require.True(t, strings.HasPrefix(res.Data, RLEMarker))
	require.Less(t, res.CompressedSize, res.OriginalSize)
	require.Less(t, res.Ratio, 0.1)
}

func TestRLEMarkerPrefixedInputAlwaysEncoded(t *testing.T) {
	t.Parallel()

	res := CompressRLE(RLEMarker+"x", DefaultThreshold)
	require.True(t, res.Compressed)
	require.NotEqual(t, RLEMarker+"x", res.Data)
}

func TestDecompressRLERejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	_, err := DecompressRLE(RLEMarker + "!!!")
	require.ErrorIs(t, err, ErrMalformedRLE)

	_, err = DecompressRLE(RLEMarker + "AA==")
	require.ErrorIs(t, err, ErrMalformedRLE)

	_, err = DecompressRLE(RLEMarker + "AGE=")
	require.ErrorIs(t, err, ErrMalformedRLE)
}

func TestEstimateRLERatioMatchesEncoder(t *testing.T) {
	t.Parallel()

	input := strings.Repeat("ab", 600) + strings.Repeat("c", 900)
	encoded := RLEMarker + base64.StdEncoding.EncodeToString(encodeRuns([]byte(input)))
	require.InDelta(t, float64(len(encoded))/float64(len(input)), EstimateRLERatio(input), 1e-9)
	require.Greater(t, EstimateRLERatio(input), 1.0)
	require.Less(t, EstimateRLERatio(strings.Repeat("c", 5000)), 0.8)
	require.InDelta(t, 1.0, EstimateRLERatio(""), 0)
}

func TestZstdRoundTrip(t *testing.T) {
	t.Parallel()

	input := bytes.Repeat([]byte(`{"id":"a","createdAt":"2024-01-01T00:00:00Z"},`), 200)
	packed, err := Zstd(input)
	require.NoError(t, err)
	require.Less(t, len(packed), len(input))
	require.True(t, SavesAtLeast(len(input), len(packed), 0.1))

	unpacked, err := Unzstd(packed)
	require.NoError(t, err)
	require.Equal(t, input, unpacked)

	_, err = Unzstd([]byte("not zstd"))
	require.Error(t, err)
}

func TestSavesAtLeast(t *testing.T) {
	t.Parallel()

	require.True(t, SavesAtLeast(100, 90, 0.1))
	require.False(t, SavesAtLeast(100, 91, 0.1))
	require.False(t, SavesAtLeast(0, 0, 0.1))
}

func distinctBytes(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('a' + i%26))
	}
	return b.String()
}
