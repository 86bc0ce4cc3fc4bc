package orchestrator

import (
	"github.com/EduardKakosyan/finsync/internal/compress"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

// CompressData run-length encodes s when it is above the threshold and the
// result is smaller. Data is never lost: the Result always carries either
// the encoded or the original string.
func (o *Orchestrator) CompressData(s string) compress.Result {
	return compress.CompressRLE(s, o.threshold)
}

func (o *Orchestrator) DecompressData(s string) (string, error) {
	out, err := compress.DecompressRLE(s)
	if err != nil {
		return "", storage.NewError(storage.CodeDecompressionFailed, "", err)
	}
	return out, nil
}
