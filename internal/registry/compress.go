package registry

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ErrDecompress is returned when a stored blob cannot be decoded.
var ErrDecompress = errors.New("decompression failed")

// Shared encoder/decoder; both are safe for concurrent use and costly to
// build.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithZeroFrames(true))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrDecompress, err)
	}
	return out, nil
}
