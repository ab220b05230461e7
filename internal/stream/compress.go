package stream

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// PrepareForSend optionally compresses payload, returning the bytes to
// fragment and whether compression was actually applied. Compression is
// skipped whenever it would not shrink the payload. The plain/compressed
// distinction rides in the stream fragment header (see wire.StreamFragment),
// not a payload-prefix byte, so the uncompressed path fragments at exactly
// ceil(len(payload)/fragment_size).
func PrepareForSend(payload []byte, compress bool) ([]byte, bool) {
	if !compress {
		return payload, false
	}
	compressed := encoder.EncodeAll(payload, nil)
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// RecoverAfterReceive reverses PrepareForSend given the compressed flag
// carried in the reassembled stream's fragment headers.
func RecoverAfterReceive(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	out, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: zstd decode: %w", err)
	}
	return out, nil
}
