package wire

import (
	"encoding/binary"
	"fmt"

	"xlink/internal/domain"
)

// StreamHeaderSize is the fixed prefix size of a stream sub-frame.
const StreamHeaderSize = 16 + 4 + 4 + 4 + 1

// StreamFragment is the plaintext layout carried inside a FrameStream
// envelope: it is fragment header + payload, encrypted as one unit through
// the session ratchet. Compressed carries the whole-stream plain/compressed
// flag in the header rather than the pre-fragmentation payload, so it never
// perturbs the fragment count Fragment computes from the raw payload length.
type StreamFragment struct {
	StreamID       domain.StreamId
	FragmentIndex  uint32
	TotalFragments uint32
	Compressed     bool
	Payload        []byte
}

// Encode serializes the fragment to its bit-exact plaintext layout.
func (s *StreamFragment) Encode() []byte {
	out := make([]byte, StreamHeaderSize+len(s.Payload))
	copy(out[0:16], s.StreamID[:])
	binary.LittleEndian.PutUint32(out[16:20], s.FragmentIndex)
	binary.LittleEndian.PutUint32(out[20:24], s.TotalFragments)
	binary.LittleEndian.PutUint32(out[24:28], uint32(len(s.Payload)))
	if s.Compressed {
		out[28] = 1
	}
	copy(out[29:], s.Payload)
	return out
}

// DecodeStreamFragment parses a stream sub-frame from decrypted plaintext.
func DecodeStreamFragment(b []byte) (*StreamFragment, error) {
	if len(b) < StreamHeaderSize {
		return nil, fmt.Errorf("wire: stream fragment too short: %d bytes", len(b))
	}
	f := &StreamFragment{}
	copy(f.StreamID[:], b[0:16])
	f.FragmentIndex = binary.LittleEndian.Uint32(b[16:20])
	f.TotalFragments = binary.LittleEndian.Uint32(b[20:24])
	payloadLen := binary.LittleEndian.Uint32(b[24:28])
	f.Compressed = b[28] != 0
	if int(payloadLen) != len(b)-StreamHeaderSize {
		return nil, fmt.Errorf("wire: stream fragment payload_length mismatch: header says %d, have %d", payloadLen, len(b)-StreamHeaderSize)
	}
	f.Payload = append([]byte(nil), b[29:]...)
	return f, nil
}
