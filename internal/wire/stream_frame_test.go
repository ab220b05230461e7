package wire_test

import (
	"bytes"
	"testing"

	"xlink/internal/domain"
	"xlink/internal/wire"
)

func TestStreamFragmentEncodeDecodeRoundTrip(t *testing.T) {
	frag := &wire.StreamFragment{
		StreamID:       domain.NewStreamId(),
		FragmentIndex:  2,
		TotalFragments: 5,
		Payload:        []byte("fragment payload bytes"),
	}

	decoded, err := wire.DecodeStreamFragment(frag.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.StreamID != frag.StreamID {
		t.Fatalf("StreamID mismatch")
	}
	if decoded.FragmentIndex != frag.FragmentIndex || decoded.TotalFragments != frag.TotalFragments {
		t.Fatalf("fragment indices mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, frag.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeStreamFragmentRejectsLengthMismatch(t *testing.T) {
	frag := &wire.StreamFragment{StreamID: domain.NewStreamId(), TotalFragments: 1, Payload: []byte("hello")}
	encoded := frag.Encode()
	encoded = append(encoded, 0xFF) // trailing garbage byte the header length can't account for

	if _, err := wire.DecodeStreamFragment(encoded); err == nil {
		t.Fatalf("expected payload_length mismatch to be rejected")
	}
}
