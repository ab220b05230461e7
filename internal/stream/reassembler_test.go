package stream_test

import (
	"bytes"
	"testing"
	"time"

	"xlink/internal/domain"
	"xlink/internal/stream"
)

func TestFragmentSplitsIntoExpectedCount(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 100)
	fragments := stream.Fragment(payload, 30, false)

	if len(fragments) != 4 {
		t.Fatalf("expected ceil(100/30)=4 fragments, got %d", len(fragments))
	}
	for i, f := range fragments {
		if int(f.FragmentIndex) != i {
			t.Fatalf("fragment %d has index %d", i, f.FragmentIndex)
		}
		if int(f.TotalFragments) != 4 {
			t.Fatalf("fragment %d reports TotalFragments=%d, want 4", i, f.TotalFragments)
		}
	}

	var reassembled []byte
	for _, f := range fragments {
		reassembled = append(reassembled, f.Payload...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("fragments do not reassemble to the original payload")
	}
}

func TestFragmentCountIsExactAtFragmentSizeMultiple(t *testing.T) {
	// A payload that divides fragment_size exactly must produce exactly
	// len(payload)/fragment_size fragments, whether or not compressed is
	// set: the flag rides in the header, never in the payload.
	payload := bytes.Repeat([]byte{0x01}, 3*16384)
	for _, compressed := range []bool{false, true} {
		fragments := stream.Fragment(payload, 16384, compressed)
		if len(fragments) != 3 {
			t.Fatalf("compressed=%v: expected exactly 3 fragments for a payload that is an exact multiple of fragment_size, got %d", compressed, len(fragments))
		}
	}
}

func TestReassemblerCompletesInOrder(t *testing.T) {
	payload := []byte("hello reassembled world")
	fragments := stream.Fragment(payload, 6, true)
	r := stream.NewReassembler(4, time.Minute)
	sender := domain.NewDeviceId()

	var result *stream.Result
	for _, f := range fragments {
		res, err := r.Receive(sender, f)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if res != nil {
			result = res
		}
	}
	if result == nil {
		t.Fatalf("expected reassembly to complete")
	}
	if !bytes.Equal(result.Payload, payload) {
		t.Fatalf("reassembled payload mismatch: got %q", result.Payload)
	}
	if !result.Compressed {
		t.Fatalf("expected the reassembled result to carry the compressed flag from its fragments")
	}
}

func TestReassemblerCompletesOutOfOrderAndIdempotently(t *testing.T) {
	payload := []byte("out of order fragments reassemble correctly")
	fragments := stream.Fragment(payload, 5, false)
	r := stream.NewReassembler(4, time.Minute)
	sender := domain.NewDeviceId()

	// Reverse delivery order, and duplicate the last fragment.
	for i := len(fragments) - 1; i >= 0; i-- {
		if _, err := r.Receive(sender, fragments[i]); err != nil {
			t.Fatalf("receive fragment %d: %v", i, err)
		}
	}
	res, err := r.Receive(sender, fragments[0])
	if err != nil {
		t.Fatalf("duplicate receive: %v", err)
	}
	_ = res // duplicate of an already-delivered fragment: no crash, no double-count

	// Redo cleanly to confirm the assembled payload once more via a second stream id.
	fragments2 := stream.Fragment(payload, 5, false)
	var final *stream.Result
	for i := len(fragments2) - 1; i >= 0; i-- {
		res, err := r.Receive(sender, fragments2[i])
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if res != nil {
			final = res
		}
	}
	if final == nil || !bytes.Equal(final.Payload, payload) {
		t.Fatalf("expected out-of-order delivery to reassemble correctly")
	}
}

func TestReassemblerEnforcesPerSenderBound(t *testing.T) {
	r := stream.NewReassembler(1, time.Minute)
	sender := domain.NewDeviceId()

	first := stream.Fragment([]byte("aaaaaaaaaa"), 100, false)[0] // single fragment, stream stays open
	first.TotalFragments = 2                                      // force incompleteness so the stream stays open
	if _, err := r.Receive(sender, first); err != nil {
		t.Fatalf("first stream: %v", err)
	}

	second := stream.Fragment([]byte("bbbbbbbbbb"), 100, false)[0]
	second.TotalFragments = 2
	if _, err := r.Receive(sender, second); err == nil {
		t.Fatalf("expected a second concurrent stream to exceed the per-sender bound")
	}
}

func TestSweepExpiresStaleStreams(t *testing.T) {
	r := stream.NewReassembler(4, time.Millisecond)
	sender := domain.NewDeviceId()

	frag := stream.Fragment([]byte("hi"), 100, false)[0]
	frag.TotalFragments = 2 // never completes
	if _, err := r.Receive(sender, frag); err != nil {
		t.Fatalf("receive: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	expired := r.Sweep()
	if len(expired) != 1 {
		t.Fatalf("expected exactly one expired stream, got %d", len(expired))
	}
	if expired[0].SenderID != sender {
		t.Fatalf("expired entry has wrong sender")
	}
}
