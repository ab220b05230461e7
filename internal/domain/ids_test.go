package domain_test

import (
	"testing"

	"xlink/internal/domain"
)

func TestDeviceIdLessIsATotalOrder(t *testing.T) {
	a := domain.NewDeviceId()
	b := domain.NewDeviceId()

	if a == b {
		t.Skip("extremely unlikely random collision, skip")
	}

	aLessB := a.Less(b)
	bLessA := b.Less(a)
	if aLessB == bLessA {
		t.Fatalf("expected exactly one of a.Less(b), b.Less(a) to hold")
	}
	if a.Less(a) {
		t.Fatalf("a value must not be Less than itself")
	}
}

func TestDeviceIdIsZero(t *testing.T) {
	var zero domain.DeviceId
	if !zero.IsZero() {
		t.Fatalf("expected zero value DeviceId to report IsZero")
	}
	if domain.NewDeviceId().IsZero() {
		t.Fatalf("did not expect a freshly generated DeviceId to be zero")
	}
}
