// Package domain holds the types shared across every xlink component: device
// and message identifiers, key material shapes, capability descriptions, and
// the error taxonomy every other package reports through.
package domain

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// DeviceId is a 128-bit opaque peer identity, stable across restarts.
type DeviceId [16]byte

// NewDeviceId generates a fresh random DeviceId.
func NewDeviceId() DeviceId {
	return DeviceId(uuid.New())
}

func (id DeviceId) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value (used for the group-frame
// all-zero recipient placeholder).
func (id DeviceId) IsZero() bool {
	return id == DeviceId{}
}

// Less gives DeviceId a total order used to pick the ratchet initiator
// deterministically: the lower id is the initiator.
func (id DeviceId) Less(other DeviceId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// GroupId is a 128-bit opaque group identity.
type GroupId [16]byte

func NewGroupId() GroupId { return GroupId(uuid.New()) }

func (id GroupId) String() string { return uuid.UUID(id).String() }

// StreamId is a 128-bit opaque stream identity, fresh per fragmented send.
type StreamId [16]byte

func NewStreamId() StreamId { return StreamId(uuid.New()) }

func (id StreamId) String() string { return hex.EncodeToString(id[:]) }
