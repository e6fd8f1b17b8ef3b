// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"time"

	"github.com/pion/logging"
	"github.com/pion-contrib/rtp-resource/identity"
)

// LinkStatus mirrors the small slice of a link's own lifecycle this module
// needs to observe (SPEC_FULL.md §6).
type LinkStatus uint8

// LinkStatus values.
const (
	LinkClosed LinkStatus = iota
	LinkActive
)

// ResourceObserver is the capability interface a caller supplies to be told
// about a resource's lifecycle (SPEC_FULL.md §9's "dynamic callbacks").
// A nil ResourceObserver is never required - Link.Observer may return a
// no-op implementation.
type ResourceObserver interface {
	// Started is invoked once a resource has been registered with the link,
	// on both the sending and the receiving side.
	Started(r *Resource)

	// Progress is invoked on the receiver after each accepted part. It is
	// the supplemented feature of SPEC_FULL.md §3.1.
	Progress(r *Resource)

	// Concluded is invoked exactly once per resource, when it reaches a
	// terminal status.
	Concluded(r *Resource)
}

// NopObserver implements ResourceObserver with no-ops, for callers that
// don't care.
type NopObserver struct{}

// Started implements ResourceObserver.
func (NopObserver) Started(*Resource) {}

// Progress implements ResourceObserver.
func (NopObserver) Progress(*Resource) {}

// Concluded implements ResourceObserver.
func (NopObserver) Concluded(*Resource) {}

// Link is the narrow contract this module consumes from the link layer
// (SPEC_FULL.md §6). Everything else about how packets actually travel -
// framing, physical interfaces, routing - is an external collaborator.
type Link interface {
	// EncryptionDisabled reports whether this link carries plaintext.
	EncryptionDisabled() bool
	// Encrypt and Decrypt apply the link's symmetric security.
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)

	// ReadyForNewResource gates admission of a new outgoing resource.
	ReadyForNewResource() bool

	RegisterOutgoingResource(r *Resource)
	RegisterIncomingResource(r *Resource)
	CancelOutgoingResource(r *Resource)
	CancelIncomingResource(r *Resource)
	ResourceConcluded(r *Resource)

	// NewPacket constructs a Packet framed for this link, in the given
	// resource context, ready to Pack/Send.
	NewPacket(ctx PacketContext, typ PacketType, payload []byte) Packet

	// RTT is the link's own baseline round-trip estimate, used until a
	// resource has learned its own.
	RTT() time.Duration
	DefaultTimeout() time.Duration
	TimeoutFactor() float64

	Status() LinkStatus
	Observer() ResourceObserver

	// Identity exposes the link's digest/AEAD capability (SPEC_FULL.md §1).
	Identity() identity.Provider

	// MTU and PacketHeaderMax together determine SDU (spec §3's invariant
	// total_parts = ceil(transfer_size / SDU)).
	MTU() int
	PacketHeaderMax() int

	// Logger returns a scoped logger for the given component name.
	Logger(scope string) logging.LeveledLogger
}

// SDU returns the usable payload size per packet for l, per spec §3.
func SDU(l Link) int {
	return l.MTU() - l.PacketHeaderMax()
}
