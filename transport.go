// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

// Transport is the routing-layer capability the watchdog reaches for when a
// sender is waiting on a proof it never received (SPEC_FULL.md §4.4,
// §6). Per the open question in §9, this is fire-and-forget: the sender
// keeps waiting in AwaitingProof for the proof to arrive by the normal
// inbound path, it does not block on CacheRequest.
type Transport interface {
	// CacheRequest asks the routing layer to opportunistically query the
	// network for a previously-witnessed packet by hash.
	CacheRequest(packetHash []byte)
}
