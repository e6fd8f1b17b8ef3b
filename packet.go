// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PacketContext is the context tag a Packet is framed with (SPEC_FULL.md
// §6). It tells a receiving link which Resource subsystem a packet belongs
// to, independent of the generic Packet framing the link layer owns.
type PacketContext uint8

// PacketContext values, matching spec §6's table.
const (
	ContextResource PacketContext = iota
	ContextResourceAdv
	ContextResourceReq
	ContextResourceHMU
	ContextResourcePrf
	ContextResourceIcl
)

// PacketType distinguishes ordinary data packets from proof packets.
type PacketType uint8

// PacketType values.
const (
	PacketTypeData PacketType = iota
	PacketTypeProof
)

// Packet is the narrow slice of the link-layer packet abstraction this
// module consumes (SPEC_FULL.md §6). The concrete framing, retransmission
// bookkeeping, and on-the-wire packet header are all owned by the link; a
// Resource only ever sends, resends, packs, and hashes through this
// interface.
type Packet interface {
	Context() PacketContext
	Type() PacketType

	// Payload is the outbound payload this packet was constructed with.
	Payload() []byte

	// Plaintext is the inbound payload after the link's automatic
	// decryption. It is only meaningful on packets the link delivered to
	// us, not ones we are about to send.
	Plaintext() []byte

	Send() error
	Resend() error
	Pack() ([]byte, error)
	UpdateHash() []byte
}

// Flag bytes for the request frame's anchor indicator (SPEC_FULL.md §6).
const (
	HashmapIsNotExhausted byte = 0x00
	HashmapIsExhausted    byte = 0xFF
)

// requestFrame is the decoded form of a RESOURCE_REQ payload:
//
//	flag_byte(1) || [anchor_map_hash(4) iff flag==0xFF] || resource_hash(H) || requested_map_hashes(4*k)
type requestFrame struct {
	exhausted     bool
	anchor        []byte // len MapHashLen, only set when exhausted
	resourceHash  []byte
	requestedHash [][]byte // each len MapHashLen
}

// marshalRequest builds a RESOURCE_REQ payload.
func marshalRequest(resourceHash []byte, exhausted bool, anchor []byte, requested [][]byte) []byte {
	size := 1 + len(resourceHash) + len(requested)*MapHashLen
	if exhausted {
		size += MapHashLen
	}
	out := make([]byte, 0, size)
	if exhausted {
		out = append(out, HashmapIsExhausted)
		out = append(out, anchor...)
	} else {
		out = append(out, HashmapIsNotExhausted)
	}
	out = append(out, resourceHash...)
	for _, h := range requested {
		out = append(out, h...)
	}
	return out
}

// unmarshalRequest decodes a RESOURCE_REQ payload given the hash length in
// use on this link.
func unmarshalRequest(data []byte, hashLen int) (*requestFrame, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: request frame empty", ErrAdvertisementMalformed)
	}

	frame := &requestFrame{exhausted: data[0] == HashmapIsExhausted}
	offset := 1
	if frame.exhausted {
		if len(data) < offset+MapHashLen {
			return nil, fmt.Errorf("%w: request frame truncated anchor", ErrAdvertisementMalformed)
		}
		frame.anchor = data[offset : offset+MapHashLen]
		offset += MapHashLen
	}

	if len(data) < offset+hashLen {
		return nil, fmt.Errorf("%w: request frame truncated resource hash", ErrAdvertisementMalformed)
	}
	frame.resourceHash = data[offset : offset+hashLen]
	offset += hashLen

	remaining := data[offset:]
	if len(remaining)%MapHashLen != 0 {
		return nil, fmt.Errorf("%w: request frame has trailing bytes", ErrAdvertisementMalformed)
	}
	for i := 0; i < len(remaining); i += MapHashLen {
		frame.requestedHash = append(frame.requestedHash, remaining[i:i+MapHashLen])
	}
	return frame, nil
}

// hmuPayload is the msgpack-encoded [segment_index, hashmap_bytes] tuple
// carried after the resource hash in a RESOURCE_HMU frame.
type hmuPayload struct {
	_msgpack struct{} `msgpack:",as_array"`
	Segment  int
	Hashmap  []byte
}

// marshalHMU builds a RESOURCE_HMU payload:
// resource_hash(H) || encode([segment_index, hashmap_bytes]).
func marshalHMU(resourceHash []byte, segment int, hashmap []byte) ([]byte, error) {
	encoded, err := msgpack.Marshal(&hmuPayload{Segment: segment, Hashmap: hashmap})
	if err != nil {
		return nil, fmt.Errorf("resource: encoding hashmap update: %w", err)
	}
	out := make([]byte, 0, len(resourceHash)+len(encoded))
	out = append(out, resourceHash...)
	out = append(out, encoded...)
	return out, nil
}

// unmarshalHMU decodes a RESOURCE_HMU payload.
func unmarshalHMU(data []byte, hashLen int) (resourceHash []byte, segment int, hashmap []byte, err error) {
	if len(data) < hashLen {
		return nil, 0, nil, fmt.Errorf("%w: hashmap update truncated", ErrAdvertisementMalformed)
	}
	resourceHash = data[:hashLen]

	var payload hmuPayload
	if err := msgpack.Unmarshal(data[hashLen:], &payload); err != nil {
		return nil, 0, nil, fmt.Errorf("%w: decoding hashmap update: %v", ErrAdvertisementMalformed, err)
	}
	return resourceHash, payload.Segment, payload.Hashmap, nil
}

// marshalProof builds a RESOURCE_PRF payload: resource_hash(H) || proof(H).
func marshalProof(resourceHash, proof []byte) []byte {
	out := make([]byte, 0, len(resourceHash)+len(proof))
	out = append(out, resourceHash...)
	out = append(out, proof...)
	return out
}

// unmarshalProof decodes a RESOURCE_PRF payload given the hash length.
func unmarshalProof(data []byte, hashLen int) (resourceHash, proof []byte, err error) {
	if len(data) != 2*hashLen {
		return nil, nil, fmt.Errorf("%w: proof frame is %d bytes, want %d", ErrAdvertisementMalformed, len(data), 2*hashLen)
	}
	return data[:hashLen], data[hashLen:], nil
}

// marshalCancel builds a RESOURCE_ICL payload: resource_hash(H).
func marshalCancel(resourceHash []byte) []byte {
	out := make([]byte, len(resourceHash))
	copy(out, resourceHash)
	return out
}
