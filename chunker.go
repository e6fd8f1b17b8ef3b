// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pion/randutil"
	"github.com/pion-contrib/rtp-resource/identity"
)

// maxHashmapAttempts bounds the collision re-roll loop of SPEC_FULL.md §4.1
// step 7 / §9's "suggested >= 8 attempts".
const maxHashmapAttempts = 8

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewDecoder(nil)

var cryptoRandom = randutil.NewCryptoRandomGenerator()

// part is one SDU-sized chunk of a resource's transmitted payload, annotated
// with its map hash (SPEC_FULL.md §3).
type part struct {
	data    []byte
	mapHash []byte
	sent    bool
	packet  Packet
}

// chunkerResult is everything C1 produces for a new outgoing resource.
type chunkerResult struct {
	uncompressedData []byte
	data             []byte
	randomHash       []byte
	hash             []byte
	expectedProof    []byte
	flags            uint8
	parts            []*part
	hashmap          []byte // concatenation of all part map hashes, in order
}

// buildResource implements C1 end to end: compress (optionally), encrypt,
// draw a random hash, split into SDU-sized parts, and find a collision-free
// hashmap, re-rolling the random hash up to maxHashmapAttempts times.
func buildResource(data []byte, link Link, autoCompress bool) (*chunkerResult, error) {
	payload, compressed := maybeCompress(data, autoCompress)

	encrypted := false
	if !link.EncryptionDisabled() {
		ciphertext, err := link.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encrypting: %v", ErrChunkingFailed, err)
		}
		payload = ciphertext
		encrypted = true
	}

	sdu := SDU(link)
	if sdu <= 0 {
		return nil, fmt.Errorf("%w: non-positive SDU (%d)", ErrChunkingFailed, sdu)
	}

	for attempt := 0; attempt < maxHashmapAttempts; attempt++ {
		randomHash, err := drawRandomHash()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChunkingFailed, err)
		}

		parts := splitParts(payload, sdu)
		hashmap := make([]byte, 0, len(parts)*MapHashLen)
		seen := make(map[string]struct{}, len(parts))
		collision := false

		for _, p := range parts {
			p.mapHash = mapHash(link.Identity(), p.data, randomHash)
			key := string(p.mapHash)
			if _, dup := seen[key]; dup {
				collision = true
				break
			}
			seen[key] = struct{}{}
			hashmap = append(hashmap, p.mapHash...)
		}

		if collision {
			continue
		}

		var flags uint8
		if compressed {
			flags |= FlagCompressed
		}
		if encrypted {
			flags |= FlagEncrypted
		}

		hash := link.Identity().FullHash(append(append([]byte{}, data...), randomHash...))
		expectedProof := link.Identity().FullHash(append(append([]byte{}, data...), hash...))

		return &chunkerResult{
			uncompressedData: data,
			data:             payload,
			randomHash:       randomHash,
			hash:             hash,
			expectedProof:    expectedProof,
			flags:            flags,
			parts:            parts,
			hashmap:          hashmap,
		}, nil
	}

	return nil, fmt.Errorf("%w: no collision-free hashmap after %d attempts", ErrChunkingFailed, maxHashmapAttempts)
}

// maybeCompress applies the generic block compressor and keeps the result
// only if it is strictly smaller and autoCompress is set.
func maybeCompress(data []byte, autoCompress bool) (out []byte, compressed bool) {
	if !autoCompress {
		return data, false
	}
	candidate := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(candidate) < len(data) {
		return candidate, true
	}
	return data, false
}

// decompress reverses maybeCompress.
func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("resource: decompressing: %w", err)
	}
	return out, nil
}

// splitParts divides payload into ceil(len/sdu) contiguous parts, with no
// empty trailing part when len(payload) is an exact multiple of sdu.
func splitParts(payload []byte, sdu int) []*part {
	if len(payload) == 0 {
		return nil
	}
	n := (len(payload) + sdu - 1) / sdu
	parts := make([]*part, 0, n)
	for i := 0; i < n; i++ {
		start := i * sdu
		end := start + sdu
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])
		parts = append(parts, &part{data: chunk})
	}
	return parts
}

// drawRandomHash draws the RandomHashSize-byte nonce mixed into part-hash
// derivation (SPEC_FULL.md §4.1 step 3).
func drawRandomHash() ([]byte, error) {
	out := make([]byte, RandomHashSize)
	for i := 0; i < RandomHashSize; i += 4 {
		v, err := cryptoRandom.Uint32()
		if err != nil {
			return nil, fmt.Errorf("drawing random hash: %w", err)
		}
		out[i] = byte(v >> 24)
		if i+1 < RandomHashSize {
			out[i+1] = byte(v >> 16)
		}
		if i+2 < RandomHashSize {
			out[i+2] = byte(v >> 8)
		}
		if i+3 < RandomHashSize {
			out[i+3] = byte(v)
		}
	}
	return out, nil
}

// mapHash computes the MapHashLen-byte prefix of digest(data || randomHash),
// the receiver's handle for requesting a part by identity (SPEC_FULL.md
// §4.1 step 6).
func mapHash(p identity.Provider, data, randomHash []byte) []byte {
	full := p.FullHash(append(append([]byte{}, data...), randomHash...))
	return full[:MapHashLen]
}

// assembleParts concatenates ordered parts back into the transmitted payload.
func assembleParts(parts [][]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}
