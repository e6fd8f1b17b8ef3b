// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// HashmapMaxLen is the number of map hashes carried per segment, sized to
// fit one SDU after framing (SPEC_FULL.md §4.2). It is a fixed constant
// rather than computed from the link's SDU, matching the original
// implementation's own deliberately-fixed choice.
const HashmapMaxLen = 84

// advertisement is the wire object of SPEC_FULL.md §3/§4.2: a self
// describing map with keys t,d,n,h,r,f,m. Each field carries a lower-case
// msgpack tag to match the key set exactly, since vmihailenco/msgpack would
// otherwise use the field name itself as the key and the wire format must be
// bit-exact.
type advertisement struct {
	T int64  `msgpack:"t"` // transfer size
	D int64  `msgpack:"d"` // uncompressed size
	N int    `msgpack:"n"` // total parts
	H []byte `msgpack:"h"` // resource hash
	R []byte `msgpack:"r"` // random hash
	F uint8  `msgpack:"f"` // flags
	M []byte `msgpack:"m"` // hashmap segment 0
}

// Flag bits of SPEC_FULL.md §6.
const (
	FlagEncrypted  uint8 = 0x01
	FlagCompressed uint8 = 0x02
)

// packAdvertisement builds the wire bytes for resource's initial
// advertisement, carrying hashmap segment 0.
func packAdvertisement(res *Resource) ([]byte, error) {
	adv := &advertisement{
		T: int64(len(res.data)),
		D: int64(len(res.uncompressedData)),
		N: len(res.parts),
		H: res.hash,
		R: res.randomHash,
		F: res.flags,
		M: hashmapSegment(res.hashmap, 0, res.totalParts),
	}
	encoded, err := msgpack.Marshal(adv)
	if err != nil {
		return nil, fmt.Errorf("resource: encoding advertisement: %w", err)
	}
	return encoded, nil
}

// unpackAdvertisement decodes an inbound advertisement payload.
func unpackAdvertisement(data []byte) (*advertisement, error) {
	var adv advertisement
	if err := msgpack.Unmarshal(data, &adv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdvertisementMalformed, err)
	}
	if len(adv.H) == 0 || len(adv.R) == 0 {
		return nil, fmt.Errorf("%w: missing hash fields", ErrAdvertisementMalformed)
	}
	return &adv, nil
}

// Encrypted reports whether the advertised resource is link-encrypted.
func (a *advertisement) Encrypted() bool { return a.F&FlagEncrypted != 0 }

// Compressed reports whether the advertised resource was compressed.
func (a *advertisement) Compressed() bool { return a.F&FlagCompressed != 0 }

// hashmapSegment slices the flat hashmap (concatenated MapHashLen-sized
// entries, one per part) down to segment index seg, bounded by totalParts.
func hashmapSegment(hashmap []byte, seg, totalParts int) []byte {
	start := seg * HashmapMaxLen * MapHashLen
	end := (seg + 1) * HashmapMaxLen * MapHashLen
	if max := totalParts * MapHashLen; end > max {
		end = max
	}
	if start >= end || start >= len(hashmap) {
		return nil
	}
	if end > len(hashmap) {
		end = len(hashmap)
	}
	out := make([]byte, end-start)
	copy(out, hashmap[start:end])
	return out
}

// segmentCount returns how many HashmapMaxLen-sized segments totalParts
// spans, i.e. ceil(totalParts / HashmapMaxLen); a zero-part resource still
// counts as one (empty) segment.
func segmentCount(totalParts int) int {
	if totalParts == 0 {
		return 1
	}
	return (totalParts + HashmapMaxLen - 1) / HashmapMaxLen
}
