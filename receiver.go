package resource

import (
	"bytes"
	"fmt"
	"time"
)

// Accept implements the receiver's static accept() constructor
// (SPEC_FULL.md §4.3.3): decode an inbound advertisement, allocate part and
// hashmap slots, install segment 0, and begin requesting.
func Accept(packet Packet, link Link, transport Transport) (*Resource, error) {
	adv, err := unpackAdvertisement(packet.Plaintext())
	if err != nil {
		return nil, err
	}

	totalParts := int((adv.T + int64(SDU(link)) - 1) / int64(SDU(link)))
	if adv.T == 0 {
		totalParts = 0
	}

	r := &Resource{
		link:             link,
		transport:        transport,
		observer:         link.Observer(),
		initiator:        false,
		status:           StatusTransferring,
		hash:             adv.H,
		randomHash:       adv.R,
		flags:            adv.F,
		uncompressedSize: adv.D,
		size:             adv.T,
		totalParts:       totalParts,
		recvParts:        make([][]byte, totalParts),
		recvHashmap:      make([][]byte, totalParts),
		window:           Window,
		maxRetries:       MaxRetries,
		retriesLeft:      MaxRetries,
		defaultTimeout:   link.DefaultTimeout(),
		timeoutFactor:    link.TimeoutFactor(),
		lastActivity:     time.Now(),
		logger:           link.Logger("resource"),
		concludedC:       make(chan struct{}),
	}
	if r.observer == nil {
		r.observer = NopObserver{}
	}

	r.link.RegisterIncomingResource(r)
	r.observer.Started(r)

	r.mu.Lock()
	r.installHashmapSegmentLocked(0, adv.M)
	r.watchdog = newWatchdog(r)
	r.mu.Unlock()
	r.watchdog.start()

	r.mu.Lock()
	if r.totalParts == 0 {
		// A zero-part resource (SPEC_FULL.md §8's size-0 boundary case) has
		// nothing to request; it is complete as soon as it is accepted.
		r.assembleLocked()
	} else {
		r.requestNextLocked()
	}
	r.mu.Unlock()

	return r, nil
}

// Encrypted reports whether the advertised resource is link-encrypted.
func (r *Resource) Encrypted() bool { return r.flags&FlagEncrypted != 0 }

// Compressed reports whether the advertised resource was compressed.
func (r *Resource) Compressed() bool { return r.flags&FlagCompressed != 0 }

// ReceivePart processes an inbound RESOURCE-context data packet
// (SPEC_FULL.md §4.3.3). Duplicate or unrecognized parts are dropped
// silently and idempotently.
func (r *Resource) ReceivePart(packet Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return
	}

	now := time.Now()
	r.lastActivity = now
	r.recordProgress()

	if r.reqResp == nil {
		r.reqResp = &now
		observedRTT := now.Sub(r.reqSent)
		if !r.rttKnown {
			r.rtt = observedRTT
			r.rttKnown = true
			r.watchdog.rearm()
		} else if observedRTT > r.rtt {
			r.rtt = observedRTT
		}
	}

	r.setStatus(StatusTransferring)

	partData := packet.Plaintext()
	mh := mapHash(r.link.Identity(), partData, r.randomHash)

	for i, known := range r.recvHashmap {
		if known != nil && bytes.Equal(known, mh) {
			if r.recvParts[i] == nil {
				r.recvParts[i] = partData
				r.receivedCount++
				r.outstandingParts--
				r.observer.Progress(r)
			}
			break
		}
	}

	switch {
	case r.outstandingParts == 0 && r.receivedCount == r.totalParts:
		r.assembleLocked()
	case r.outstandingParts == 0:
		if r.window < WindowMax {
			r.window++
		}
		r.requestNextLocked()
	}
}

// requestNextLocked implements request_next() (SPEC_FULL.md §4.3.3): scan
// parts in order, request up to window missing ones whose map hash is
// known, and ask for the next hashmap segment once the known hashmap is
// exhausted. Callers must hold r.mu.
func (r *Resource) requestNextLocked() {
	if r.status == StatusFailed || r.waitingForHMU {
		return
	}

	r.outstandingParts = 0
	exhausted := false
	var anchor []byte
	var requested [][]byte

	for i, p := range r.recvParts {
		if p != nil {
			continue
		}
		mh := r.recvHashmap[i]
		if mh == nil {
			exhausted = true
			break
		}
		requested = append(requested, mh)
		r.outstandingParts++
		if r.outstandingParts >= r.window {
			break
		}
	}

	if exhausted {
		if r.hashmapHeight == 0 {
			r.logger.Errorf("hashmap exhausted with nothing known yet")
			return
		}
		anchor = r.recvHashmap[r.hashmapHeight-1]
		r.waitingForHMU = true
	}

	payload := marshalRequest(r.hash, exhausted, anchor, requested)
	pkt := r.link.NewPacket(ContextResourceReq, PacketTypeData, payload)
	if err := pkt.Send(); err != nil {
		r.logger.Warnf("sending request: %v", err)
	}
	r.lastRequestPacket = pkt

	now := time.Now()
	r.lastActivity = now
	r.reqSent = now
	r.reqResp = nil
}

// HashmapUpdate processes an inbound RESOURCE_HMU packet (SPEC_FULL.md
// §4.3.3). Segments must arrive in order; installing segment s implies
// segments 0..s-1 are already known (SPEC_FULL.md §8 invariant 7) because
// the receiver only ever asks for the segment immediately following its
// current height.
func (r *Resource) HashmapUpdate(packet Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return nil
	}

	_, segment, hashmapBytes, err := unmarshalHMU(packet.Plaintext(), len(r.hash))
	if err != nil {
		return err
	}

	r.recordProgress()
	r.setStatus(StatusTransferring)
	r.installHashmapSegmentLocked(segment, hashmapBytes)

	r.waitingForHMU = false
	r.requestNextLocked()
	return nil
}

// installHashmapSegmentLocked writes a hashmap segment's map hashes into
// the receiver's sparse hashmap, bumping hashmapHeight for each
// newly-filled slot (SPEC_FULL.md §4.3.3's hashmap_update). Callers must
// hold r.mu.
func (r *Resource) installHashmapSegmentLocked(segment int, hashmapBytes []byte) {
	if len(hashmapBytes)%MapHashLen != 0 {
		r.logger.Errorf("hashmap segment %d has misaligned length %d", segment, len(hashmapBytes))
		return
	}
	base := segment * HashmapMaxLen
	count := len(hashmapBytes) / MapHashLen
	for i := 0; i < count; i++ {
		idx := base + i
		if idx >= len(r.recvHashmap) {
			break
		}
		if r.recvHashmap[idx] == nil {
			r.hashmapHeight++
		}
		r.recvHashmap[idx] = hashmapBytes[i*MapHashLen : (i+1)*MapHashLen]
	}
}

// assembleLocked implements assemble() (SPEC_FULL.md §4.3.3/§4.3.4):
// concatenate parts, decrypt and decompress as flagged, verify the digest,
// and either prove completion or fail as Corrupt. Callers must hold r.mu.
func (r *Resource) assembleLocked() {
	r.setStatus(StatusAssembling)

	stream := assembleParts(r.recvParts)

	plaintext := stream
	if r.Encrypted() {
		decrypted, err := r.link.Decrypt(stream)
		if err != nil {
			r.logger.Errorf("decrypting assembled resource: %v", err)
			r.concludeLocked(StatusCorrupt, fmt.Errorf("%w: decrypting: %v", ErrIntegrityFailure, err))
			return
		}
		plaintext = decrypted
	}

	data := plaintext
	if r.Compressed() {
		decompressed, err := decompress(plaintext)
		if err != nil {
			r.logger.Errorf("decompressing assembled resource: %v", err)
			r.concludeLocked(StatusCorrupt, fmt.Errorf("%w: decompressing: %v", ErrIntegrityFailure, err))
			return
		}
		data = decompressed
	}

	calculatedHash := r.link.Identity().FullHash(append(append([]byte{}, data...), r.randomHash...))
	if !bytes.Equal(calculatedHash, r.hash) {
		r.concludeLocked(StatusCorrupt, ErrIntegrityFailure)
		return
	}

	r.uncompressedData = data
	r.setStatus(StatusComplete)
	r.proveLocked(data)
	r.concludeLocked(StatusComplete, nil)
}

// proveLocked sends the cryptographic receipt of SPEC_FULL.md §4.3.4.
// Callers must hold r.mu.
func (r *Resource) proveLocked(data []byte) {
	proof := r.link.Identity().FullHash(append(append([]byte{}, data...), r.hash...))
	payload := marshalProof(r.hash, proof)
	pkt := r.link.NewPacket(ContextResourcePrf, PacketTypeProof, payload)
	if err := pkt.Send(); err != nil {
		r.logger.Warnf("sending proof: %v", err)
	}
}

// Data returns the fully assembled, decrypted, decompressed payload once the
// resource is Complete. It is nil before that.
func (r *Resource) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uncompressedData
}
