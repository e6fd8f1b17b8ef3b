package resource

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pion-contrib/rtp-resource/identity"
)

// NewOutgoingResource implements C1 and begins advertising data on link
// (SPEC_FULL.md §4.1, §4.3.2). The advertise step runs in its own
// goroutine, matching the original's daemon thread: it polls
// link.ReadyForNewResource() at 250ms intervals while QUEUED, then sends the
// advertisement, registers with the link, and starts the watchdog.
func NewOutgoingResource(data []byte, link Link, transport Transport, autoCompress bool) (*Resource, error) {
	if err := identity.CheckHashLen(link.Identity()); err != nil {
		return nil, err
	}

	built, err := buildResource(data, link, autoCompress)
	if err != nil {
		return nil, err
	}

	r := &Resource{
		link:             link,
		transport:        transport,
		observer:         link.Observer(),
		initiator:        true,
		status:           StatusNone,
		hash:             built.hash,
		randomHash:       built.randomHash,
		expectedProof:    built.expectedProof,
		flags:            built.flags,
		uncompressedData: built.uncompressedData,
		uncompressedSize: int64(len(built.uncompressedData)),
		data:             built.data,
		size:             int64(len(built.data)),
		totalParts:       len(built.parts),
		parts:            built.parts,
		hashmap:          built.hashmap,
		maxRetries:       MaxRetries,
		retriesLeft:      MaxRetries,
		defaultTimeout:   link.DefaultTimeout(),
		timeoutFactor:    link.TimeoutFactor(),
		logger:           link.Logger("resource"),
		concludedC:       make(chan struct{}),
	}
	if r.observer == nil {
		r.observer = NopObserver{}
	}

	go r.advertiseJob()

	return r, nil
}

// advertiseJob is the sender's __advertise_job: block (cooperatively) on
// admission, then send the advertisement and start the watchdog
// (SPEC_FULL.md §5).
func (r *Resource) advertiseJob() {
	payload, err := packAdvertisement(r)
	if err != nil {
		r.mu.Lock()
		r.concludeLocked(StatusFailed, fmt.Errorf("%w: encoding advertisement: %v", ErrChunkingFailed, err))
		r.mu.Unlock()
		return
	}
	advPacket := r.link.NewPacket(ContextResourceAdv, PacketTypeData, payload)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for !r.link.ReadyForNewResource() {
		select {
		case <-r.concludedC:
			return
		case <-ticker.C:
		}
		r.mu.Lock()
		r.setStatus(StatusQueued)
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		// Cancelled (or otherwise concluded) while still waiting on
		// admission; must not emit the advertisement or start a watchdog
		// for a resource whose terminal callback already fired.
		return
	}

	r.advPacket = advPacket
	if err := advPacket.Send(); err != nil {
		r.logger.Errorf("sending advertisement: %v", err)
		r.concludeLocked(StatusFailed, fmt.Errorf("%w: sending advertisement: %v", ErrTimeout, err))
		return
	}

	now := time.Now()
	r.lastActivity = now
	r.advSent = now
	r.setStatus(StatusAdvertised)
	r.link.RegisterOutgoingResource(r)
	r.observer.Started(r)

	r.watchdog = newWatchdog(r)
	r.watchdog.start()
}

// HandleRequest processes an inbound RESOURCE_REQ packet on the sending
// side (SPEC_FULL.md §4.3.2): it decodes the request, sends or resends the
// requested parts, and - if the receiver's hashmap is exhausted - emits the
// next HASHMAP_UPDATE segment.
func (r *Resource) HandleRequest(packet Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return nil
	}

	frame, err := unmarshalRequest(packet.Plaintext(), len(r.hash))
	if err != nil {
		return err
	}

	if !r.rttKnown {
		r.rtt = time.Since(r.advSent)
		r.rttKnown = true
	}

	if r.status != StatusTransferring {
		r.setStatus(StatusTransferring)
		r.watchdog.rearm()
	}
	r.recordProgress()

	for _, reqHash := range frame.requestedHash {
		p := r.findPartByMapHash(reqHash)
		if p == nil {
			continue
		}
		if p.packet == nil {
			p.packet = r.link.NewPacket(ContextResource, PacketTypeData, p.data)
		}

		if !p.sent {
			if err := p.packet.Send(); err != nil {
				r.logger.Warnf("sending part: %v", err)
				continue
			}
			p.sent = true
			r.sentParts++
		} else if err := p.packet.Resend(); err != nil {
			r.logger.Warnf("resending part: %v", err)
		}

		now := time.Now()
		r.lastActivity = now
		r.lastPartSent = now
	}

	if frame.exhausted {
		if err := r.sendHashmapSegment(frame.anchor); err != nil {
			r.cancelLocked(err)
			return err
		}
	}

	if r.sentParts == r.totalParts {
		r.setStatus(StatusAwaitingProof)
	}

	return nil
}

// sendHashmapSegment locates the part whose map hash is anchor, confirms it
// sits exactly at a segment boundary, and transmits the next segment
// (SPEC_FULL.md §4.3.2). Callers must hold r.mu.
func (r *Resource) sendHashmapSegment(anchor []byte) error {
	index := r.indexOfMapHash(anchor)
	if index < 0 {
		return fmt.Errorf("%w: hashmap anchor not found among parts", ErrSequencingError)
	}

	partIndex := index + 1 // 1-based count, matches the original's loop counter
	if partIndex%HashmapMaxLen != 0 {
		return fmt.Errorf("%w: anchor at part %d is not a segment boundary", ErrSequencingError, partIndex)
	}
	segment := partIndex / HashmapMaxLen

	hashmapBytes := hashmapSegment(r.hashmap, segment, r.totalParts)
	if hashmapBytes == nil {
		// The receiver's anchor is the last part overall; nothing more to
		// send, which is not an error - the request may simply be stale.
		return nil
	}

	payload, err := marshalHMU(r.hash, segment, hashmapBytes)
	if err != nil {
		return err
	}
	hmuPacket := r.link.NewPacket(ContextResourceHMU, PacketTypeData, payload)
	if err := hmuPacket.Send(); err != nil {
		return fmt.Errorf("resource: sending hashmap update: %w", err)
	}
	r.lastActivity = time.Now()
	return nil
}

// HandleProof processes an inbound RESOURCE_PRF packet on the sending side
// (SPEC_FULL.md §4.3.4's validateProof): on a matching proof, the resource
// reaches Complete and the observer is notified exactly once.
func (r *Resource) HandleProof(packet Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status >= StatusFailed {
		return nil
	}

	_, proof, err := unmarshalProof(packet.Plaintext(), len(r.hash))
	if err != nil {
		return err
	}

	if !bytes.Equal(proof, r.expectedProof) {
		r.logger.Warnf("received non-matching proof, ignoring")
		return nil
	}

	r.concludeLocked(StatusComplete, nil)
	return nil
}

func (r *Resource) findPartByMapHash(mapHash []byte) *part {
	for _, p := range r.parts {
		if bytes.Equal(p.mapHash, mapHash) {
			return p
		}
	}
	return nil
}

func (r *Resource) indexOfMapHash(mapHash []byte) int {
	for i, p := range r.parts {
		if bytes.Equal(p.mapHash, mapHash) {
			return i
		}
	}
	return -1
}

