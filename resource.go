// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"sync"
	"time"

	"github.com/pion/logging"
)

// Constants of SPEC_FULL.md §6, normative across the protocol.
const (
	WindowMin      = 1
	Window         = 4
	WindowMax      = 7
	MapHashLen     = 4
	RandomHashSize = 4

	MaxRetries      = 5
	SenderGraceTime = 10 * time.Second
)

// Resource is the shared sender/receiver type of SPEC_FULL.md §3. Initiator
// distinguishes which FSM (sender.go or receiver.go) drives it; both sides
// are otherwise the same struct, exactly as the original implementation
// models them with a single class.
type Resource struct {
	mu sync.Mutex

	link      Link
	transport Transport
	observer  ResourceObserver

	initiator bool
	status    Status
	err       error

	// Identity (SPEC_FULL.md §3).
	hash             []byte
	randomHash       []byte
	expectedProof    []byte
	flags            uint8
	uncompressedData []byte
	uncompressedSize int64
	data             []byte
	size             int64
	totalParts       int

	// Sender-side state.
	parts        []*part
	hashmap      []byte
	sentParts    int
	advSent      time.Time
	lastPartSent time.Time
	advPacket    Packet
	maxRetries   int

	// Receiver-side state.
	recvParts         [][]byte
	recvHashmap       [][]byte
	hashmapHeight     int
	receivedCount     int
	outstandingParts  int
	waitingForHMU     bool
	window            int
	reqSent           time.Time
	reqResp           *time.Time
	lastRequestPacket Packet

	// Shared timing/retry state.
	lastActivity time.Time
	rtt          time.Duration
	rttKnown     bool
	retriesLeft  int

	defaultTimeout time.Duration
	timeoutFactor  float64

	watchdog *watchdog
	logger   logging.LeveledLogger

	concludedOnce sync.Once
	concludedC    chan struct{}
}

// Status returns the resource's current lifecycle status. It is a coarse
// observation, not a transactional ledger - see DESIGN.md's "NONE -> QUEUED
// ordering" open-question decision.
func (r *Resource) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Hash returns the resource's content hash (SPEC_FULL.md §3).
func (r *Resource) Hash() []byte {
	return r.hash
}

// Err returns the error associated with a terminal, non-Complete status, if
// any.
func (r *Resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Initiator reports whether this Resource is the sending side.
func (r *Resource) Initiator() bool {
	return r.initiator
}

// TotalParts returns the number of parts this resource was split into.
func (r *Resource) TotalParts() int {
	return r.totalParts
}

// Progress returns received_count/total_parts on the receiving side, the
// supplemented feature of SPEC_FULL.md §3.1, and sent_parts/total_parts on
// the sending side. It is always 1 for a zero-part resource.
func (r *Resource) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totalParts == 0 {
		return 1
	}
	if r.initiator {
		return float64(r.sentParts) / float64(r.totalParts)
	}
	return float64(r.receivedCount) / float64(r.totalParts)
}

// setStatus transitions status and logs it. Callers must hold r.mu.
func (r *Resource) setStatus(s Status) {
	if r.status == s {
		return
	}
	r.logger.Debugf("status %s -> %s", r.status, s)
	r.status = s
}

// concludeLocked invokes the observer's Concluded callback exactly once,
// per SPEC_FULL.md §8 invariant 5. Callers must hold r.mu; it unlocks
// temporarily to call out to the observer without risking a self-deadlock
// if the observer calls back into the resource.
func (r *Resource) concludeLocked(status Status, err error) {
	r.setStatus(status)
	r.err = err
	r.link.ResourceConcluded(r)
	if r.watchdog != nil {
		r.watchdog.stop()
	}

	r.mu.Unlock()
	r.concludedOnce.Do(func() {
		close(r.concludedC)
		if r.observer != nil {
			r.observer.Concluded(r)
		}
	})
	r.mu.Lock()
}

// recordProgress bumps retriesLeft back to the full budget on any accepted
// progress event (SPEC_FULL.md §8 invariant 4). Callers must hold r.mu.
func (r *Resource) recordProgress() {
	r.lastActivity = time.Now()
	r.retriesLeft = r.maxRetries
}

// Cancel aborts the resource locally (SPEC_FULL.md §5's cancellation
// semantics). It is idempotent: it only acts while status < Complete.
func (r *Resource) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(ErrLocalCancel)
}

// HandleCancel processes an inbound RESOURCE_ICL packet (SPEC_FULL.md
// §4.3's initiator-cancel path): the resource concludes Failed with
// ErrRemoteCancel and, since cancelLocked only emits an ICL of its own on
// the initiator side, does not echo a packet back.
func (r *Resource) HandleCancel(Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(ErrRemoteCancel)
}

// cancelLocked implements Cancel plus the remote-cancel and internal
// failure paths that share its semantics. Callers must hold r.mu.
func (r *Resource) cancelLocked(cause error) {
	if r.status >= StatusComplete {
		return
	}

	if r.initiator {
		if r.link.Status() == LinkActive {
			cancelPacket := r.link.NewPacket(ContextResourceIcl, PacketTypeData, marshalCancel(r.hash))
			if err := cancelPacket.Send(); err != nil {
				r.logger.Warnf("sending cancel packet: %v", err)
			}
		}
		r.link.CancelOutgoingResource(r)
	} else {
		r.link.CancelIncomingResource(r)
	}

	r.concludeLocked(StatusFailed, cause)
}
