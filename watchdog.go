// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"fmt"
	"time"

	"github.com/pion/transport/v4/deadline"
)

// watchdog is the per-resource supervisor of SPEC_FULL.md §4.4: it computes
// the next wake time from the resource's current status, sleeps until then
// (or until re-armed by an accepted progress event), and drives the
// state-specific retry/cancel action on expiry.
//
// It uses pion/transport/v4's deadline.Deadline rather than juggling
// time.Timer.Reset/Stop by hand - exactly the class of bug that primitive
// exists to avoid.
type watchdog struct {
	r       *Resource
	dl      *deadline.Deadline
	rearmC  chan struct{}
	doneC   chan struct{}
	stopped bool
}

// newWatchdog builds a watchdog for r. Callers must hold r.mu when calling
// this, matching how the original starts its watchdog thread from inside an
// already-synchronized state transition.
func newWatchdog(r *Resource) *watchdog {
	return &watchdog{
		r:      r,
		dl:     deadline.New(),
		rearmC: make(chan struct{}, 1),
		doneC:  make(chan struct{}),
	}
}

// start launches the supervisor goroutine.
func (w *watchdog) start() {
	go w.run()
}

// stop quiesces the supervisor. Callers must hold r.mu.
func (w *watchdog) stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.doneC)
}

// rearm wakes the supervisor early so it recomputes its deadline against
// fresh state (SPEC_FULL.md §4.4's "re-arm on explicit wake"). It is safe to
// call with r.mu held or not.
func (w *watchdog) rearm() {
	select {
	case w.rearmC <- struct{}{}:
	default:
	}
}

func (w *watchdog) run() {
	for {
		deadlineAt, ok := w.r.nextWatchdogDeadline()
		if !ok {
			return
		}

		if delay := time.Until(deadlineAt); delay == 0 {
			w.r.logger.Warnf("watchdog deadline computed as exactly now")
		}

		w.dl.Set(deadlineAt)

		select {
		case <-w.dl.Done():
			if w.r.fireWatchdog() {
				return
			}
		case <-w.rearmC:
		case <-w.doneC:
			return
		}
	}
}

// nextWatchdogDeadline computes the absolute time the supervisor should next
// wake at, per the table in SPEC_FULL.md §4.4. The second return value is
// false once the resource has left the window the watchdog supervises
// (Assembling or beyond) or if the state it finds is not one the watchdog
// recognizes, which is a programming error (a resource is always either
// Advertised, Transferring, or AwaitingProof while the watchdog runs); in
// that case the resource is also cancelled.
func (r *Resource) nextWatchdogDeadline() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() || r.status >= StatusAssembling {
		return time.Time{}, false
	}

	rtt := r.rtt
	if !r.rttKnown {
		rtt = r.link.RTT()
	}

	switch {
	case r.status == StatusAdvertised && r.initiator:
		return r.advSent.Add(r.defaultTimeout), true

	case r.status == StatusTransferring && !r.initiator:
		return r.lastActivity.Add(scaleDuration(rtt, r.timeoutFactor)), true

	case r.status == StatusTransferring && r.initiator:
		maxWait := scaleDuration(rtt, r.timeoutFactor*MaxRetries) + SenderGraceTime
		return r.lastActivity.Add(maxWait), true

	case r.status == StatusAwaitingProof && r.initiator:
		wait := scaleDuration(rtt, r.timeoutFactor) + SenderGraceTime
		return r.lastPartSent.Add(wait), true

	default:
		r.logger.Errorf("watchdog: unrecognized state (status=%s initiator=%v)", r.status, r.initiator)
		r.cancelLocked(fmt.Errorf("%w: watchdog programming error", ErrTimeout))
		return time.Time{}, false
	}
}

// fireWatchdog runs the state-specific expiry action and reports whether the
// watchdog loop should now exit (true once the resource reaches a terminal
// status).
func (r *Resource) fireWatchdog() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return true
	}

	switch {
	case r.status == StatusAdvertised && r.initiator:
		if r.retriesLeft <= 0 {
			r.logger.Debugf("resource transfer timeout after sending advertisement")
			r.cancelLocked(fmt.Errorf("%w: no part requests received", ErrTimeout))
			return true
		}
		r.retriesLeft--
		if err := r.advPacket.Resend(); err != nil {
			r.logger.Warnf("resending advertisement: %v", err)
		}
		now := time.Now()
		r.lastActivity = now
		r.advSent = now

	case r.status == StatusTransferring && !r.initiator:
		if r.retriesLeft <= 0 {
			r.cancelLocked(fmt.Errorf("%w: no parts arrived", ErrTimeout))
			return true
		}
		r.logger.Debugf("timeout waiting for parts, requesting retry")
		r.retriesLeft--
		r.waitingForHMU = false
		r.requestNextLocked()

	case r.status == StatusTransferring && r.initiator:
		r.logger.Debugf("resource timed out waiting for part requests")
		r.cancelLocked(fmt.Errorf("%w: no further requests arrived", ErrTimeout))
		return true

	case r.status == StatusAwaitingProof && r.initiator:
		if r.retriesLeft <= 0 {
			r.cancelLocked(fmt.Errorf("%w: no proof received", ErrTimeout))
			return true
		}
		r.logger.Debugf("all parts sent, but no proof received, querying network cache")
		r.retriesLeft--
		expectedProofPacket := marshalProof(r.hash, r.expectedProof)
		pkt := r.link.NewPacket(ContextResourcePrf, PacketTypeProof, expectedProofPacket)
		if _, err := pkt.Pack(); err != nil {
			r.logger.Warnf("packing expected proof for cache lookup: %v", err)
		} else if r.transport != nil {
			r.transport.CacheRequest(pkt.UpdateHash())
		}
		r.lastPartSent = time.Now()

	default:
		r.logger.Errorf("watchdog fired in unrecognized state (status=%s initiator=%v)", r.status, r.initiator)
		r.cancelLocked(fmt.Errorf("%w: watchdog programming error", ErrTimeout))
		return true
	}

	return r.status.Terminal()
}

// scaleDuration multiplies d by factor, which the link may supply as
// something other than a whole number (SPEC_FULL.md §6's timeout_factor).
func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
