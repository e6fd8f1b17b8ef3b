// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/pion-contrib/rtp-resource/identity"
)

func waitFor(t *testing.T, ch chan *Resource, timeout time.Duration) *Resource {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		t.Fatal("timed out waiting for resource to conclude")
		return nil
	}
}

func TestEndToEndSingleSegmentSuccess(t *testing.T) {
	id, err := identity.NewReference(nil)
	require.NoError(t, err)

	senderObs := newFakeObserver()
	receiverObs := newFakeObserver()
	sender, _ := newFakeLinkPair(id, senderObs, receiverObs)
	sender.mtu, sender.peer.mtu = 472, 472 // SDU 464, so 100 bytes fit one part

	data := bytes.Repeat([]byte{0x42}, 100)
	_, err = NewOutgoingResource(data, sender, &fakeTransport{}, false)
	require.NoError(t, err)

	senderResult := waitFor(t, senderObs.doneC, 2*time.Second)
	receiverResult := waitFor(t, receiverObs.doneC, 2*time.Second)

	assert.Equal(t, StatusComplete, senderResult.Status())
	assert.Equal(t, StatusComplete, receiverResult.Status())
	assert.Equal(t, 1, receiverResult.TotalParts())
	assert.Equal(t, data, receiverResult.Data())
}

func TestEndToEndMultiSegmentHashmap(t *testing.T) {
	// A keyed identity: encryption makes the parts of this repetitive payload
	// differ, so their map hashes do not collide.
	id, err := identity.NewReference(make([]byte, 32))
	require.NoError(t, err)

	senderObs := newFakeObserver()
	receiverObs := newFakeObserver()
	sender, _ := newFakeLinkPair(id, senderObs, receiverObs)
	sender.mtu, sender.headerMax = 20, 4 // SDU 16, forces more than HashmapMaxLen parts
	sender.peer.mtu, sender.peer.headerMax = 20, 4

	data := bytes.Repeat([]byte{0x07}, HashmapMaxLen*16+50)
	_, err = NewOutgoingResource(data, sender, &fakeTransport{}, false)
	require.NoError(t, err)

	senderResult := waitFor(t, senderObs.doneC, 5*time.Second)
	receiverResult := waitFor(t, receiverObs.doneC, 5*time.Second)

	assert.Equal(t, StatusComplete, senderResult.Status())
	assert.Equal(t, StatusComplete, receiverResult.Status())
	assert.Greater(t, receiverResult.TotalParts(), HashmapMaxLen, "must span more than one hashmap segment")
	assert.Equal(t, data, receiverResult.Data())
}

// lossSim drops the first delivery attempt of every third distinct
// RESOURCE data part it observes, modeling the "packet loss with retry"
// scenario: the protocol's own watchdog-driven re-request must recover.
type lossSim struct {
	mu      sync.Mutex
	order   map[string]int
	dropped map[string]bool
	next    int
}

func newLossSim() *lossSim {
	return &lossSim{order: make(map[string]int), dropped: make(map[string]bool)}
}

func (s *lossSim) shouldDrop(pkt *fakePacket) bool {
	if pkt.ctx != ContextResource {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(pkt.payload)
	idx, seen := s.order[key]
	if !seen {
		idx = s.next
		s.order[key] = idx
		s.next++
	}
	if idx%3 == 2 && !s.dropped[key] {
		s.dropped[key] = true
		return true
	}
	return false
}

func TestEndToEndPacketLossRecoversViaWatchdogRetry(t *testing.T) {
	// A keyed identity, so the parts of the repetitive payload below differ.
	id, err := identity.NewReference(make([]byte, 32))
	require.NoError(t, err)

	senderObs := newFakeObserver()
	receiverObs := newFakeObserver()
	sender, receiver := newFakeLinkPair(id, senderObs, receiverObs)

	// Fast timeouts so the watchdog's retry fires quickly in test time; the
	// protocol's correctness does not depend on how fast it retries.
	for _, l := range []*fakeLink{sender, receiver} {
		l.rtt = 2 * time.Millisecond
		l.timeout = 20 * time.Millisecond
		l.factor = 5
	}

	loss := newLossSim()
	receiver.drop = loss.shouldDrop

	data := bytes.Repeat([]byte{0x11}, 16*40) // 12 parts at the default SDU of 56, once encrypted
	_, err = NewOutgoingResource(data, sender, &fakeTransport{}, false)
	require.NoError(t, err)

	senderResult := waitFor(t, senderObs.doneC, 5*time.Second)
	receiverResult := waitFor(t, receiverObs.doneC, 5*time.Second)

	assert.Equal(t, StatusComplete, senderResult.Status())
	assert.Equal(t, StatusComplete, receiverResult.Status())
	assert.Equal(t, receiverResult.TotalParts(), receiverResult.receivedCount)
	assert.Equal(t, data, receiverResult.Data())
}

func TestEndToEndAdvertisementLostExhaustsRetries(t *testing.T) {
	id, err := identity.NewReference(nil)
	require.NoError(t, err)

	senderObs := newFakeObserver()
	sender, receiver := newFakeLinkPair(id, senderObs, NopObserver{})
	sender.timeout = 10 * time.Millisecond
	receiver.drop = func(pkt *fakePacket) bool { return pkt.ctx == ContextResourceAdv }

	data := []byte("nobody will ever see this advertisement")
	_, err = NewOutgoingResource(data, sender, &fakeTransport{}, false)
	require.NoError(t, err)

	result := waitFor(t, senderObs.doneC, 5*time.Second)
	assert.Equal(t, StatusFailed, result.Status())
	assert.ErrorIs(t, result.Err(), ErrTimeout)
}

func TestEndToEndInitiatorCancelDuringTransfer(t *testing.T) {
	// A keyed identity, so the parts of the repetitive payload below differ;
	// the 28 bytes of nonce and tag also make 5 parts, one more than the
	// initial window, so the sender stays in TRANSFERRING.
	id, err := identity.NewReference(make([]byte, 32))
	require.NoError(t, err)

	senderObs := newFakeObserver()
	receiverObs := newFakeObserver()
	sender, receiver := newFakeLinkPair(id, senderObs, receiverObs)

	var iclCount int
	var mu sync.Mutex
	receiver.drop = func(pkt *fakePacket) bool {
		if pkt.ctx == ContextResourceIcl {
			mu.Lock()
			iclCount++
			mu.Unlock()
		}
		// Never deliver parts, holding the transfer in TRANSFERRING so the
		// cancel lands mid-flight rather than racing completion.
		return pkt.ctx == ContextResource
	}

	data := bytes.Repeat([]byte{0x99}, 200)
	out, err := NewOutgoingResource(data, sender, &fakeTransport{}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return out.Status() == StatusTransferring
	}, time.Second, time.Millisecond)

	out.Cancel()

	senderResult := waitFor(t, senderObs.doneC, 2*time.Second)
	receiverResult := waitFor(t, receiverObs.doneC, 2*time.Second)

	assert.Equal(t, StatusFailed, senderResult.Status())
	assert.ErrorIs(t, senderResult.Err(), ErrLocalCancel)
	assert.Equal(t, StatusFailed, receiverResult.Status())
	assert.ErrorIs(t, receiverResult.Err(), ErrRemoteCancel)
	assert.Equal(t, 1, iclCount, "exactly one ICL packet is emitted on an initiator cancel")
}

func TestAssembleLockedDetectsCorruptionAfterHashmapAcceptance(t *testing.T) {
	id, err := identity.NewReference(nil)
	require.NoError(t, err)

	observer := newFakeObserver()
	var proofSent bool
	link, peer := newFakeLinkPair(id, observer, NopObserver{})
	peer.drop = func(pkt *fakePacket) bool {
		if pkt.ctx == ContextResourcePrf {
			proofSent = true
		}
		return false
	}

	plaintext := []byte("this payload must survive the trip intact")
	randomHash := []byte{1, 2, 3, 4}
	hash := id.FullHash(append(append([]byte{}, plaintext...), randomHash...))

	r := &Resource{
		link:             link,
		transport:        &fakeTransport{},
		observer:         observer,
		initiator:        false,
		status:           StatusTransferring,
		hash:             hash,
		randomHash:       randomHash,
		uncompressedData: nil,
		totalParts:       1,
		recvParts:        [][]byte{append([]byte{}, plaintext...)},
		logger:           link.Logger("resource"),
		concludedC:       make(chan struct{}),
	}

	// Flip a bit as if a bit error slipped past the coarse 4-byte map hash
	// (spec's "contrived via test hook" corruption scenario) - too short a
	// digest to rely on for this, so the test mutates the accepted part
	// directly rather than trying to engineer an actual map-hash collision.
	r.recvParts[0][0] ^= 0x01

	r.mu.Lock()
	r.assembleLocked()
	r.mu.Unlock()

	assert.Equal(t, StatusCorrupt, r.Status())
	assert.ErrorIs(t, r.Err(), ErrIntegrityFailure)
	assert.False(t, proofSent, "no proof is sent for a corrupt assembly")
}
