// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package resource

import (
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion-contrib/rtp-resource/identity"
)

// fakeTransport records CacheRequest calls instead of querying a real
// network cache.
type fakeTransport struct {
	mu       sync.Mutex
	requests [][]byte
}

func (t *fakeTransport) CacheRequest(hash []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, hash)
}

func (t *fakeTransport) requestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// fakeObserver records the lifecycle calls a ResourceObserver receives.
type fakeObserver struct {
	mu         sync.Mutex
	started    int
	progress   int
	concluded  int
	lastStatus Status
	doneC      chan *Resource
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{doneC: make(chan *Resource, 1)}
}

func (o *fakeObserver) Started(*Resource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *fakeObserver) Progress(*Resource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress++
}

func (o *fakeObserver) Concluded(r *Resource) {
	o.mu.Lock()
	o.concluded++
	o.lastStatus = r.status
	o.mu.Unlock()
	o.doneC <- r
}

func (o *fakeObserver) concludedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.concluded
}

// fakePacket implements Packet over a fakeLink pair, handed to the peer
// link's deliver on Send - there is no wire encoding layer to
// exercise here, that's advertisement.go/packet.go's job.
type fakePacket struct {
	link    *fakeLink
	ctx     PacketContext
	typ     PacketType
	payload []byte
}

func (p *fakePacket) Context() PacketContext { return p.ctx }
func (p *fakePacket) Type() PacketType       { return p.typ }
func (p *fakePacket) Payload() []byte        { return p.payload }
func (p *fakePacket) Plaintext() []byte      { return p.payload }

func (p *fakePacket) Send() error {
	p.link.peer.deliver(p)
	return nil
}

func (p *fakePacket) Resend() error { return p.Send() }

func (p *fakePacket) Pack() ([]byte, error) { return p.payload, nil }

func (p *fakePacket) UpdateHash() []byte { return p.link.id.FullHash(p.payload) }

// fakeLink is a minimal, fully in-memory Link for unit and integration
// tests: sending a packet on one side runs the peer's drop hook in the
// sender's goroutine, then hands the packet to the peer's Resource state
// machine on a new goroutine. drop, when set, can discard or mutate packets
// in flight to exercise the retry and corruption paths.
type fakeLink struct {
	id       identity.Provider
	peer     *fakeLink
	observer ResourceObserver
	mtu      int
	headerMax int
	rtt       time.Duration
	timeout   time.Duration
	factor    float64

	drop func(*fakePacket) bool

	mu       sync.Mutex
	outgoing *Resource
	incoming *Resource
}

func newFakeLinkPair(id identity.Provider, observerA, observerB ResourceObserver) (a, b *fakeLink) {
	a = &fakeLink{id: id, observer: observerA, mtu: 64, headerMax: 8, rtt: time.Millisecond, timeout: 200 * time.Millisecond, factor: 3}
	b = &fakeLink{id: id, observer: observerB, mtu: 64, headerMax: 8, rtt: time.Millisecond, timeout: 200 * time.Millisecond, factor: 3}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *fakeLink) EncryptionDisabled() bool                     { return false }
func (l *fakeLink) Encrypt(plaintext []byte) ([]byte, error)     { return l.id.Encrypt(plaintext) }
func (l *fakeLink) Decrypt(ciphertext []byte) ([]byte, error)    { return l.id.Decrypt(ciphertext) }
func (l *fakeLink) ReadyForNewResource() bool                    { return true }

func (l *fakeLink) RegisterOutgoingResource(r *Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outgoing = r
}

func (l *fakeLink) RegisterIncomingResource(r *Resource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incoming = r
}

func (l *fakeLink) CancelOutgoingResource(*Resource) {}
func (l *fakeLink) CancelIncomingResource(*Resource) {}
func (l *fakeLink) ResourceConcluded(*Resource)      {}

func (l *fakeLink) NewPacket(ctx PacketContext, typ PacketType, payload []byte) Packet {
	return &fakePacket{link: l, ctx: ctx, typ: typ, payload: payload}
}

func (l *fakeLink) RTT() time.Duration            { return l.rtt }
func (l *fakeLink) DefaultTimeout() time.Duration { return l.timeout }
func (l *fakeLink) TimeoutFactor() float64        { return l.factor }

func (l *fakeLink) Status() LinkStatus         { return LinkActive }
func (l *fakeLink) Observer() ResourceObserver { return l.observer }
func (l *fakeLink) Identity() identity.Provider { return l.id }

func (l *fakeLink) MTU() int            { return l.mtu }
func (l *fakeLink) PacketHeaderMax() int { return l.headerMax }

func (l *fakeLink) Logger(scope string) logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger(scope)
}

func (l *fakeLink) deliver(pkt *fakePacket) {
	if l.drop != nil && l.drop(pkt) {
		return
	}
	go l.dispatch(pkt)
}

// dispatch routes pkt to the peer-side Resource it belongs to. It runs on
// its own goroutine because the sending Resource still holds its mutex
// inside Send, and a handler on this side may send straight back to it.
func (l *fakeLink) dispatch(pkt *fakePacket) {
	l.mu.Lock()
	outgoing, incoming := l.outgoing, l.incoming
	l.mu.Unlock()

	switch pkt.ctx {
	case ContextResourceAdv:
		r, err := Accept(pkt, l, &fakeTransport{})
		if err != nil {
			return
		}
		l.mu.Lock()
		l.incoming = r
		l.mu.Unlock()
	case ContextResourceReq:
		if outgoing != nil {
			_ = outgoing.HandleRequest(pkt)
		}
	case ContextResourceHMU:
		if incoming != nil {
			_ = incoming.HashmapUpdate(pkt)
		}
	case ContextResource:
		if incoming != nil {
			incoming.ReceivePart(pkt)
		}
	case ContextResourcePrf:
		if outgoing != nil {
			_ = outgoing.HandleProof(pkt)
		}
	case ContextResourceIcl:
		if incoming != nil {
			incoming.HandleCancel(pkt)
		}
	}
}
