package transport

import (
	"context"
	"fmt"
	"sync"
)

const memEventBuffer = 1024

// MemHub connects in-process transports. Members that advertise discover
// each other; an invite links both ends immediately.
type MemHub struct {
	mu      sync.Mutex
	members map[PeerID]*MemTransport
	nextID  int
}

func NewMemHub() *MemHub {
	return &MemHub{members: make(map[PeerID]*MemTransport)}
}

// Join registers a new member under id. Joining twice with the same id
// returns the existing member.
func (h *MemHub) Join(id PeerID) *MemTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.members[id]; ok {
		return t
	}
	t := &MemTransport{
		hub:       h,
		id:        id,
		events:    make(chan Event, memEventBuffer),
		connected: make(map[PeerID]string),
	}
	h.members[id] = t
	return t
}

type SentMessage struct {
	To   PeerID
	Data []byte
}

type MemTransport struct {
	hub    *MemHub
	id     PeerID
	events chan Event

	// guarded by hub.mu
	advertising bool
	closed      bool
	connected   map[PeerID]string
	sent        []SentMessage
	invites     []PeerID
	sendErr     error
	dropped     int
}

func (t *MemTransport) Self() PeerID { return t.id }

func (t *MemTransport) Events() <-chan Event { return t.events }

func (t *MemTransport) StartAdvertising(ctx context.Context) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.advertising {
		return nil
	}
	t.advertising = true
	for id, other := range h.members {
		if id == t.id || !other.advertising || other.closed {
			continue
		}
		t.emitLocked(Event{Kind: EventPeerFound, Peer: id})
		other.emitLocked(Event{Kind: EventPeerFound, Peer: t.id})
	}
	return nil
}

// StopAdvertising hides this member from the others. Existing links stay up.
func (t *MemTransport) StopAdvertising() error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !t.advertising {
		return nil
	}
	t.advertising = false
	for id, other := range h.members {
		if id == t.id || !other.advertising || other.closed {
			continue
		}
		other.emitLocked(Event{Kind: EventPeerLost, Peer: t.id})
	}
	return nil
}

func (t *MemTransport) Invite(ctx context.Context, peer PeerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	other, ok := h.members[peer]
	if !ok || other.closed || !other.advertising {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	t.invites = append(t.invites, peer)
	if _, ok := t.connected[peer]; ok {
		return nil
	}
	h.nextID++
	session := fmt.Sprintf("mem-%d", h.nextID)
	t.connected[peer] = session
	other.connected[t.id] = session
	for _, st := range []ConnState{StateConnecting, StateConnected} {
		t.emitLocked(Event{Kind: EventStateChanged, Peer: peer, State: st, Session: session})
		other.emitLocked(Event{Kind: EventStateChanged, Peer: t.id, State: st, Session: session})
	}
	return nil
}

func (t *MemTransport) Send(ctx context.Context, peer PeerID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	session, ok := t.connected[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}
	other := h.members[peer]
	buf := append([]byte(nil), data...)
	t.sent = append(t.sent, SentMessage{To: peer, Data: buf})
	other.emitLocked(Event{Kind: EventMessage, Peer: t.id, Session: session, Data: buf})
	return nil
}

// Disconnect drops the link to peer on both ends. Unknown peers are ignored.
func (t *MemTransport) Disconnect(peer PeerID) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	t.disconnectLocked(peer)
	return nil
}

func (t *MemTransport) disconnectLocked(peer PeerID) {
	session, ok := t.connected[peer]
	if !ok {
		return
	}
	delete(t.connected, peer)
	t.emitLocked(Event{Kind: EventStateChanged, Peer: peer, State: StateNotConnected, Session: session})
	if other, ok := t.hub.members[peer]; ok {
		delete(other.connected, t.id)
		other.emitLocked(Event{Kind: EventStateChanged, Peer: t.id, State: StateNotConnected, Session: session})
	}
}

func (t *MemTransport) Close() error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.closed {
		return nil
	}
	for peer := range t.connected {
		t.disconnectLocked(peer)
	}
	if t.advertising {
		for id, other := range h.members {
			if id != t.id && other.advertising && !other.closed {
				other.emitLocked(Event{Kind: EventPeerLost, Peer: t.id})
			}
		}
	}
	t.advertising = false
	t.closed = true
	delete(h.members, t.id)
	close(t.events)
	return nil
}

// Inject queues ev as if the substrate had produced it.
func (t *MemTransport) Inject(ev Event) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.emitLocked(ev)
}

// SetSendError makes every later Send fail with err; nil restores delivery.
func (t *MemTransport) SetSendError(err error) {
	t.hub.mu.Lock()
	t.sendErr = err
	t.hub.mu.Unlock()
}

func (t *MemTransport) Sent() []SentMessage {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *MemTransport) Invites() []PeerID {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	out := make([]PeerID, len(t.invites))
	copy(out, t.invites)
	return out
}

func (t *MemTransport) Connected(peer PeerID) bool {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	_, ok := t.connected[peer]
	return ok
}

func (t *MemTransport) emitLocked(ev Event) {
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.dropped++
	}
}
