package transport

import (
	"context"
	"errors"
	"fmt"
)

// PeerID is the transport-level handle of a discovered endpoint. It is
// stable for one discovery session only.
type PeerID string

type ConnState int

const (
	StateNotConnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateNotConnected:
		return "notConnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

type EventKind int

const (
	EventPeerFound EventKind = iota + 1
	EventPeerLost
	EventStateChanged
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPeerFound:
		return "peerFound"
	case EventPeerLost:
		return "peerLost"
	case EventStateChanged:
		return "stateChanged"
	case EventMessage:
		return "message"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one notification from the substrate. State is set for
// EventStateChanged, Data for EventMessage. Session names the link the
// event belongs to, when there is one.
type Event struct {
	Kind    EventKind
	Peer    PeerID
	State   ConnState
	Session string
	Data    []byte
}

var (
	ErrClosed       = errors.New("transport closed")
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrNotConnected = errors.New("peer not connected")
)

// Transport is the discovery and delivery substrate a mesh session runs
// on. Events are delivered on a single channel which is closed by Close.
type Transport interface {
	Self() PeerID
	StartAdvertising(ctx context.Context) error
	StopAdvertising() error
	Events() <-chan Event
	Invite(ctx context.Context, peer PeerID) error
	Send(ctx context.Context, peer PeerID, data []byte) error
	Disconnect(peer PeerID) error
	Close() error
}
