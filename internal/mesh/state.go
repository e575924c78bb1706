package mesh

import "fmt"

// PeerState tracks one peer from discovery to authentication.
type PeerState int

const (
	PeerDiscovered PeerState = iota + 1
	PeerConnecting
	PeerConnectedUnauthenticated
	PeerAuthenticated
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerConnecting:
		return "connecting"
	case PeerConnectedUnauthenticated:
		return "connectedUnauthenticated"
	case PeerAuthenticated:
		return "authenticated"
	case PeerDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

func (s PeerState) linked() bool {
	return s == PeerConnectedUnauthenticated || s == PeerAuthenticated
}
