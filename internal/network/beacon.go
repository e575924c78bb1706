package network

import (
	"encoding/json"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"copilotmesh/internal/transport"
)

// ServiceType is carried in every beacon. Peers advertising anything else
// are ignored.
const ServiceType = "copilot-windhorse-mpc"

const maxBeaconSize = 1024

type Beacon struct {
	Service string           `json:"svc"`
	Peer    transport.PeerID `json:"peer"`
	Port    int              `json:"port"`
}

func EncodeBeacon(peer transport.PeerID, port int) ([]byte, error) {
	if peer == "" || port <= 0 || port > 65535 {
		return nil, errors.New("invalid beacon")
	}
	return json.Marshal(Beacon{Service: ServiceType, Peer: peer, Port: port})
}

func DecodeBeacon(data []byte) (Beacon, error) {
	if len(data) == 0 || len(data) > maxBeaconSize {
		return Beacon{}, errors.New("invalid beacon size")
	}
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return Beacon{}, err
	}
	if b.Service != ServiceType {
		return Beacon{}, errors.New("foreign service")
	}
	if b.Peer == "" || b.Port <= 0 || b.Port > 65535 {
		return Beacon{}, errors.New("incomplete beacon")
	}
	return b, nil
}

type sighting struct {
	addr     string
	lastSeen time.Time
}

// peerTable tracks peers heard over beacons and expires the silent ones.
type peerTable struct {
	mu    sync.Mutex
	ttl   time.Duration
	peers map[transport.PeerID]sighting
}

func newPeerTable(ttl time.Duration) *peerTable {
	return &peerTable{ttl: ttl, peers: make(map[transport.PeerID]sighting)}
}

// observe records a beacon and reports whether the peer is new.
func (p *peerTable) observe(b Beacon, from *net.UDPAddr, now time.Time) bool {
	addr := net.JoinHostPort(from.IP.String(), strconv.Itoa(b.Port))
	p.mu.Lock()
	defer p.mu.Unlock()
	_, known := p.peers[b.Peer]
	p.peers[b.Peer] = sighting{addr: addr, lastSeen: now}
	return !known
}

func (p *peerTable) lookup(id transport.PeerID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.peers[id]
	return s.addr, ok
}

// forget drops id so its next beacon is reported as a new sighting.
func (p *peerTable) forget(id transport.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
}

// sweep removes peers not heard within the ttl and returns them sorted.
func (p *peerTable) sweep(now time.Time) []transport.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var lost []transport.PeerID
	for id, s := range p.peers {
		if now.Sub(s.lastSeen) > p.ttl {
			delete(p.peers, id)
			lost = append(lost, id)
		}
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	return lost
}

// clear forgets every peer and returns them sorted.
func (p *peerTable) clear() []transport.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.PeerID, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	p.peers = make(map[transport.PeerID]sighting)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
