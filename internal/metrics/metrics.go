package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// EnvelopeHeader is what the recent ring keeps about one envelope.
type EnvelopeHeader struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Peer      string    `json:"peer"`
	Direction string    `json:"direction"`
	Size      int       `json:"size"`
	At        time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Mesh         MeshMetrics       `json:"mesh"`
	Telemetry    TelemetryMetrics  `json:"telemetry"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	CurrentPeers int64             `json:"current_peers"`
	Recent       []EnvelopeHeader  `json:"recent"`
}

type MeshMetrics struct {
	Sent                uint64 `json:"sent"`
	SendFailures        uint64 `json:"send_failures"`
	Received            uint64 `json:"received"`
	DropMalformed       uint64 `json:"drop_malformed"`
	DropUnknownType     uint64 `json:"drop_unknown_type"`
	DropUnauthenticated uint64 `json:"drop_unauthenticated"`
	DropUnexpected      uint64 `json:"drop_unexpected"`
	Handshakes          uint64 `json:"handshakes"`
	HandshakeTimeouts   uint64 `json:"handshake_timeouts"`
	Invites             uint64 `json:"invites"`
}

type TelemetryMetrics struct {
	Flushes       uint64 `json:"flushes"`
	FlushFailures uint64 `json:"flush_failures"`
	FixesBuffered uint64 `json:"fixes_buffered"`
}

type Metrics struct {
	sent                atomic.Uint64
	sendFailures        atomic.Uint64
	received            atomic.Uint64
	dropMalformed       atomic.Uint64
	dropUnknownType     atomic.Uint64
	dropUnauthenticated atomic.Uint64
	dropUnexpected      atomic.Uint64
	handshakes          atomic.Uint64
	handshakeTimeouts   atomic.Uint64
	invites             atomic.Uint64
	flushes             atomic.Uint64
	flushFailures       atomic.Uint64
	fixesBuffered       atomic.Uint64
	currentPeers        atomic.Int64

	mu         sync.Mutex
	recvByType map[string]uint64
	recent     *Recent
}

func New() *Metrics {
	return &Metrics{recvByType: make(map[string]uint64), recent: NewRecent(64)}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncSent() {
	m.sent.Add(1)
}

func (m *Metrics) IncSendFailure() {
	m.sendFailures.Add(1)
}

func (m *Metrics) IncDropMalformed() {
	m.dropMalformed.Add(1)
}

func (m *Metrics) IncDropUnknownType() {
	m.dropUnknownType.Add(1)
}

func (m *Metrics) IncDropUnauthenticated() {
	m.dropUnauthenticated.Add(1)
}

func (m *Metrics) IncDropUnexpected() {
	m.dropUnexpected.Add(1)
}

func (m *Metrics) IncHandshake() {
	m.handshakes.Add(1)
}

func (m *Metrics) IncHandshakeTimeout() {
	m.handshakeTimeouts.Add(1)
}

func (m *Metrics) IncInvite() {
	m.invites.Add(1)
}

func (m *Metrics) IncFlush() {
	m.flushes.Add(1)
}

func (m *Metrics) IncFlushFailure() {
	m.flushFailures.Add(1)
}

func (m *Metrics) AddFixesBuffered(n int) {
	if n > 0 {
		m.fixesBuffered.Add(uint64(n))
	}
}

func (m *Metrics) SetCurrentPeers(n int) {
	m.currentPeers.Store(int64(n))
}

// IncReceived counts one decoded envelope of the given type.
func (m *Metrics) IncReceived(typ string) {
	m.received.Add(1)
	m.mu.Lock()
	m.recvByType[typ]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []EnvelopeHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	byType := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		byType[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Mesh: MeshMetrics{
			Sent:                m.sent.Load(),
			SendFailures:        m.sendFailures.Load(),
			Received:            m.received.Load(),
			DropMalformed:       m.dropMalformed.Load(),
			DropUnknownType:     m.dropUnknownType.Load(),
			DropUnauthenticated: m.dropUnauthenticated.Load(),
			DropUnexpected:      m.dropUnexpected.Load(),
			Handshakes:          m.handshakes.Load(),
			HandshakeTimeouts:   m.handshakeTimeouts.Load(),
			Invites:             m.invites.Load(),
		},
		Telemetry: TelemetryMetrics{
			Flushes:       m.flushes.Load(),
			FlushFailures: m.flushFailures.Load(),
			FixesBuffered: m.fixesBuffered.Load(),
		},
		RecvByType:   byType,
		CurrentPeers: m.currentPeers.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []EnvelopeHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h EnvelopeHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []EnvelopeHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EnvelopeHeader, len(r.list))
	copy(out, r.list)
	return out
}
