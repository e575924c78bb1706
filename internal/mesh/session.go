package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"copilotmesh/internal/debuglog"
	"copilotmesh/internal/metrics"
	"copilotmesh/internal/peer"
	"copilotmesh/internal/proto"
	"copilotmesh/internal/transport"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second
	outboxSize              = 64
)

var (
	ErrNotConnected          = errors.New("connection not in registry")
	ErrUnauthenticatedSender = errors.New("message from unauthenticated peer")
	ErrUnexpectedEnvelope    = errors.New("envelope not handled by role")
	ErrStaleHandshake        = errors.New("handshake from peer that is not connected")
	ErrSendQueueFull         = errors.New("send queue full")
	ErrSessionClosed         = errors.New("session closed")
)

type Options struct {
	// Self is what a controller presents in its handshake.
	Self       proto.HandshakeData
	Locations  LocationStore
	Biometrics BiometricSource
	Handler    Handler
	Metrics    *metrics.Metrics
	// HandshakeTimeout bounds the time a peer may stay connected without
	// authenticating. Zero selects DefaultHandshakeTimeout, negative
	// disables the check.
	HandshakeTimeout time.Duration
	// HistoryWindow limits the base station's initial location request;
	// zero asks for the whole history.
	HistoryWindow time.Duration
	Now           func() time.Time
}

type peerInfo struct {
	state          PeerState
	session        string
	since          time.Time
	requestPending bool
	out            *outbox
}

// Session runs the handshake state machine for every peer of one
// transport and dispatches authenticated traffic according to its role.
type Session struct {
	tr      transport.Transport
	reg     *peer.Registry
	role    Role
	opts    Options
	handler Handler
	metrics *metrics.Metrics
	log     debuglog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[transport.PeerID]*peerInfo
	closed bool
}

func NewSession(tr transport.Transport, reg *peer.Registry, role Role, opts Options) (*Session, error) {
	if tr == nil {
		return nil, errors.New("missing transport")
	}
	if reg == nil {
		reg = peer.NewRegistry()
	}
	if role.dispatch == nil {
		return nil, fmt.Errorf("role %q has no dispatch table", role.Name)
	}
	if role.HandshakeOnConnect {
		if err := opts.Self.Validate(); err != nil {
			return nil, fmt.Errorf("role %s needs an identity: %w", role.Name, err)
		}
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	s := &Session{
		tr:      tr,
		reg:     reg,
		role:    role,
		opts:    opts,
		handler: opts.Handler,
		metrics: opts.Metrics,
		log:     debuglog.New("mesh"),
		now:     opts.Now,
		peers:   make(map[transport.PeerID]*peerInfo),
	}
	if s.handler == nil {
		s.handler = NopHandler{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) Registry() *peer.Registry {
	return s.reg
}

func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Session) Connections() []peer.Connection {
	return s.reg.List()
}

// PeerState reports what the session currently knows about id.
func (s *Session) PeerState(id transport.PeerID) (PeerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return 0, false
	}
	return p.state, true
}

// Start begins advertising. Inbound offers and discovery events flow
// through Run.
func (s *Session) Start(ctx context.Context) error {
	return s.tr.StartAdvertising(ctx)
}

// Stop halts advertising. Authenticated peers stay connected until the
// transport reports them gone.
func (s *Session) Stop() error {
	return s.tr.StopAdvertising()
}

// Run drains transport events until ctx ends or the transport closes.
// Drops are logged and counted here; HandleEvent returns them to callers
// that feed events directly.
func (s *Session) Run(ctx context.Context) error {
	events := s.tr.Events()
	var tick <-chan time.Time
	if s.opts.HandshakeTimeout > 0 {
		every := s.opts.HandshakeTimeout / 4
		if every < 10*time.Millisecond {
			every = 10 * time.Millisecond
		}
		if every > time.Second {
			every = time.Second
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrSessionClosed
		case ev, ok := <-events:
			if !ok {
				return transport.ErrClosed
			}
			if err := s.HandleEvent(ev); err != nil {
				s.log.RateLimitedf("drop:"+string(ev.Peer), 5*time.Second, "drop from %s: %v", ev.Peer, err)
			}
		case <-tick:
			s.ExpireHandshakes()
		}
	}
}

// HandleEvent applies one transport event. Only message events return
// errors; each one is terminal for that message alone.
func (s *Session) HandleEvent(ev transport.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var post []func()
	var err error
	switch ev.Kind {
	case transport.EventPeerFound:
		post = s.peerFoundLocked(ev.Peer)
	case transport.EventPeerLost:
		s.peerLostLocked(ev.Peer)
	case transport.EventStateChanged:
		post = s.stateChangedLocked(ev)
	case transport.EventMessage:
		post, err = s.messageLocked(ev)
	default:
		err = fmt.Errorf("unknown transport event %v", ev.Kind)
	}
	s.metrics.SetCurrentPeers(s.reg.Len())
	s.mu.Unlock()
	for _, fn := range post {
		fn()
	}
	return err
}

func (s *Session) infoLocked(id transport.PeerID) *peerInfo {
	p, ok := s.peers[id]
	if !ok {
		p = &peerInfo{state: PeerDiscovered, since: s.now()}
		s.peers[id] = p
	}
	return p
}

func (s *Session) setState(id transport.PeerID, p *peerInfo, st PeerState) {
	if p.state == st {
		return
	}
	s.log.Debugf("%s %s -> %s", id, p.state, st)
	p.state = st
	p.since = s.now()
}

func (s *Session) peerFoundLocked(id transport.PeerID) []func() {
	p := s.infoLocked(id)
	if p.state == PeerDisconnected {
		s.setState(id, p, PeerDiscovered)
	}
	if !s.role.InviteOnDiscovery || p.state != PeerDiscovered {
		return nil
	}
	if _, ok := s.reg.Find(id); ok {
		return nil
	}
	s.setState(id, p, PeerConnecting)
	s.metrics.IncInvite()
	s.wg.Add(1)
	return []func(){func() { go s.invite(id) }}
}

func (s *Session) invite(id transport.PeerID) {
	defer s.wg.Done()
	if err := s.tr.Invite(s.ctx, id); err != nil {
		s.log.Logf("invite %s failed: %v", id, err)
		s.mu.Lock()
		if p, ok := s.peers[id]; ok && p.state == PeerConnecting {
			s.setState(id, p, PeerDiscovered)
		}
		s.mu.Unlock()
	}
}

func (s *Session) peerLostLocked(id transport.PeerID) {
	p, ok := s.peers[id]
	if !ok {
		return
	}
	if p.state == PeerDiscovered || p.state == PeerDisconnected {
		delete(s.peers, id)
	}
}

func (s *Session) stateChangedLocked(ev transport.Event) []func() {
	p := s.infoLocked(ev.Peer)
	switch ev.State {
	case transport.StateConnecting:
		if !p.state.linked() {
			s.setState(ev.Peer, p, PeerConnecting)
		}
		return nil
	case transport.StateConnected:
		return s.connectedLocked(ev.Peer, ev.Session, p)
	case transport.StateNotConnected:
		return s.disconnectedLocked(ev.Peer, p)
	}
	return nil
}

func (s *Session) connectedLocked(id transport.PeerID, session string, p *peerInfo) []func() {
	if p.state.linked() && p.session == session {
		return nil
	}
	p.session = session
	p.requestPending = false
	if p.out == nil {
		p.out = s.startOutbox(id)
	}
	s.setState(id, p, PeerConnectedUnauthenticated)
	if !s.role.HandshakeOnConnect {
		return nil
	}
	data, err := proto.EncodeHandshake(s.opts.Self)
	if err != nil {
		s.log.Logf("encode handshake for %s failed: %v", id, err)
		return nil
	}
	s.enqueueLocked(s.ctx, p, id, proto.TypeHandshake, data)
	c := peer.Connection{Peer: id, Session: session, AuthenticatedAt: s.now()}
	s.reg.Upsert(c)
	s.metrics.IncHandshake()
	s.setState(id, p, PeerAuthenticated)
	return []func(){func() { s.handler.Connected(s.ctx, c) }}
}

func (s *Session) disconnectedLocked(id transport.PeerID, p *peerInfo) []func() {
	if p.out != nil {
		p.out.close()
		p.out = nil
	}
	p.requestPending = false
	p.session = ""
	// a peer sent back to discovered by the handshake timeout stays there
	if p.state != PeerDiscovered {
		s.setState(id, p, PeerDisconnected)
	}
	c, ok := s.reg.Remove(id)
	if !ok {
		return nil
	}
	s.log.Logf("peer %s (user=%q device=%q) disconnected", id, c.UserID, c.DeviceID)
	return []func(){func() { s.handler.Disconnected(s.ctx, c) }}
}

func (s *Session) messageLocked(ev transport.Event) ([]func(), error) {
	env, err := proto.Decode(ev.Data)
	if err != nil {
		if errors.Is(err, proto.ErrUnknownEnvelopeType) {
			s.metrics.IncDropUnknownType()
		} else {
			s.metrics.IncDropMalformed()
		}
		if typ, ok := proto.SniffType(ev.Data); ok {
			return nil, fmt.Errorf("%s from %s: %w", typ, ev.Peer, err)
		}
		return nil, err
	}
	s.metrics.IncReceived(string(env.Type))
	s.metrics.Recent().Add(metrics.EnvelopeHeader{
		ID:        proto.EnvelopeID(ev.Data),
		Type:      string(env.Type),
		Peer:      string(ev.Peer),
		Direction: "in",
		Size:      len(ev.Data),
		At:        s.now().UTC(),
	})
	if !s.role.Accepts(env.Type) {
		s.metrics.IncDropUnexpected()
		return nil, fmt.Errorf("%w: %s as %s", ErrUnexpectedEnvelope, env.Type, s.role.Name)
	}
	if env.Type == proto.TypeHandshake {
		return s.handshakeLocked(ev.Peer, env)
	}
	c, ok := s.reg.Find(ev.Peer)
	if !ok {
		s.metrics.IncDropUnauthenticated()
		return nil, fmt.Errorf("%w: %s sent %s", ErrUnauthenticatedSender, ev.Peer, env.Type)
	}
	fn, err := s.role.dispatch[env.Type](s, c, env)
	if err != nil {
		s.metrics.IncDropMalformed()
		return nil, err
	}
	return []func(){fn}, nil
}

func (s *Session) handshakeLocked(id transport.PeerID, env proto.Envelope) ([]func(), error) {
	p, ok := s.peers[id]
	if !ok || !p.state.linked() {
		s.metrics.IncDropUnauthenticated()
		return nil, fmt.Errorf("%w: %s", ErrStaleHandshake, id)
	}
	hs, err := proto.DecodeHandshake(env)
	if err != nil {
		s.metrics.IncDropMalformed()
		return nil, err
	}
	c := peer.Connection{
		Peer:            id,
		Session:         p.session,
		UserID:          hs.UserID,
		DeviceID:        hs.DeviceID,
		AuthenticatedAt: s.now(),
	}
	replaced := s.reg.Upsert(c)
	s.metrics.IncHandshake()
	s.setState(id, p, PeerAuthenticated)
	if replaced {
		s.log.Debugf("peer %s refreshed identity user=%q device=%q", id, hs.UserID, hs.DeviceID)
		return nil, nil
	}
	s.log.Logf("peer %s authenticated as user=%q device=%q", id, hs.UserID, hs.DeviceID)
	post := []func(){func() { s.handler.Connected(s.ctx, c) }}
	if s.role.RequestOnAuthenticated {
		var iv *proto.Interval
		if s.opts.HistoryWindow > 0 {
			now := s.now()
			iv = &proto.Interval{Start: now.Add(-s.opts.HistoryWindow), End: now}
		}
		s.requestLocked(s.ctx, p, c, iv)
	}
	return post, nil
}

// ExpireHandshakes disconnects peers that connected but never
// authenticated within the handshake timeout.
func (s *Session) ExpireHandshakes() int {
	if s.opts.HandshakeTimeout <= 0 {
		return 0
	}
	now := s.now()
	var expired []transport.PeerID
	s.mu.Lock()
	for id, p := range s.peers {
		if p.state != PeerConnectedUnauthenticated || now.Sub(p.since) < s.opts.HandshakeTimeout {
			continue
		}
		if p.out != nil {
			p.out.close()
			p.out = nil
		}
		s.setState(id, p, PeerDiscovered)
		s.metrics.IncHandshakeTimeout()
		expired = append(expired, id)
	}
	s.mu.Unlock()
	for _, id := range expired {
		s.log.Logf("peer %s did not authenticate within %s", id, s.opts.HandshakeTimeout)
		if err := s.tr.Disconnect(id); err != nil {
			s.log.Logf("disconnect %s failed: %v", id, err)
		}
	}
	return len(expired)
}

// Wait blocks until every queued send and pending invite has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close stops the session. Queued sends observe a cancelled context.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for _, p := range s.peers {
		if p.out != nil {
			p.out.close()
			p.out = nil
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
