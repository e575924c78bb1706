package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"copilotmesh/internal/debuglog"
	"copilotmesh/internal/proto"
	"copilotmesh/internal/transport"
)

const (
	DefaultBeaconInterval = 2 * time.Second
	DefaultPeerTTL        = 10 * time.Second
	DefaultDialTimeout    = 5 * time.Second

	eventBuffer          = 1024
	helloTimeout         = 5 * time.Second
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 5 * time.Second
	handshakeIdleTimeout = 5 * time.Second
)

type Config struct {
	Self           transport.PeerID
	ListenAddr     string
	BeaconAddr     string
	BeaconTargets  []string
	BeaconInterval time.Duration
	PeerTTL        time.Duration
	DialTimeout    time.Duration
	MaxConnsPerIP  int
}

type hello struct {
	Service string           `json:"svc"`
	Peer    transport.PeerID `json:"peer"`
}

type link struct {
	session string
	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex
	once    sync.Once
	release func()
}

func (l *link) close(reason string) {
	l.once.Do(func() {
		_ = l.conn.CloseWithError(0, reason)
		if l.release != nil {
			l.release()
		}
	})
}

// QUICTransport finds peers with UDP beacons and links them over QUIC.
// Every link carries a single bidirectional stream of length-prefixed
// frames; the first frame in each direction is a hello naming the sender.
type QUICTransport struct {
	cfg      Config
	log      debuglog.Logger
	tlsConf  *tls.Config
	quicConf *quic.Config
	listener *quic.Listener
	udp      *net.UDPConn
	table    *peerTable
	limiter  *connLimiter
	monitor  *AddrMonitor
	kick     chan struct{}

	events    chan transport.Event
	done      chan struct{}
	emitMu    sync.RWMutex
	evClosed  bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	advertising atomic.Bool

	mu        sync.Mutex
	closing   bool
	targets   []*net.UDPAddr
	links     map[transport.PeerID]*link
	nextID    uint64
	advCancel context.CancelFunc
}

// NewQUIC binds the QUIC listener and the beacon socket. Discovery stays
// idle until StartAdvertising.
func NewQUIC(cfg Config) (*QUICTransport, error) {
	if cfg.Self == "" {
		return nil, errors.New("transport needs a peer name")
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	serverConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	clientConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	var targets []*net.UDPAddr
	for _, raw := range cfg.BeaconTargets {
		addr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			return nil, fmt.Errorf("beacon target %q: %w", raw, err)
		}
		targets = append(targets, addr)
	}
	beaconAddr, err := net.ResolveUDPAddr("udp", cfg.BeaconAddr)
	if err != nil {
		return nil, fmt.Errorf("beacon addr %q: %w", cfg.BeaconAddr, err)
	}
	listener, err := quic.ListenAddr(cfg.ListenAddr, serverConf, quicConf)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", beaconAddr)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	t := &QUICTransport{
		cfg:      cfg,
		log:      debuglog.New("network"),
		tlsConf:  clientConf,
		quicConf: quicConf,
		listener: listener,
		udp:      udp,
		table:    newPeerTable(cfg.PeerTTL),
		limiter:  newConnLimiter(cfg.MaxConnsPerIP),
		kick:     make(chan struct{}, 1),
		events:   make(chan transport.Event, eventBuffer),
		done:     make(chan struct{}),
		targets:  targets,
		links:    make(map[transport.PeerID]*link),
	}
	t.monitor = NewAddrMonitor(func(oldAddr, newAddr string) {
		t.log.Logf("local address changed %s -> %s", oldAddr, newAddr)
		t.kickBeacon()
	})
	if err := t.monitor.Start(); err != nil {
		t.log.Logf("address monitor unavailable: %v", err)
	}
	t.log.Logf("quic listen ready: %s beacon=%s", listener.Addr(), udp.LocalAddr())
	t.spawn(t.acceptLoop)
	t.spawn(t.beaconReadLoop)
	t.spawn(t.sweepLoop)
	return t, nil
}

func (t *QUICTransport) Self() transport.PeerID { return t.cfg.Self }

func (t *QUICTransport) Events() <-chan transport.Event { return t.events }

// LocalAddr is the bound QUIC address.
func (t *QUICTransport) LocalAddr() net.Addr { return t.listener.Addr() }

// BeaconLocalAddr is the bound beacon socket address.
func (t *QUICTransport) BeaconLocalAddr() net.Addr { return t.udp.LocalAddr() }

// AddBeaconTarget adds a unicast or broadcast destination for beacons.
func (t *QUICTransport) AddBeaconTarget(raw string) error {
	addr, err := net.ResolveUDPAddr("udp", raw)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.targets = append(t.targets, addr)
	t.mu.Unlock()
	t.kickBeacon()
	return nil
}

func (t *QUICTransport) spawn(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

func (t *QUICTransport) emit(ev transport.Event) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.evClosed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *QUICTransport) emitState(peer transport.PeerID, state transport.ConnState, session string) {
	t.emit(transport.Event{Kind: transport.EventStateChanged, Peer: peer, State: state, Session: session})
}

func (t *QUICTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *QUICTransport) StartAdvertising(ctx context.Context) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	if t.advertising.Swap(true) {
		return nil
	}
	advCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.advCancel = cancel
	t.mu.Unlock()
	if !t.spawn(func() { t.advertiseLoop(advCtx) }) {
		cancel()
		return transport.ErrClosed
	}
	return nil
}

// StopAdvertising stops beacons and browsing and forgets discovered
// peers. Existing links stay up.
func (t *QUICTransport) StopAdvertising() error {
	if !t.advertising.Swap(false) {
		return nil
	}
	t.mu.Lock()
	cancel := t.advCancel
	t.advCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, id := range t.table.clear() {
		t.emit(transport.Event{Kind: transport.EventPeerLost, Peer: id})
	}
	return nil
}

func (t *QUICTransport) kickBeacon() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *QUICTransport) advertiseLoop(ctx context.Context) {
	port := 0
	if addr, ok := t.listener.Addr().(*net.UDPAddr); ok {
		port = addr.Port
	}
	data, err := EncodeBeacon(t.cfg.Self, port)
	if err != nil {
		t.log.Logf("beacon encode failed: %v", err)
		return
	}
	ticker := time.NewTicker(t.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		targets := append([]*net.UDPAddr(nil), t.targets...)
		t.mu.Unlock()
		for _, dst := range targets {
			if _, err := t.udp.WriteToUDP(data, dst); err != nil {
				t.log.RateLimitedf("beacon:"+dst.String(), time.Minute, "beacon to %s failed: %v", dst, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-t.kick:
		case <-ticker.C:
		}
	}
}

func (t *QUICTransport) beaconReadLoop() {
	buf := make([]byte, 2*maxBeaconSize)
	for {
		n, from, err := t.udp.ReadFromUDP(buf)
		if err != nil {
			if t.isClosed() {
				return
			}
			t.log.RateLimitedf("beacon-read", time.Minute, "beacon read failed: %v", err)
			continue
		}
		if !t.advertising.Load() {
			continue
		}
		b, err := DecodeBeacon(buf[:n])
		if err != nil {
			t.log.RateLimitedf("beacon-bad:"+from.IP.String(), time.Minute, "ignoring beacon from %s: %v", from, err)
			continue
		}
		if b.Peer == t.cfg.Self {
			continue
		}
		if t.table.observe(b, from, time.Now()) {
			t.log.Debugf("found peer %s at %s:%d", b.Peer, from.IP, b.Port)
			t.emit(transport.Event{Kind: transport.EventPeerFound, Peer: b.Peer})
		}
	}
}

func (t *QUICTransport) sweepLoop() {
	every := t.cfg.PeerTTL / 2
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			for _, id := range t.table.sweep(now) {
				t.log.Debugf("lost peer %s", id)
				t.emit(transport.Event{Kind: transport.EventPeerLost, Peer: id})
			}
		}
	}
}

func (t *QUICTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			if !t.isClosed() {
				t.log.Logf("quic accept error: %v", err)
			}
			return
		}
		c := conn
		if !t.spawn(func() { t.handleInbound(c) }) {
			_ = c.CloseWithError(0, "closed")
			return
		}
	}
}

func (t *QUICTransport) handleInbound(conn *quic.Conn) {
	if !t.advertising.Load() {
		_ = conn.CloseWithError(1, "not advertising")
		return
	}
	ip := conn.RemoteAddr().String()
	if addr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		ip = addr.IP.String()
	}
	if !t.limiter.acquire(ip) {
		t.log.RateLimitedf("limit:"+ip, time.Minute, "refusing link from %s: too many connections", ip)
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	release := func() { t.limiter.release(ip) }
	ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		release()
		_ = conn.CloseWithError(1, "no stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(helloTimeout))
	peer, err := readHello(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil || peer == t.cfg.Self {
		t.log.RateLimitedf("hello:"+ip, time.Minute, "bad hello from %s: %v", ip, err)
		release()
		_ = conn.CloseWithError(1, "bad hello")
		return
	}
	if err := writeHello(stream, t.cfg.Self); err != nil {
		release()
		_ = conn.CloseWithError(1, "hello failed")
		return
	}
	t.attach(peer, conn, stream, release)
}

// Invite dials a discovered peer.
func (t *QUICTransport) Invite(ctx context.Context, peer transport.PeerID) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	addr, ok := t.table.lookup(peer)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	t.mu.Lock()
	_, linked := t.links[peer]
	t.mu.Unlock()
	if linked {
		return nil
	}
	t.emitState(peer, transport.StateConnecting, "")
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, stream, err := t.dial(dialCtx, addr)
	if err != nil {
		t.emitState(peer, transport.StateNotConnected, "")
		return err
	}
	if !t.attach(peer, conn, stream, nil) {
		return transport.ErrClosed
	}
	return nil
}

func (t *QUICTransport) dial(ctx context.Context, addr string) (*quic.Conn, *quic.Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, nil, err
	}
	if err := writeHello(stream, t.cfg.Self); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	if _, err := readHello(stream); err != nil {
		_ = conn.CloseWithError(1, "bad hello")
		return nil, nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})
	return conn, stream, nil
}

// attach registers a live link, replacing any older one for the same
// peer, and starts its reader once Connected has been emitted.
func (t *QUICTransport) attach(peer transport.PeerID, conn *quic.Conn, stream *quic.Stream, release func()) bool {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		_ = conn.CloseWithError(0, "closed")
		if release != nil {
			release()
		}
		return false
	}
	t.nextID++
	l := &link{
		session: fmt.Sprintf("quic-%d", t.nextID),
		conn:    conn,
		stream:  stream,
		release: release,
	}
	old := t.links[peer]
	t.links[peer] = l
	t.mu.Unlock()
	if old != nil {
		old.close("replaced")
		t.emitState(peer, transport.StateNotConnected, old.session)
	}
	t.emitState(peer, transport.StateConnecting, l.session)
	t.emitState(peer, transport.StateConnected, l.session)
	if !t.spawn(func() { t.readLoop(peer, l) }) {
		t.drop(peer, l, "closed")
		return false
	}
	return true
}

func (t *QUICTransport) readLoop(peer transport.PeerID, l *link) {
	for {
		data, err := proto.ReadFrame(l.stream)
		if err != nil {
			t.drop(peer, l, "read failed")
			return
		}
		t.emit(transport.Event{Kind: transport.EventMessage, Peer: peer, Session: l.session, Data: data})
	}
}

// drop closes l and reports NotConnected if it was still the current link.
func (t *QUICTransport) drop(peer transport.PeerID, l *link, reason string) {
	t.mu.Lock()
	current := t.links[peer] == l
	if current {
		delete(t.links, peer)
	}
	t.mu.Unlock()
	l.close(reason)
	if current {
		t.log.Debugf("link %s to %s closed: %s", l.session, peer, reason)
		t.emitState(peer, transport.StateNotConnected, l.session)
		// the next beacon's PeerFound must follow NotConnected
		t.table.forget(peer)
	}
}

func (t *QUICTransport) Send(ctx context.Context, peer transport.PeerID, data []byte) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	t.mu.Lock()
	l := t.links[peer]
	t.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, peer)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.stream.SetWriteDeadline(deadline)
		defer l.stream.SetWriteDeadline(time.Time{})
	}
	if err := proto.WriteFrame(l.stream, data); err != nil {
		t.drop(peer, l, "write failed")
		return err
	}
	return nil
}

// Disconnect closes the link to peer. Unknown peers are not an error.
func (t *QUICTransport) Disconnect(peer transport.PeerID) error {
	t.mu.Lock()
	l := t.links[peer]
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	t.drop(peer, l, "disconnect")
	return nil
}

func (t *QUICTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.StopAdvertising()
		t.monitor.Stop()
		_ = t.listener.Close()
		_ = t.udp.Close()
		t.mu.Lock()
		t.closing = true
		links := t.links
		t.links = make(map[transport.PeerID]*link)
		t.mu.Unlock()
		for _, l := range links {
			l.close("shutdown")
		}
		t.wg.Wait()
		t.emitMu.Lock()
		t.evClosed = true
		close(t.events)
		t.emitMu.Unlock()
	})
	return nil
}

func writeHello(s *quic.Stream, self transport.PeerID) error {
	data, err := json.Marshal(hello{Service: ServiceType, Peer: self})
	if err != nil {
		return err
	}
	return proto.WriteFrame(s, data)
}

func readHello(s *quic.Stream) (transport.PeerID, error) {
	data, err := proto.ReadFrame(s)
	if err != nil {
		return "", err
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return "", err
	}
	if h.Service != ServiceType || h.Peer == "" {
		return "", errors.New("invalid hello")
	}
	return h.Peer, nil
}

var _ transport.Transport = (*QUICTransport)(nil)
