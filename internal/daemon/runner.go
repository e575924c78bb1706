package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"copilotmesh/internal/config"
	"copilotmesh/internal/debuglog"
	"copilotmesh/internal/mesh"
	"copilotmesh/internal/metrics"
	"copilotmesh/internal/network"
	"copilotmesh/internal/node"
	"copilotmesh/internal/peer"
	"copilotmesh/internal/proto"
	"copilotmesh/internal/sink"
	"copilotmesh/internal/store"
	"copilotmesh/internal/telemetry"
	"copilotmesh/internal/transport"
	"copilotmesh/internal/uplink"
)

const (
	snapshotInterval = time.Second
	uplinkTimeout    = 15 * time.Second
	tokenTTL         = 24 * time.Hour
)

// Store is the device-local ride history.
type Store interface {
	mesh.LocationStore
	AddAcceleration(ctx context.Context, samples []proto.AccelerationSample) error
}

type Options struct {
	// Transport replaces the QUIC transport built from the config.
	Transport  transport.Transport
	Store      Store
	Redis      *redis.Client
	Uplink     telemetry.Uplink
	Biometrics mesh.BiometricSource
	Handler    mesh.Handler
	Metrics    *metrics.Metrics
	SnapPath   string
	Now        func() time.Time
}

// Runner wires one copilot device: identity, history, transport, mesh
// session and the telemetry buffer.
type Runner struct {
	Config  config.Config
	Self    *node.Node
	Store   Store
	Session *mesh.Session
	Buffer  *telemetry.Buffer
	Metrics *metrics.Metrics
	Sink    *sink.Redis

	tr       transport.Transport
	log      debuglog.Logger
	now      func() time.Time
	snapPath string
	closers  []func()
	once     sync.Once
}

func NewRunner(ctx context.Context, cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	role, err := mesh.RoleByName(cfg.Role)
	if err != nil {
		return nil, err
	}
	self, err := node.NewNode(cfg.Home, node.Options{UserID: cfg.UserID, DisplayName: cfg.DisplayName})
	if err != nil {
		return nil, err
	}
	r := &Runner{
		Config:   cfg,
		Self:     self,
		Metrics:  opts.Metrics,
		log:      debuglog.New("daemon"),
		now:      opts.Now,
		snapPath: opts.SnapPath,
	}
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.snapPath == "" {
		r.snapPath = cfg.MetricsPath
	}
	if r.snapPath == "" {
		r.snapPath = filepath.Join(cfg.Home, "metrics.json")
	}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	if err := r.openStore(ctx, opts.Store); err != nil {
		return nil, err
	}
	if err := r.openSink(opts.Redis); err != nil {
		return nil, err
	}
	r.tr = opts.Transport
	if r.tr == nil {
		qt, err := network.NewQUIC(network.Config{
			Self:           self.PeerName,
			ListenAddr:     cfg.ListenAddr,
			BeaconAddr:     cfg.BeaconAddr,
			BeaconTargets:  cfg.BeaconTargets,
			BeaconInterval: cfg.BeaconInterval,
			PeerTTL:        cfg.PeerTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		r.tr = qt
	}
	r.closers = append(r.closers, func() { _ = r.tr.Close() })

	handlers := mesh.MultiHandler{eventLog{log: r.log}}
	if r.Sink != nil {
		handlers = append(handlers, r.Sink)
	}
	if opts.Handler != nil {
		handlers = append(handlers, opts.Handler)
	}
	biometrics := opts.Biometrics
	if biometrics == nil {
		biometrics = store.NewStaticBiometrics(nil)
	}
	sessOpts := mesh.Options{
		Locations:        r.Store,
		Biometrics:       biometrics,
		Handler:          handlers,
		Metrics:          r.Metrics,
		HandshakeTimeout: cfg.HandshakeTimeout,
		HistoryWindow:    cfg.HistoryWindow,
		Now:              r.now,
	}
	if sessOpts.HandshakeTimeout == 0 {
		// an explicit zero in the config turns the check off
		sessOpts.HandshakeTimeout = -1
	}
	if role.HandshakeOnConnect {
		hs, err := self.Handshake()
		if err != nil {
			return nil, err
		}
		sessOpts.Self = hs
	}
	r.Session, err = mesh.NewSession(r.tr, peer.NewRegistry(), role, sessOpts)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, func() { _ = r.Session.Close() })

	up := opts.Uplink
	if up == nil && cfg.UplinkEnabled {
		token := cfg.APIToken
		if token == "" && cfg.JWTSecret != "" {
			token, err = uplink.SignToken(cfg.JWTSecret, cfg.UserID, tokenTTL)
			if err != nil {
				return nil, fmt.Errorf("sign uplink token: %w", err)
			}
		}
		up = uplink.New(token, uplinkTimeout)
	}
	r.Buffer, err = telemetry.NewBuffer(telemetry.Options{
		APIBase:   cfg.APIBase,
		UserID:    cfg.UserID,
		DeviceID:  self.DeviceID,
		Upload:    cfg.UplinkEnabled,
		Threshold: cfg.FlushSize,
		Interval:  cfg.FlushInterval,
		Uplink:    up,
		Store:     r.Store,
		Metrics:   r.Metrics,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	r.log.Logf("device %s ready as %s (peer %s)", self.DeviceID, role.Name, self.PeerName)
	return r, nil
}

func (r *Runner) openStore(ctx context.Context, st Store) error {
	if st != nil {
		r.Store = st
		return nil
	}
	if r.Config.PostgresURL != "" {
		pool, err := store.ConnectPostgres(ctx, r.Config.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		r.closers = append(r.closers, pool.Close)
		pg, err := store.NewPostgresStore(pool, r.Self.DeviceID)
		if err != nil {
			return err
		}
		r.Store = pg
		return nil
	}
	fs, err := store.OpenFileStore(filepath.Join(r.Config.Home, "history"))
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	r.Store = fs
	return nil
}

func (r *Runner) openSink(client *redis.Client) error {
	if client == nil {
		client = sink.Connect(r.Config.RedisAddr, r.Config.RedisPassword)
		if client != nil {
			r.closers = append(r.closers, func() { _ = client.Close() })
		}
	}
	if client == nil {
		return nil
	}
	s, err := sink.NewRedis(client)
	if err != nil {
		return err
	}
	r.Sink = s
	return nil
}

// Run advertises and serves the mesh until ctx ends. On the way out the
// telemetry buffer is flushed and a last metrics snapshot is written.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Session.Start(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.Buffer.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		r.snapshotLoop(runCtx)
	}()
	err := r.Session.Run(runCtx)
	cancel()
	wg.Wait()
	if stopErr := r.Session.Stop(); stopErr != nil {
		r.log.Logf("stop advertising failed: %v", stopErr)
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), uplinkTimeout)
	defer flushCancel()
	if ferr := r.Buffer.Flush(flushCtx); ferr != nil {
		r.log.Logf("final flush failed: %v", ferr)
	}
	r.writeSnapshot()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (r *Runner) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.writeSnapshot()
		}
	}
}

func (r *Runner) writeSnapshot() {
	if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
		r.log.RateLimitedf("snapshot", time.Minute, "write metrics snapshot failed: %v", err)
	}
}

func (r *Runner) SnapshotPath() string {
	return r.snapPath
}

// RecordFixes feeds location fixes from the device into history and the
// telemetry buffer.
func (r *Runner) RecordFixes(ctx context.Context, fixes []proto.LocationSegment) error {
	return r.Buffer.Add(ctx, fixes...)
}

func (r *Runner) RecordAcceleration(ctx context.Context, samples []proto.AccelerationSample) error {
	return r.Store.AddAcceleration(ctx, samples)
}

// PushRide sends the ride recorded over the last window to every
// authenticated base station and returns the first error.
func (r *Runner) PushRide(ctx context.Context, window time.Duration) error {
	if !r.Session.Role().HandshakeOnConnect {
		return fmt.Errorf("role %s does not push rides", r.Session.Role().Name)
	}
	end := r.now()
	iv := proto.Interval{Start: end.Add(-window), End: end}
	ride, err := r.Session.BuildRideStatistics(ctx, iv)
	if err != nil {
		return err
	}
	conns := r.Session.Connections()
	if len(conns) == 0 {
		return mesh.ErrNotConnected
	}
	var first error
	for _, c := range conns {
		if err := <-r.Session.SendRideSummary(ctx, c, ride); err != nil && first == nil {
			first = fmt.Errorf("push ride to %s: %w", c.Peer, err)
		}
	}
	return first
}

// Close releases everything NewRunner opened, in reverse order.
func (r *Runner) Close() {
	r.once.Do(func() {
		for i := len(r.closers) - 1; i >= 0; i-- {
			r.closers[i]()
		}
	})
}

// eventLog logs connection changes and received data.
type eventLog struct {
	mesh.NopHandler
	log debuglog.Logger
}

func (e eventLog) Connected(_ context.Context, c peer.Connection) {
	e.log.Logf("peer %s authenticated as user=%s device=%s", c.Peer, c.UserID, c.DeviceID)
}

func (e eventLog) Disconnected(_ context.Context, c peer.Connection) {
	e.log.Logf("peer %s disconnected", c.Peer)
}

func (e eventLog) GotLocations(_ context.Context, c peer.Connection, segs []proto.LocationSegment) {
	e.log.Debugf("peer %s sent %d locations", c.Peer, len(segs))
}

// ridingSpeedMps separates riding from standing still in ride summaries.
const ridingSpeedMps = 2.0

func (e eventLog) GotRideStatistics(_ context.Context, c peer.Connection, ride proto.RideStatistics) {
	e.log.Logf("peer %s sent ride %s..%s with %d fixes, peak %.2f m/s2, %d of %d samples while riding",
		c.Peer, ride.Start.Format(time.RFC3339), ride.End.Format(time.RFC3339), len(ride.LocationTrace),
		ride.PeakAcceleration(), len(ride.RidingAcceleration(ridingSpeedMps)), len(ride.AccelerationData))
}

func (e eventLog) GotBiometrics(_ context.Context, c peer.Connection, hr []proto.HeartRateMeasurement) {
	e.log.Debugf("peer %s sent %d heart rates", c.Peer, len(hr))
}

func (e eventLog) GotAcceleration(_ context.Context, c peer.Connection, samples []proto.AccelerationSample) {
	e.log.Debugf("peer %s sent %d acceleration samples", c.Peer, len(samples))
}

// HomeDir resolves the data directory, expanding a leading ~.
func HomeDir(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, path[2:])
		}
	}
	return path
}
