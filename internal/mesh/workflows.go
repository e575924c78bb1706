package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copilotmesh/internal/metrics"
	"copilotmesh/internal/peer"
	"copilotmesh/internal/proto"
	"copilotmesh/internal/transport"
)

// MaxHeartRatePoints caps the biometric series attached to a ride.
const MaxHeartRatePoints = 1000

var ErrNoLocationStore = errors.New("no location store configured")

type outMsg struct {
	ctx  context.Context
	typ  proto.EnvelopeType
	data []byte
	done chan error
}

// outbox keeps sends to one peer in order without blocking the caller.
type outbox struct {
	ch     chan outMsg
	closed bool
}

func (o *outbox) close() {
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (s *Session) startOutbox(id transport.PeerID) *outbox {
	ob := &outbox{ch: make(chan outMsg, outboxSize)}
	go s.drain(id, ob)
	return ob
}

func (s *Session) drain(id transport.PeerID, ob *outbox) {
	for m := range ob.ch {
		err := s.tr.Send(m.ctx, id, m.data)
		if err != nil {
			s.metrics.IncSendFailure()
			s.log.Logf("send %s to %s failed: %v", m.typ, id, err)
		} else {
			s.metrics.IncSent()
			s.metrics.Recent().Add(metrics.EnvelopeHeader{
				ID:        proto.EnvelopeID(m.data),
				Type:      string(m.typ),
				Peer:      string(id),
				Direction: "out",
				Size:      len(m.data),
				At:        s.now().UTC(),
			})
		}
		m.done <- err
		s.wg.Done()
	}
}

func failed(err error) <-chan error {
	done := make(chan error, 1)
	done <- err
	return done
}

func (s *Session) enqueueLocked(ctx context.Context, p *peerInfo, id transport.PeerID, typ proto.EnvelopeType, data []byte) <-chan error {
	if p == nil || p.out == nil {
		s.metrics.IncSendFailure()
		return failed(fmt.Errorf("%w: %s", ErrNotConnected, id))
	}
	done := make(chan error, 1)
	s.wg.Add(1)
	select {
	case p.out.ch <- outMsg{ctx: ctx, typ: typ, data: data, done: done}:
	default:
		s.wg.Done()
		s.metrics.IncSendFailure()
		s.log.RateLimitedf("queue:"+string(id), 5*time.Second, "send queue to %s full, dropping %s", id, typ)
		done <- fmt.Errorf("%w: %s", ErrSendQueueFull, id)
	}
	return done
}

// resolveLocked returns the peer state for c if c is still the
// registered connection for its peer.
func (s *Session) resolveLocked(c peer.Connection) (*peerInfo, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	cur, ok := s.reg.Find(c.Peer)
	if !ok || (c.Session != "" && cur.Session != c.Session) {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, c.Peer)
	}
	return s.peers[c.Peer], nil
}

func (s *Session) send(ctx context.Context, c peer.Connection, typ proto.EnvelopeType, data []byte, err error) <-chan error {
	if err != nil {
		return failed(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.resolveLocked(c)
	if err != nil {
		s.metrics.IncSendFailure()
		return failed(err)
	}
	return s.enqueueLocked(ctx, p, c.Peer, typ, data)
}

// RequestLocations asks c for its stored fixes. A nil interval asks for
// the whole history. Replies carry no correlation id, so a second request
// issued before the first is answered cannot be matched to its reply.
func (s *Session) RequestLocations(ctx context.Context, c peer.Connection, iv *proto.Interval) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.resolveLocked(c)
	if err != nil {
		s.metrics.IncSendFailure()
		return failed(err)
	}
	return s.requestLocked(ctx, p, c, iv)
}

func (s *Session) requestLocked(ctx context.Context, p *peerInfo, c peer.Connection, iv *proto.Interval) <-chan error {
	data, err := proto.EncodeLocationRequest(proto.NewLocationRequest(iv))
	if err != nil {
		return failed(err)
	}
	if p != nil {
		if p.requestPending {
			s.log.Logf("second location request to %s while one is outstanding", c.Peer)
		}
		p.requestPending = true
	}
	return s.enqueueLocked(ctx, p, c.Peer, proto.TypeRequestLocations, data)
}

// RequestPending reports whether a location request to id is unanswered.
func (s *Session) RequestPending(id transport.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return ok && p.requestPending
}

// SendLocations reads the interval from the location store and sends it
// to c as one batch, ascending by time.
func (s *Session) SendLocations(ctx context.Context, c peer.Connection, iv proto.Interval) <-chan error {
	if s.opts.Locations == nil {
		return failed(ErrNoLocationStore)
	}
	s.mu.Lock()
	if _, err := s.resolveLocked(c); err != nil {
		s.mu.Unlock()
		s.metrics.IncSendFailure()
		return failed(err)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer s.wg.Done()
		segs, err := s.opts.Locations.Locations(ctx, iv)
		if err != nil {
			s.log.Logf("load locations for %s failed: %v", c.Peer, err)
			done <- fmt.Errorf("load locations: %w", err)
			return
		}
		data, err := proto.EncodeLocations(segs)
		done <- <-s.send(ctx, c, proto.TypeSendLocations, data, err)
	}()
	return done
}

func (s *Session) SendRideSummary(ctx context.Context, c peer.Connection, ride proto.RideStatistics) <-chan error {
	data, err := proto.EncodeRideStatistics(ride)
	return s.send(ctx, c, proto.TypeSendRideStatistics, data, err)
}

func (s *Session) SendBiometrics(ctx context.Context, c peer.Connection, hr []proto.HeartRateMeasurement) <-chan error {
	data, err := proto.EncodeBiometrics(hr)
	return s.send(ctx, c, proto.TypeSendBiometrics, data, err)
}

func (s *Session) SendAcceleration(ctx context.Context, c peer.Connection, samples []proto.AccelerationSample) <-chan error {
	data, err := proto.EncodeAcceleration(samples)
	return s.send(ctx, c, proto.TypeSendAcceleration, data, err)
}

// BuildRideStatistics gathers what the device recorded during iv. A
// biometric failure fails the whole build.
func (s *Session) BuildRideStatistics(ctx context.Context, iv proto.Interval) (proto.RideStatistics, error) {
	ride := proto.RideStatistics{
		Start:            iv.Start,
		End:              iv.End,
		Biometrics:       []proto.HeartRateMeasurement{},
		LocationTrace:    []proto.LocationSegment{},
		AccelerationData: []proto.AccelerationSample{},
	}
	if s.opts.Biometrics != nil {
		hr, err := s.opts.Biometrics.HeartRates(ctx, iv.Start, iv.End, MaxHeartRatePoints)
		if err != nil {
			return proto.RideStatistics{}, fmt.Errorf("heart rates: %w", err)
		}
		if hr != nil {
			ride.Biometrics = hr
		}
	}
	if s.opts.Locations == nil {
		return ride, nil
	}
	segs, err := s.opts.Locations.Locations(ctx, iv)
	if err != nil {
		return proto.RideStatistics{}, fmt.Errorf("locations: %w", err)
	}
	if segs != nil {
		ride.LocationTrace = segs
	}
	accel, err := s.opts.Locations.Acceleration(ctx, iv)
	if err != nil {
		return proto.RideStatistics{}, fmt.Errorf("acceleration: %w", err)
	}
	if accel != nil {
		ride.AccelerationData = accel
	}
	return ride, nil
}
