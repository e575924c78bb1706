package mesh

import (
	"context"
	"time"

	"copilotmesh/internal/peer"
	"copilotmesh/internal/proto"
)

// LocationStore is the device-local history a controller serves from.
type LocationStore interface {
	Locations(ctx context.Context, iv proto.Interval) ([]proto.LocationSegment, error)
	AddLocations(ctx context.Context, segs []proto.LocationSegment) error
	Acceleration(ctx context.Context, iv proto.Interval) ([]proto.AccelerationSample, error)
}

type BiometricSource interface {
	HeartRates(ctx context.Context, start, end time.Time, maxPoints int) ([]proto.HeartRateMeasurement, error)
}

// Handler receives session callbacks. Calls are made from the goroutine
// handling the event and never while the session lock is held.
type Handler interface {
	Connected(ctx context.Context, c peer.Connection)
	Disconnected(ctx context.Context, c peer.Connection)
	GotLocations(ctx context.Context, c peer.Connection, segs []proto.LocationSegment)
	GotRideStatistics(ctx context.Context, c peer.Connection, ride proto.RideStatistics)
	GotBiometrics(ctx context.Context, c peer.Connection, hr []proto.HeartRateMeasurement)
	GotAcceleration(ctx context.Context, c peer.Connection, samples []proto.AccelerationSample)
}

// NopHandler can be embedded to implement only some callbacks.
type NopHandler struct{}

func (NopHandler) Connected(context.Context, peer.Connection) {}
func (NopHandler) Disconnected(context.Context, peer.Connection) {}
func (NopHandler) GotLocations(context.Context, peer.Connection, []proto.LocationSegment) {}
func (NopHandler) GotRideStatistics(context.Context, peer.Connection, proto.RideStatistics) {}
func (NopHandler) GotBiometrics(context.Context, peer.Connection, []proto.HeartRateMeasurement) {}
func (NopHandler) GotAcceleration(context.Context, peer.Connection, []proto.AccelerationSample) {}

// MultiHandler fans every callback out in order.
type MultiHandler []Handler

func (m MultiHandler) Connected(ctx context.Context, c peer.Connection) {
	for _, h := range m {
		h.Connected(ctx, c)
	}
}

func (m MultiHandler) Disconnected(ctx context.Context, c peer.Connection) {
	for _, h := range m {
		h.Disconnected(ctx, c)
	}
}

func (m MultiHandler) GotLocations(ctx context.Context, c peer.Connection, segs []proto.LocationSegment) {
	for _, h := range m {
		h.GotLocations(ctx, c, segs)
	}
}

func (m MultiHandler) GotRideStatistics(ctx context.Context, c peer.Connection, ride proto.RideStatistics) {
	for _, h := range m {
		h.GotRideStatistics(ctx, c, ride)
	}
}

func (m MultiHandler) GotBiometrics(ctx context.Context, c peer.Connection, hr []proto.HeartRateMeasurement) {
	for _, h := range m {
		h.GotBiometrics(ctx, c, hr)
	}
}

func (m MultiHandler) GotAcceleration(ctx context.Context, c peer.Connection, samples []proto.AccelerationSample) {
	for _, h := range m {
		h.GotAcceleration(ctx, c, samples)
	}
}
