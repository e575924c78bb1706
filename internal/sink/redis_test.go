package sink

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"copilotmesh/internal/peer"
	"copilotmesh/internal/proto"
)

func newSink(t *testing.T) (*Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r, err := NewRedis(client)
	if err != nil {
		t.Fatalf("new sink failed: %v", err)
	}
	return r, srv, client
}

func TestConnectEmpty(t *testing.T) {
	if Connect("", "") != nil {
		t.Fatalf("expected nil client when addr empty")
	}
	if _, err := NewRedis(nil); err == nil {
		t.Fatalf("expected missing client error")
	}
}

func TestTraceOrderedAndDeduplicated(t *testing.T) {
	r, _, _ := newSink(t)
	ctx := context.Background()
	if err := r.AppendLocations(ctx, "rory", "dev-1", []proto.LocationSegment{{EpochMs: 2000, Speed: 1}, {EpochMs: 1000, Speed: 2}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := r.AppendLocations(ctx, "rory", "dev-1", []proto.LocationSegment{{EpochMs: 2000, Speed: 9}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	got, err := r.Locations(ctx, "rory", "dev-1")
	if err != nil {
		t.Fatalf("locations failed: %v", err)
	}
	if len(got) != 2 || got[0].EpochMs != 1000 || got[1].Speed != 9 {
		t.Fatalf("unexpected trace %+v", got)
	}
	other, _ := r.Locations(ctx, "rory", "dev-2")
	if len(other) != 0 {
		t.Fatalf("traces must be per device")
	}
}

func TestHandlerCallbacks(t *testing.T) {
	r, srv, _ := newSink(t)
	ctx := context.Background()
	c := peer.Connection{Peer: "ctrl", UserID: "rory", DeviceID: "dev-1", AuthenticatedAt: time.Now()}

	r.Connected(ctx, c)
	peers, err := r.Peers(ctx)
	if err != nil || len(peers) != 1 || peers[0].UserID != "rory" {
		t.Fatalf("unexpected peers %+v %v", peers, err)
	}

	ride := proto.RideStatistics{
		Start:         time.Unix(0, 0).UTC(),
		End:           time.Unix(60, 0).UTC(),
		LocationTrace: []proto.LocationSegment{{EpochMs: 5000}},
	}
	r.GotRideStatistics(ctx, c, ride)
	r.GotBiometrics(ctx, c, []proto.HeartRateMeasurement{{Value: 88}})
	r.GotAcceleration(ctx, c, []proto.AccelerationSample{{EpochMs: 5000, Z: 1}})

	gotRide, ok, err := r.Ride(ctx, "rory", "dev-1")
	if err != nil || !ok || !gotRide.End.Equal(ride.End) {
		t.Fatalf("unexpected ride %+v %v %v", gotRide, ok, err)
	}
	trace, _ := r.Locations(ctx, "rory", "dev-1")
	if len(trace) != 1 {
		t.Fatalf("ride trace should be merged into the device trace, got %+v", trace)
	}
	hr, ok, _ := r.Biometrics(ctx, "rory", "dev-1")
	if !ok || len(hr) != 1 || hr[0].Value != 88 {
		t.Fatalf("unexpected biometrics %+v", hr)
	}
	accel, ok, _ := r.Acceleration(ctx, "rory", "dev-1")
	if !ok || len(accel) != 1 {
		t.Fatalf("unexpected acceleration %+v", accel)
	}
	if _, ok, _ := r.Ride(ctx, "nobody", "none"); ok {
		t.Fatalf("expected missing ride")
	}

	r.Disconnected(ctx, c)
	if srv.Exists("copilot:peers") {
		t.Fatalf("expected peer hash emptied")
	}
}

func TestPeersSkipsUndecodableRecords(t *testing.T) {
	r, _, client := newSink(t)
	ctx := context.Background()
	r.Connected(ctx, peer.Connection{Peer: "p1", UserID: "rory", DeviceID: "dev-1", AuthenticatedAt: time.Unix(1000, 0)})
	if err := client.HSet(ctx, keyPrefix+":peers", "junk", "{not json").Err(); err != nil {
		t.Fatalf("hset failed: %v", err)
	}
	got, err := r.Peers(ctx)
	if err != nil {
		t.Fatalf("peers failed: %v", err)
	}
	if len(got) != 1 || got[0].Peer != "p1" || got[0].UserID != "rory" {
		t.Fatalf("unexpected peers %+v", got)
	}
}

func TestAnonymousPeerKeyedByPeerID(t *testing.T) {
	r, _, _ := newSink(t)
	ctx := context.Background()
	r.GotLocations(ctx, peer.Connection{Peer: "base"}, []proto.LocationSegment{{EpochMs: 1}})
	got, _ := r.Locations(ctx, "anonymous", "base")
	if len(got) != 1 {
		t.Fatalf("expected anonymous trace, got %+v", got)
	}
}

func TestLiveChannelPublishes(t *testing.T) {
	r, _, client := newSink(t)
	ctx := context.Background()
	sub := client.Subscribe(ctx, LiveChannel("rory", "dev-1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := r.AppendLocations(ctx, "rory", "dev-1", []proto.LocationSegment{{EpochMs: 1}, {EpochMs: 2}}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	select {
	case msg := <-sub.Channel():
		if msg.Payload != "2" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for live update")
	}
}
