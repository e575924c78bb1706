package daemon

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"copilotmesh/internal/config"
	"copilotmesh/internal/mesh"
	"copilotmesh/internal/proto"
	"copilotmesh/internal/store"
	"copilotmesh/internal/testutil"
	"copilotmesh/internal/transport"
)

func testConfig(t *testing.T, role string) config.Config {
	t.Helper()
	return config.Config{
		Role:             role,
		Home:             t.TempDir(),
		UserID:           "rory",
		DisplayName:      role,
		BeaconInterval:   time.Second,
		PeerTTL:          time.Second,
		HandshakeTimeout: mesh.DefaultHandshakeTimeout,
		FlushSize:        100,
		FlushInterval:    time.Hour,
	}
}

type postRecorder struct {
	mu    sync.Mutex
	urls  []string
	posts []proto.LocationTrace
}

func (p *postRecorder) Post(_ context.Context, url string, body any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, url)
	if tr, ok := body.(proto.LocationTrace); ok {
		p.posts = append(p.posts, tr)
	}
	return nil
}

func (p *postRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

func TestRunnerBaseCollectsFromController(t *testing.T) {
	hub := transport.NewMemHub()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	base, err := NewRunner(context.Background(), testConfig(t, mesh.RoleNameBase), Options{
		Transport: hub.Join("base"),
		Store:     store.NewMemoryStore(),
		Redis:     client,
	})
	if err != nil {
		t.Fatalf("base runner failed: %v", err)
	}
	defer base.Close()
	ctrlStore := store.NewMemoryStore()
	ctrl, err := NewRunner(context.Background(), testConfig(t, mesh.RoleNameController), Options{
		Transport: hub.Join("rider"),
		Store:     ctrlStore,
	})
	if err != nil {
		t.Fatalf("controller runner failed: %v", err)
	}
	defer ctrl.Close()
	ctx, cancel := context.WithCancel(context.Background())
	if err := ctrl.RecordFixes(ctx, []proto.LocationSegment{{EpochMs: 1500, Speed: 9}, {EpochMs: 2500, Speed: 3}}); err != nil {
		t.Fatalf("record fixes failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, r := range []*Runner{base, ctrl} {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				t.Errorf("run failed: %v", err)
			}
		}(r)
	}

	testutil.WaitFor(t, 0, "base pulls history", func() bool {
		segs, err := base.Sink.Locations(context.Background(), "rory", ctrl.Self.DeviceID)
		return err == nil && len(segs) == 2
	})
	if got := len(base.Session.Connections()); got != 1 {
		t.Fatalf("expected one authenticated peer, got %d", got)
	}
	recent := float64(time.Now().Add(-time.Minute).UnixMilli())
	if err := ctrl.RecordAcceleration(ctx, []proto.AccelerationSample{{EpochMs: recent, X: 3, Y: 4}}); err != nil {
		t.Fatalf("record acceleration failed: %v", err)
	}
	if err := ctrl.PushRide(ctx, time.Hour); err != nil {
		t.Fatalf("push ride failed: %v", err)
	}
	testutil.WaitFor(t, 0, "base stores ride", func() bool {
		ride, ok, err := base.Sink.Ride(context.Background(), "rory", ctrl.Self.DeviceID)
		return err == nil && ok && len(ride.AccelerationData) == 1 && ride.PeakAcceleration() == 5
	})
	if err := base.PushRide(ctx, time.Hour); err == nil {
		t.Fatalf("base should not push rides")
	}

	cancel()
	wg.Wait()
	if _, err := os.Stat(base.SnapshotPath()); err != nil {
		t.Fatalf("missing metrics snapshot: %v", err)
	}
}

func TestRunnerUploadsSummaries(t *testing.T) {
	cfg := testConfig(t, mesh.RoleNameController)
	cfg.UplinkEnabled = true
	cfg.APIBase = "https://api.example.test/"
	cfg.FlushSize = 2
	up := &postRecorder{}
	r, err := NewRunner(context.Background(), cfg, Options{
		Transport: transport.NewMemHub().Join("rider"),
		Uplink:    up,
	})
	if err != nil {
		t.Fatalf("runner failed: %v", err)
	}
	defer r.Close()
	fixes := []proto.LocationSegment{{EpochMs: 1000, Speed: 5}, {EpochMs: 2000, Speed: 9}, {EpochMs: 3000, Speed: 1}}
	if err := r.RecordFixes(context.Background(), fixes); err != nil {
		t.Fatalf("record fixes failed: %v", err)
	}
	if up.count() != 1 {
		t.Fatalf("expected one upload, got %d", up.count())
	}
	want := "https://api.example.test/users/rory/devices/" + r.Self.DeviceID + "/locations"
	if up.urls[0] != want {
		t.Fatalf("unexpected url %s", up.urls[0])
	}
	if len(up.posts[0].Locations) != 2 {
		t.Fatalf("unexpected summary %+v", up.posts[0].Locations)
	}
	history, err := r.Store.Locations(context.Background(), proto.AllTime())
	if err != nil || len(history) != 3 {
		t.Fatalf("history not persisted: %v %d", err, len(history))
	}
}

func TestRunnerRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, mesh.RoleNameController)
	cfg.UserID = ""
	if _, err := NewRunner(context.Background(), cfg, Options{Transport: transport.NewMemHub().Join("x")}); err == nil {
		t.Fatalf("expected missing user error")
	}
	cfg = testConfig(t, "pillion")
	if _, err := NewRunner(context.Background(), cfg, Options{Transport: transport.NewMemHub().Join("y")}); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestRunnerDefaultsToFileHistory(t *testing.T) {
	cfg := testConfig(t, mesh.RoleNameController)
	r, err := NewRunner(context.Background(), cfg, Options{Transport: transport.NewMemHub().Join("rider")})
	if err != nil {
		t.Fatalf("runner failed: %v", err)
	}
	if err := r.RecordAcceleration(context.Background(), []proto.AccelerationSample{{EpochMs: 10, Z: 1}}); err != nil {
		t.Fatalf("record acceleration failed: %v", err)
	}
	r.Close()
	again, err := NewRunner(context.Background(), cfg, Options{Transport: transport.NewMemHub().Join("rider")})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer again.Close()
	if again.Self.DeviceID != r.Self.DeviceID {
		t.Fatalf("device id changed across restarts")
	}
	samples, err := again.Store.Acceleration(context.Background(), proto.AllTime())
	if err != nil || len(samples) != 1 {
		t.Fatalf("acceleration not reloaded: %v %d", err, len(samples))
	}
}

func TestHomeDir(t *testing.T) {
	if HomeDir("/data/copilot") != "/data/copilot" {
		t.Fatalf("absolute path changed")
	}
	h, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := HomeDir("~/copilot"); got != h+"/copilot" {
		t.Fatalf("unexpected expansion %s", got)
	}
}
