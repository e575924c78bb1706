package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"copilotmesh/internal/proto"
	"copilotmesh/internal/store"
	"copilotmesh/internal/testutil"
)

type fakeUplink struct {
	mu     sync.Mutex
	urls   []string
	bodies []proto.LocationTrace
	err    error
}

func (f *fakeUplink) Post(_ context.Context, url string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.bodies = append(f.bodies, body.(proto.LocationTrace))
	return f.err
}

func (f *fakeUplink) posts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func fixes(speeds []float64, epochs []float64) []proto.LocationSegment {
	out := make([]proto.LocationSegment, len(speeds))
	for i := range speeds {
		out[i] = proto.LocationSegment{EpochMs: epochs[i], Speed: speeds[i]}
	}
	return out
}

func TestSummarize(t *testing.T) {
	got := Summarize(fixes([]float64{1, 5, 3, 9, 2}, []float64{100, 200, 300, 400, 500}))
	want := [][2]float64{{100, 1}, {400, 9}, {500, 2}}
	if len(got) != len(want) {
		t.Fatalf("expected %d fixes, got %+v", len(want), got)
	}
	for i, w := range want {
		if got[i].EpochMs != w[0] || got[i].Speed != w[1] {
			t.Fatalf("fix %d: got {%v,%v} want %v", i, got[i].EpochMs, got[i].Speed, w)
		}
	}
}

func TestSummarizeDedup(t *testing.T) {
	got := Summarize(fixes([]float64{4}, []float64{100}))
	if len(got) != 1 {
		t.Fatalf("single fix should summarize to itself, got %+v", got)
	}
	got = Summarize(fixes([]float64{1, 9}, []float64{100, 200}))
	if len(got) != 2 || got[0].EpochMs != 100 || got[1].EpochMs != 200 {
		t.Fatalf("last fix is also the fastest, got %+v", got)
	}
	if Summarize(nil) != nil {
		t.Fatalf("empty input should summarize to nil")
	}
}

func newTestBuffer(t *testing.T, up *fakeUplink, threshold int) *Buffer {
	t.Helper()
	b, err := NewBuffer(Options{
		APIBase:   "https://api.example.test/v1/",
		UserID:    "rory",
		DeviceID:  "dev 1",
		Upload:    true,
		Threshold: threshold,
		Interval:  time.Hour,
		Uplink:    up,
	})
	if err != nil {
		t.Fatalf("new buffer failed: %v", err)
	}
	return b
}

func TestBufferFlushesOverThreshold(t *testing.T) {
	up := &fakeUplink{}
	b := newTestBuffer(t, up, 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Add(ctx, proto.LocationSegment{EpochMs: float64(i + 1), Speed: float64(i)})
	}
	if up.posts() != 0 || b.Len() != 3 {
		t.Fatalf("flushed at threshold instead of over it")
	}
	_ = b.Add(ctx, proto.LocationSegment{EpochMs: 4, Speed: 1})
	if up.posts() != 1 || b.Len() != 0 {
		t.Fatalf("expected one flush, got posts=%d len=%d", up.posts(), b.Len())
	}
	if up.urls[0] != "https://api.example.test/v1/users/rory/devices/dev%201/locations" {
		t.Fatalf("unexpected url %s", up.urls[0])
	}
	if n := len(up.bodies[0].Locations); n != 3 {
		t.Fatalf("expected summarized body, got %d fixes", n)
	}
}

func TestBufferClearedOnFailure(t *testing.T) {
	up := &fakeUplink{err: errors.New("503")}
	b := newTestBuffer(t, up, 100)
	ctx := context.Background()
	_ = b.Add(ctx, fixes([]float64{1, 2}, []float64{1, 2})...)
	if err := b.Flush(ctx); err == nil {
		t.Fatalf("expected upload error")
	}
	if b.Len() != 0 {
		t.Fatalf("buffer must be cleared even when the upload fails")
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("empty flush should be a no-op: %v", err)
	}
	if up.posts() != 1 {
		t.Fatalf("failed batch must not be re-queued, got %d posts", up.posts())
	}
	snap := b.metrics.Snapshot()
	if snap.Telemetry.Flushes != 1 || snap.Telemetry.FlushFailures != 1 {
		t.Fatalf("unexpected counters %+v", snap.Telemetry)
	}
}

func TestBufferTimerFlush(t *testing.T) {
	up := &fakeUplink{}
	b, err := NewBuffer(Options{
		APIBase: "http://x", UserID: "u", DeviceID: "d",
		Upload: true, Interval: 20 * time.Millisecond, Uplink: up,
	})
	if err != nil {
		t.Fatalf("new buffer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	_ = b.Add(ctx, proto.LocationSegment{EpochMs: 1})
	testutil.WaitFor(t, time.Second, "timer flush", func() bool { return up.posts() == 1 })
}

func TestBufferConcurrentFlushesSerialized(t *testing.T) {
	up := &fakeUplink{}
	b := newTestBuffer(t, up, 10)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Add(ctx, proto.LocationSegment{EpochMs: float64(i*1000 + j)})
				if j%7 == 0 {
					_ = b.Flush(ctx)
				}
			}
		}(i)
	}
	wg.Wait()
	_ = b.Flush(ctx)
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", b.Len())
	}
	if b.metrics.Snapshot().Telemetry.FixesBuffered != 400 {
		t.Fatalf("expected 400 fixes counted")
	}
}

func TestBufferPersistsFixes(t *testing.T) {
	st := store.NewMemoryStore()
	b, err := NewBuffer(Options{Store: st})
	if err != nil {
		t.Fatalf("new buffer failed: %v", err)
	}
	ctx := context.Background()
	_ = b.Add(ctx, fixes([]float64{1, 2}, []float64{100, 200})...)
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush without upload failed: %v", err)
	}
	if st.Len() != 2 {
		t.Fatalf("expected fixes persisted, got %d", st.Len())
	}
}

func TestNewBufferValidates(t *testing.T) {
	if _, err := NewBuffer(Options{Upload: true}); err == nil {
		t.Fatalf("expected missing uplink error")
	}
	if _, err := NewBuffer(Options{Upload: true, Uplink: &fakeUplink{}}); err == nil {
		t.Fatalf("expected missing target error")
	}
	if _, err := NewBuffer(Options{Threshold: -1}); err == nil {
		t.Fatalf("expected bad threshold error")
	}
}
