package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"copilotmesh/internal/proto"
)

func TestFileStoreReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	st, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	if err := st.AddLocations(ctx, []proto.LocationSegment{{EpochMs: 2000, Speed: 4}, {EpochMs: 1000, Speed: 2}}); err != nil {
		t.Fatalf("add locations failed: %v", err)
	}
	if err := st.AddAcceleration(ctx, []proto.AccelerationSample{{EpochMs: 1000, Z: 1}}); err != nil {
		t.Fatalf("add acceleration failed: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "locations.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open file failed: %v", err)
	}
	_, _ = f.WriteString("{\"epochMs\":30")
	_ = f.Close()

	again, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	locs, _ := again.Locations(ctx, proto.AllTime())
	if len(locs) != 2 || locs[0].EpochMs != 1000 {
		t.Fatalf("unexpected reloaded fixes %+v", locs)
	}
	accel, _ := again.Acceleration(ctx, proto.AllTime())
	if len(accel) != 1 {
		t.Fatalf("unexpected reloaded samples %+v", accel)
	}
}
