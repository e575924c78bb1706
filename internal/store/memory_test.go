package store

import (
	"context"
	"testing"
	"time"

	"copilotmesh/internal/proto"
)

func TestMemoryStoreIntervalQuery(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	err := st.AddLocations(ctx, []proto.LocationSegment{
		{EpochMs: 2500, Speed: 3},
		{EpochMs: 500, Speed: 1},
		{EpochMs: 1500, Speed: 2},
	})
	if err != nil {
		t.Fatalf("add locations failed: %v", err)
	}
	iv := proto.Interval{Start: time.Unix(1, 0), End: time.Unix(2, 0)}
	got, err := st.Locations(ctx, iv)
	if err != nil {
		t.Fatalf("locations failed: %v", err)
	}
	if len(got) != 1 || got[0].EpochMs != 1500 {
		t.Fatalf("expected only the 1500ms fix, got %+v", got)
	}
	all, _ := st.Locations(ctx, proto.AllTime())
	if len(all) != 3 || all[0].EpochMs != 500 || all[2].EpochMs != 2500 {
		t.Fatalf("expected ascending history, got %+v", all)
	}
}

func TestMemoryStoreClosedBounds(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	_ = st.AddLocations(ctx, []proto.LocationSegment{{EpochMs: 1000}, {EpochMs: 2000}, {EpochMs: 2001}})
	got, _ := st.Locations(ctx, proto.Interval{Start: time.Unix(1, 0), End: time.Unix(2, 0)})
	if len(got) != 2 {
		t.Fatalf("expected both bounds included, got %+v", got)
	}
}

func TestMemoryStoreUpsertOnEpoch(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	_ = st.AddLocations(ctx, []proto.LocationSegment{{EpochMs: 1000, Speed: 1}})
	_ = st.AddLocations(ctx, []proto.LocationSegment{{EpochMs: 1000, Speed: 7}})
	if st.Len() != 1 {
		t.Fatalf("expected one fix per timestamp, got %d", st.Len())
	}
	got, _ := st.Locations(ctx, proto.AllTime())
	if got[0].Speed != 7 {
		t.Fatalf("expected latest fix to win, got %+v", got[0])
	}
}

func TestMemoryStoreAcceleration(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	_ = st.AddAcceleration(ctx, []proto.AccelerationSample{{EpochMs: 3000, X: 1}, {EpochMs: 1000, Z: 1}})
	got, err := st.Acceleration(ctx, proto.Interval{Start: time.Unix(0, 0), End: time.Unix(2, 0)})
	if err != nil {
		t.Fatalf("acceleration failed: %v", err)
	}
	if len(got) != 1 || got[0].EpochMs != 1000 {
		t.Fatalf("unexpected samples %+v", got)
	}
	empty, _ := st.Acceleration(ctx, proto.Interval{Start: time.Unix(10, 0), End: time.Unix(11, 0)})
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
}
