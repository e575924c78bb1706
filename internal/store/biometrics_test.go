package store

import (
	"context"
	"testing"
	"time"

	"copilotmesh/internal/proto"
)

func TestStaticBiometricsWindowAndCap(t *testing.T) {
	base := time.Date(2018, 8, 15, 10, 0, 0, 0, time.UTC)
	var series []proto.HeartRateMeasurement
	for i := 4; i >= 0; i-- {
		at := base.Add(time.Duration(i) * time.Minute)
		series = append(series, proto.HeartRateMeasurement{Start: at, End: at.Add(30 * time.Second), Value: float64(80 + i)})
	}
	src := NewStaticBiometrics(series)
	ctx := context.Background()
	got, err := src.HeartRates(ctx, base.Add(time.Minute), base.Add(3*time.Minute), 0)
	if err != nil {
		t.Fatalf("heart rates failed: %v", err)
	}
	if len(got) != 3 || got[0].Value != 81 || got[2].Value != 83 {
		t.Fatalf("unexpected window %+v", got)
	}
	capped, _ := src.HeartRates(ctx, base, base.Add(time.Hour), 2)
	if len(capped) != 2 || capped[0].Value != 80 {
		t.Fatalf("unexpected capped series %+v", capped)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := src.HeartRates(cancelled, base, base, 0); err == nil {
		t.Fatalf("expected context error")
	}
}
