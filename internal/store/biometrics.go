package store

import (
	"context"
	"sort"
	"time"

	"copilotmesh/internal/proto"
)

// StaticBiometrics serves heart rate from a fixed series. It stands in for
// a platform health source on devices that have none.
type StaticBiometrics struct {
	series []proto.HeartRateMeasurement
}

func NewStaticBiometrics(series []proto.HeartRateMeasurement) *StaticBiometrics {
	s := append([]proto.HeartRateMeasurement(nil), series...)
	sort.Slice(s, func(i, j int) bool { return s[i].Start.Before(s[j].Start) })
	return &StaticBiometrics{series: s}
}

// HeartRates returns measurements overlapping [start, end], oldest first,
// at most maxPoints of them. maxPoints <= 0 means no limit.
func (b *StaticBiometrics) HeartRates(ctx context.Context, start, end time.Time, maxPoints int) ([]proto.HeartRateMeasurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []proto.HeartRateMeasurement{}
	for _, m := range b.series {
		if m.End.Before(start) || m.Start.After(end) {
			continue
		}
		out = append(out, m)
		if maxPoints > 0 && len(out) == maxPoints {
			break
		}
	}
	return out, nil
}
