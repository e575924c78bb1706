package proto

import (
	"math"
	"time"
)

type LocationSegment struct {
	EpochMs        float64 `json:"epochMs"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	Altitude       float64 `json:"altitude"`
	Course         float64 `json:"course"`
	Speed          float64 `json:"speed"`
	PrivacyEnabled bool    `json:"privacyEnabled,omitempty"`
}

// LocationTrace is the body posted to the cloud uplink.
type LocationTrace struct {
	Locations []LocationSegment `json:"locations"`
}

// FastTimesSeconds returns the whole seconds at which the rider moved at
// least minMps metres per second.
func (t LocationTrace) FastTimesSeconds(minMps float64) map[float64]struct{} {
	out := make(map[float64]struct{})
	for _, s := range t.Locations {
		if s.Speed >= minMps {
			out[math.Round(s.EpochMs/1000)] = struct{}{}
		}
	}
	return out
}

// LocationRequest asks the peer for its stored history. Zero bounds mean
// the whole history.
type LocationRequest struct {
	StartEpochMs float64 `json:"startEpochMs,omitempty"`
	EndEpochMs   float64 `json:"endEpochMs,omitempty"`
}

func (r LocationRequest) Bounded() bool {
	return r.StartEpochMs != 0 || r.EndEpochMs != 0
}

// Interval converts the request back to a query window.
func (r LocationRequest) Interval() (Interval, bool) {
	if !r.Bounded() {
		return Interval{}, false
	}
	return Interval{Start: msToTime(r.StartEpochMs), End: msToTime(r.EndEpochMs)}, true
}

func NewLocationRequest(iv *Interval) LocationRequest {
	if iv == nil {
		return LocationRequest{}
	}
	lo, hi := iv.Millis()
	return LocationRequest{StartEpochMs: float64(lo), EndEpochMs: float64(hi)}
}

// Interval is a closed query window.
type Interval struct {
	Start time.Time
	End   time.Time
}

// AllTime covers every fix a store can hold.
func AllTime() Interval {
	return Interval{Start: time.Unix(0, 0).UTC(), End: time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (iv Interval) Valid() bool {
	return !iv.End.Before(iv.Start)
}

// Millis returns [floor(start*1000), ceil(end*1000)] in epoch milliseconds.
func (iv Interval) Millis() (int64, int64) {
	return floorMs(iv.Start), ceilMs(iv.End)
}

func (iv Interval) Contains(epochMs float64) bool {
	lo, hi := iv.Millis()
	return epochMs >= float64(lo) && epochMs <= float64(hi)
}

func floorMs(t time.Time) int64 {
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) < 0 {
		ms--
	}
	return ms
}

func ceilMs(t time.Time) int64 {
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) > 0 {
		ms++
	}
	return ms
}

func msToTime(ms float64) time.Time {
	return time.Unix(0, int64(ms*float64(time.Millisecond))).UTC()
}

func EncodeLocations(segs []LocationSegment) ([]byte, error) {
	if segs == nil {
		segs = []LocationSegment{}
	}
	return Marshal(TypeSendLocations, segs)
}

func EncodeLocationRequest(r LocationRequest) ([]byte, error) {
	return Marshal(TypeRequestLocations, r)
}
