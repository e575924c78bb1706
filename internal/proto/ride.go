package proto

import (
	"math"
	"time"
)

type HeartRateMeasurement struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Value float64   `json:"value"`
}

type AccelerationSample struct {
	EpochMs float64 `json:"epochMs"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
}

func (a AccelerationSample) SquaredMagnitude() float64 {
	return a.X*a.X + a.Y*a.Y + a.Z*a.Z
}

func (a AccelerationSample) Magnitude() float64 {
	return math.Sqrt(a.SquaredMagnitude())
}

type RideStatistics struct {
	Start            time.Time              `json:"start"`
	End              time.Time              `json:"end"`
	Biometrics       []HeartRateMeasurement `json:"biometrics"`
	LocationTrace    []LocationSegment      `json:"locationTrace"`
	AccelerationData []AccelerationSample   `json:"accelerationData"`
}

// RidingAcceleration keeps the samples taken during seconds in which the
// rider was moving at least minMps.
func (r RideStatistics) RidingAcceleration(minMps float64) []AccelerationSample {
	fast := LocationTrace{Locations: r.LocationTrace}.FastTimesSeconds(minMps)
	var out []AccelerationSample
	for _, a := range r.AccelerationData {
		if _, ok := fast[math.Round(a.EpochMs/1000)]; ok {
			out = append(out, a)
		}
	}
	return out
}

// PeakAcceleration returns the largest magnitude in the ride, or 0.
func (r RideStatistics) PeakAcceleration() float64 {
	peak := 0.0
	for _, a := range r.AccelerationData {
		if m := a.Magnitude(); m > peak {
			peak = m
		}
	}
	return peak
}

func EncodeRideStatistics(r RideStatistics) ([]byte, error) {
	return Marshal(TypeSendRideStatistics, r)
}

func EncodeBiometrics(hr []HeartRateMeasurement) ([]byte, error) {
	if hr == nil {
		hr = []HeartRateMeasurement{}
	}
	return Marshal(TypeSendBiometrics, hr)
}

func EncodeAcceleration(samples []AccelerationSample) ([]byte, error) {
	if samples == nil {
		samples = []AccelerationSample{}
	}
	return Marshal(TypeSendAcceleration, samples)
}
