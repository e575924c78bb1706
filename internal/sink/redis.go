package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"copilotmesh/internal/debuglog"
	"copilotmesh/internal/mesh"
	"copilotmesh/internal/peer"
	"copilotmesh/internal/proto"
)

const keyPrefix = "copilot"

func Connect(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

// Redis stores what a base station receives, keyed by the user and device
// a peer presented in its handshake. Traces are sorted sets scored by
// epochMs, so one fix per timestamp survives.
type Redis struct {
	mesh.NopHandler
	client *redis.Client
	log    debuglog.Logger
}

var _ mesh.Handler = (*Redis)(nil)

func NewRedis(client *redis.Client) (*Redis, error) {
	if client == nil {
		return nil, errors.New("missing redis client")
	}
	return &Redis{client: client, log: debuglog.New("sink")}, nil
}

func key(kind, user, device string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, kind, user, device)
}

func LiveChannel(user, device string) string {
	return key("live", user, device)
}

func identity(c peer.Connection) (string, string) {
	user, device := c.UserID, c.DeviceID
	if user == "" {
		user = "anonymous"
	}
	if device == "" {
		device = string(c.Peer)
	}
	return user, device
}

// AppendLocations adds fixes to the trace, replacing any fix that shares
// its timestamp, and announces the new count on the live channel.
func (r *Redis) AppendLocations(ctx context.Context, user, device string, segs []proto.LocationSegment) error {
	if len(segs) == 0 {
		return nil
	}
	k := key("trace", user, device)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range segs {
			data, err := json.Marshal(s)
			if err != nil {
				return err
			}
			score := strconv.FormatFloat(s.EpochMs, 'f', -1, 64)
			pipe.ZRemRangeByScore(ctx, k, score, score)
			pipe.ZAdd(ctx, k, redis.Z{Score: s.EpochMs, Member: data})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, LiveChannel(user, device), len(segs)).Err(); err != nil {
		r.log.Logf("publish live update failed: %v", err)
	}
	return nil
}

// Locations returns the stored trace, ascending by time.
func (r *Redis) Locations(ctx context.Context, user, device string) ([]proto.LocationSegment, error) {
	members, err := r.client.ZRange(ctx, key("trace", user, device), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]proto.LocationSegment, 0, len(members))
	for _, m := range members {
		var s proto.LocationSegment
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			return nil, fmt.Errorf("decode trace entry: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Redis) putJSON(ctx context.Context, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, k, data, 0).Err()
}

func getJSON[T any](ctx context.Context, r *Redis, k string) (T, bool, error) {
	var v T
	data, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

func (r *Redis) Ride(ctx context.Context, user, device string) (proto.RideStatistics, bool, error) {
	return getJSON[proto.RideStatistics](ctx, r, key("ride", user, device))
}

func (r *Redis) Biometrics(ctx context.Context, user, device string) ([]proto.HeartRateMeasurement, bool, error) {
	return getJSON[[]proto.HeartRateMeasurement](ctx, r, key("biometrics", user, device))
}

func (r *Redis) Acceleration(ctx context.Context, user, device string) ([]proto.AccelerationSample, bool, error) {
	return getJSON[[]proto.AccelerationSample](ctx, r, key("acceleration", user, device))
}

// PeerRecord is one connected peer as seen by the base station.
type PeerRecord struct {
	Peer     string    `json:"peer"`
	UserID   string    `json:"userId"`
	DeviceID string    `json:"deviceId"`
	Since    time.Time `json:"since"`
}

// Peers lists the peers currently connected to this base station.
func (r *Redis) Peers(ctx context.Context) ([]PeerRecord, error) {
	vals, err := r.client.HGetAll(ctx, keyPrefix+":peers").Result()
	if err != nil {
		return nil, err
	}
	out := make([]PeerRecord, 0, len(vals))
	for field, v := range vals {
		var p PeerRecord
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			r.log.RateLimitedf("peers:"+field, time.Minute, "skip peer record %s: %v", field, err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Redis) Connected(ctx context.Context, c peer.Connection) {
	data, err := json.Marshal(PeerRecord{Peer: string(c.Peer), UserID: c.UserID, DeviceID: c.DeviceID, Since: c.AuthenticatedAt.UTC()})
	if err != nil {
		r.log.Logf("encode peer %s failed: %v", c.Peer, err)
		return
	}
	if err := r.client.HSet(ctx, keyPrefix+":peers", string(c.Peer), data).Err(); err != nil {
		r.log.Logf("record peer %s failed: %v", c.Peer, err)
	}
}

func (r *Redis) Disconnected(ctx context.Context, c peer.Connection) {
	if err := r.client.HDel(ctx, keyPrefix+":peers", string(c.Peer)).Err(); err != nil {
		r.log.Logf("forget peer %s failed: %v", c.Peer, err)
	}
}

func (r *Redis) GotLocations(ctx context.Context, c peer.Connection, segs []proto.LocationSegment) {
	user, device := identity(c)
	if err := r.AppendLocations(ctx, user, device, segs); err != nil {
		r.log.Logf("store %d fixes from %s failed: %v", len(segs), c.Peer, err)
	}
}

func (r *Redis) GotRideStatistics(ctx context.Context, c peer.Connection, ride proto.RideStatistics) {
	user, device := identity(c)
	if err := r.putJSON(ctx, key("ride", user, device), ride); err != nil {
		r.log.Logf("store ride from %s failed: %v", c.Peer, err)
	}
	if len(ride.LocationTrace) > 0 {
		r.GotLocations(ctx, c, ride.LocationTrace)
	}
}

func (r *Redis) GotBiometrics(ctx context.Context, c peer.Connection, hr []proto.HeartRateMeasurement) {
	user, device := identity(c)
	if err := r.putJSON(ctx, key("biometrics", user, device), hr); err != nil {
		r.log.Logf("store biometrics from %s failed: %v", c.Peer, err)
	}
}

func (r *Redis) GotAcceleration(ctx context.Context, c peer.Connection, samples []proto.AccelerationSample) {
	user, device := identity(c)
	if err := r.putJSON(ctx, key("acceleration", user, device), samples); err != nil {
		r.log.Logf("store acceleration from %s failed: %v", c.Peer, err)
	}
}
