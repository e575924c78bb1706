package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"copilotmesh/internal/proto"
)

// Querier is the subset of a pgx pool the store uses. *pgxpool.Pool and
// pgxmock pools both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, p *pgxpool.Pool) error { return p.Ping(ctx) }
)

func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PostgresStore keeps one device's history in the shared locations and
// acceleration tables.
type PostgresStore struct {
	db       Querier
	deviceID string
}

func NewPostgresStore(db Querier, deviceID string) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("missing database")
	}
	if deviceID == "" {
		return nil, errors.New("missing device id")
	}
	return &PostgresStore{db: db, deviceID: deviceID}, nil
}

func (p *PostgresStore) AddLocations(ctx context.Context, segs []proto.LocationSegment) error {
	for _, s := range segs {
		_, err := p.db.Exec(ctx, `
			INSERT INTO locations (device_id, epoch_ms, latitude, longitude, altitude, course, speed, privacy_enabled)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (device_id, epoch_ms) DO NOTHING
		`, p.deviceID, s.EpochMs, s.Latitude, s.Longitude, s.Altitude, s.Course, s.Speed, s.PrivacyEnabled)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Locations(ctx context.Context, iv proto.Interval) ([]proto.LocationSegment, error) {
	lo, hi := iv.Millis()
	rows, err := p.db.Query(ctx, `
		SELECT epoch_ms, latitude, longitude, altitude, course, speed, privacy_enabled
		FROM locations
		WHERE device_id=$1 AND epoch_ms >= $2 AND epoch_ms <= $3
		ORDER BY epoch_ms ASC
	`, p.deviceID, float64(lo), float64(hi))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []proto.LocationSegment{}
	for rows.Next() {
		var s proto.LocationSegment
		if err := rows.Scan(&s.EpochMs, &s.Latitude, &s.Longitude, &s.Altitude, &s.Course, &s.Speed, &s.PrivacyEnabled); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddAcceleration(ctx context.Context, samples []proto.AccelerationSample) error {
	for _, a := range samples {
		_, err := p.db.Exec(ctx, `
			INSERT INTO acceleration (device_id, epoch_ms, x, y, z)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (device_id, epoch_ms) DO NOTHING
		`, p.deviceID, a.EpochMs, a.X, a.Y, a.Z)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Acceleration(ctx context.Context, iv proto.Interval) ([]proto.AccelerationSample, error) {
	lo, hi := iv.Millis()
	rows, err := p.db.Query(ctx, `
		SELECT epoch_ms, x, y, z
		FROM acceleration
		WHERE device_id=$1 AND epoch_ms >= $2 AND epoch_ms <= $3
		ORDER BY epoch_ms ASC
	`, p.deviceID, float64(lo), float64(hi))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []proto.AccelerationSample{}
	for rows.Next() {
		var a proto.AccelerationSample
		if err := rows.Scan(&a.EpochMs, &a.X, &a.Y, &a.Z); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count reports how many fixes are stored for the device.
func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM locations WHERE device_id=$1`, p.deviceID).Scan(&n)
	return n, err
}
