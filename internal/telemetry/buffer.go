package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"copilotmesh/internal/debuglog"
	"copilotmesh/internal/metrics"
	"copilotmesh/internal/proto"
)

const (
	DefaultThreshold = 120
	DefaultInterval  = 120 * time.Second
)

// Uplink posts a JSON body to the cloud API.
type Uplink interface {
	Post(ctx context.Context, url string, body any) error
}

// LocationWriter persists every fix the buffer accepts.
type LocationWriter interface {
	AddLocations(ctx context.Context, segs []proto.LocationSegment) error
}

type Options struct {
	APIBase  string
	UserID   string
	DeviceID string
	// Upload enables the cloud post on flush. A disabled buffer still
	// drains on the same triggers.
	Upload    bool
	Threshold int
	Interval  time.Duration
	Uplink    Uplink
	Store     LocationWriter
	Metrics   *metrics.Metrics
}

// Buffer accumulates location fixes and flushes a summary of them when it
// grows past Threshold or every Interval, whichever comes first.
type Buffer struct {
	opts    Options
	log     debuglog.Logger
	metrics *metrics.Metrics

	flushMu sync.Mutex

	mu    sync.Mutex
	fixes []proto.LocationSegment
}

func NewBuffer(opts Options) (*Buffer, error) {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold < 0 || opts.Interval < 0 {
		return nil, errors.New("flush threshold and interval must be positive")
	}
	if opts.Upload {
		if opts.Uplink == nil {
			return nil, errors.New("upload enabled without an uplink")
		}
		if opts.APIBase == "" || opts.UserID == "" || opts.DeviceID == "" {
			return nil, errors.New("upload needs api base, user and device")
		}
	}
	b := &Buffer{opts: opts, log: debuglog.New("telemetry"), metrics: opts.Metrics}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	return b, nil
}

// URL is where summaries are posted.
func (b *Buffer) URL() string {
	return fmt.Sprintf("%s/users/%s/devices/%s/locations",
		strings.TrimRight(b.opts.APIBase, "/"),
		url.PathEscape(b.opts.UserID),
		url.PathEscape(b.opts.DeviceID))
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fixes)
}

// Add appends fixes and flushes if the buffer is now over the threshold.
// Only a store failure is returned; the fixes are buffered regardless.
func (b *Buffer) Add(ctx context.Context, fixes ...proto.LocationSegment) error {
	if len(fixes) == 0 {
		return nil
	}
	var storeErr error
	if b.opts.Store != nil {
		if err := b.opts.Store.AddLocations(ctx, fixes); err != nil {
			storeErr = fmt.Errorf("persist fixes: %w", err)
			b.log.Logf("persist %d fixes failed: %v", len(fixes), err)
		}
	}
	b.mu.Lock()
	b.fixes = append(b.fixes, fixes...)
	over := len(b.fixes) > b.opts.Threshold
	b.mu.Unlock()
	b.metrics.AddFixesBuffered(len(fixes))
	if over {
		_ = b.Flush(ctx)
	}
	return storeErr
}

// Flush empties the buffer and posts its summary. The buffer is cleared
// before the post, so a failed upload loses the batch.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.fixes
	b.fixes = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	b.metrics.IncFlush()
	if !b.opts.Upload {
		b.log.Debugf("dropped %d fixes, upload disabled", len(batch))
		return nil
	}
	summary := Summarize(batch)
	if err := b.opts.Uplink.Post(ctx, b.URL(), proto.LocationTrace{Locations: summary}); err != nil {
		b.metrics.IncFlushFailure()
		b.log.Logf("upload of %d fixes failed: %v", len(summary), err)
		return err
	}
	b.log.Debugf("uploaded %d of %d fixes", len(summary), len(batch))
	return nil
}

// Run flushes on the interval timer until ctx ends.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = b.Flush(ctx)
		}
	}
}

// Summarize reduces fixes to the latest, fastest and slowest fix, without
// repeats, ascending by time.
func Summarize(fixes []proto.LocationSegment) []proto.LocationSegment {
	if len(fixes) == 0 {
		return nil
	}
	last := fixes[len(fixes)-1]
	for _, f := range fixes {
		if f.EpochMs > last.EpochMs {
			last = f
		}
	}
	fastest, slowest := last, last
	for _, f := range fixes {
		if f.Speed > fastest.Speed {
			fastest = f
		}
		if f.Speed < slowest.Speed {
			slowest = f
		}
	}
	out := []proto.LocationSegment{last}
	if fastest.EpochMs != last.EpochMs {
		out = append(out, fastest)
	}
	if slowest.EpochMs != last.EpochMs && slowest.EpochMs != fastest.EpochMs {
		out = append(out, slowest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochMs < out[j].EpochMs })
	return out
}
