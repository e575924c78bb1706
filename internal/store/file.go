package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"copilotmesh/internal/proto"
)

const maxScanSize = 2 * proto.MaxFrameSize

// FileStore is a MemoryStore backed by append-only JSON line files, one
// for fixes and one for acceleration samples.
type FileStore struct {
	*MemoryStore
	mu        sync.Mutex
	locsPath  string
	accelPath string
}

func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		locsPath:    filepath.Join(dir, "locations.jsonl"),
		accelPath:   filepath.Join(dir, "acceleration.jsonl"),
	}
	ctx := context.Background()
	locs, err := readLines[proto.LocationSegment](fs.locsPath)
	if err != nil {
		return nil, fmt.Errorf("load locations: %w", err)
	}
	_ = fs.MemoryStore.AddLocations(ctx, locs)
	accel, err := readLines[proto.AccelerationSample](fs.accelPath)
	if err != nil {
		return nil, fmt.Errorf("load acceleration: %w", err)
	}
	_ = fs.MemoryStore.AddAcceleration(ctx, accel)
	return fs, nil
}

func (f *FileStore) AddLocations(ctx context.Context, segs []proto.LocationSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := appendLines(f.locsPath, segs); err != nil {
		return err
	}
	return f.MemoryStore.AddLocations(ctx, segs)
}

func (f *FileStore) AddAcceleration(ctx context.Context, samples []proto.AccelerationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := appendLines(f.accelPath, samples); err != nil {
		return err
	}
	return f.MemoryStore.AddAcceleration(ctx, samples)
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func appendLines[T any](path string, items []T) error {
	if len(items) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return syncFile(f)
}

// readLines skips lines that do not parse, so a torn final write does not
// block startup.
func readLines[T any](path string) ([]T, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []T
	sc := newScanner(f)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, sc.Err()
}
