package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"copilotmesh/internal/config"
	"copilotmesh/internal/daemon"
	"copilotmesh/internal/mesh"
	"copilotmesh/internal/metrics"
	"copilotmesh/internal/node"
	"copilotmesh/internal/pprofutil"
	"copilotmesh/internal/proto"
	"copilotmesh/internal/store/migrations"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "migrate":
		return runMigrate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: copilot-node <run|status|migrate> [args]")
	fmt.Fprintln(w, "  run     [--role base|controller] [--home dir] [--fixes file|-] [--accel file|-] [--push-ride 10m] [--debug]")
	fmt.Fprintln(w, "  status  [--home dir]")
	fmt.Fprintln(w, "  migrate [--postgres url]")
	fmt.Fprintln(w, "configuration is read from COPILOT_* environment variables")
}

func loadConfig(stderr io.Writer) (config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	role := fs.String("role", cfg.Role, "base or controller")
	home := fs.String("home", cfg.Home, "data directory")
	fixes := fs.String("fixes", "", "location fixes to record before starting (json array or lines, - for stdin)")
	accel := fs.String("accel", "", "acceleration samples to record before starting (json array or lines, - for stdin)")
	pushRide := fs.Duration("push-ride", 0, "controller: push the ride of the last period this often")
	debug := fs.Bool("debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *fixes == "-" && *accel == "-" {
		fmt.Fprintln(stderr, "--fixes and --accel cannot both read stdin")
		return 1
	}
	if *debug {
		_ = os.Setenv("COPILOT_DEBUG", "1")
	}
	cfg.Role = *role
	cfg.Home = daemon.HomeDir(*home)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runner, err := daemon.NewRunner(ctx, cfg, daemon.Options{Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer runner.Close()
	debugSrv, err := pprofutil.Start(cfg.PprofAddr, cfg.PprofAllowPublic, runner.Metrics, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer debugSrv.Close()
	if *fixes != "" {
		segs, err := readFixes(*fixes, os.Stdin)
		if err != nil {
			fmt.Fprintf(stderr, "read fixes failed: %v\n", err)
			return 1
		}
		if err := runner.RecordFixes(ctx, segs); err != nil {
			fmt.Fprintf(stderr, "record fixes failed: %v\n", err)
			return 1
		}
	}
	if *accel != "" {
		samples, err := readAcceleration(*accel, os.Stdin)
		if err != nil {
			fmt.Fprintf(stderr, "read acceleration failed: %v\n", err)
			return 1
		}
		if err := runner.RecordAcceleration(ctx, samples); err != nil {
			fmt.Fprintf(stderr, "record acceleration failed: %v\n", err)
			return 1
		}
	}
	if *pushRide > 0 {
		go pushRides(ctx, runner, *pushRide, stderr)
	}
	fmt.Fprintf(stdout, "READY role=%s peer=%s device_id=%s\n", runner.Session.Role().Name, runner.Self.PeerName, runner.Self.DeviceID)
	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func pushRides(ctx context.Context, r *daemon.Runner, every time.Duration, stderr io.Writer) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.PushRide(ctx, every)
			if err != nil && !errors.Is(err, mesh.ErrNotConnected) {
				fmt.Fprintf(stderr, "push ride failed: %v\n", err)
			}
		}
	}
}

// readFixes accepts either one JSON array or one fix per line.
func readFixes(path string, stdin io.Reader) ([]proto.LocationSegment, error) {
	return readRecords[proto.LocationSegment](path, stdin)
}

func readAcceleration(path string, stdin io.Reader) ([]proto.AccelerationSample, error) {
	return readRecords[proto.AccelerationSample](path, stdin)
}

func readRecords[T any](path string, stdin io.Reader) ([]T, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var out []T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var out []T
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), proto.MaxFrameSize)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", cfg.Home, "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	root := daemon.HomeDir(*home)
	deviceID, err := node.LoadDeviceID(root)
	if err != nil {
		fmt.Fprintf(stdout, "status: device unavailable: %v\n", err)
		return 1
	}
	path := cfg.MetricsPath
	if path == "" {
		path = filepath.Join(root, "metrics.json")
	}
	snap := readMetricsSnapshot(path)
	fmt.Fprintf(stdout, "device_id=%s\n", deviceID)
	fmt.Fprintf(stdout, "current_peers=%d\n", snap.CurrentPeers)
	fmt.Fprintf(stdout, "handshakes=%d timeouts=%d invites=%d\n", snap.Mesh.Handshakes, snap.Mesh.HandshakeTimeouts, snap.Mesh.Invites)
	fmt.Fprintf(stdout, "sent=%d send_failures=%d received=%d\n", snap.Mesh.Sent, snap.Mesh.SendFailures, snap.Mesh.Received)
	fmt.Fprintf(stdout, "drops malformed=%d unknown_type=%d unauthenticated=%d unexpected=%d\n",
		snap.Mesh.DropMalformed, snap.Mesh.DropUnknownType, snap.Mesh.DropUnauthenticated, snap.Mesh.DropUnexpected)
	fmt.Fprintf(stdout, "telemetry flushes=%d failures=%d fixes=%d\n", snap.Telemetry.Flushes, snap.Telemetry.FlushFailures, snap.Telemetry.FixesBuffered)
	types := make([]string, 0, len(snap.RecvByType))
	for typ := range snap.RecvByType {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		fmt.Fprintf(stdout, "recv %s=%d\n", typ, snap.RecvByType[typ])
	}
	return 0
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	snap, err := metrics.ReadSnapshot(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	return snap
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("postgres", cfg.PostgresURL, "postgres connection url")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *url == "" {
		fmt.Fprintln(stderr, "missing --postgres or COPILOT_POSTGRES_URL")
		return 1
	}
	db, err := migrations.Open(*url)
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := migrations.Run(db); err != nil {
		fmt.Fprintf(stderr, "migrate failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "migrations applied")
	return 0
}
