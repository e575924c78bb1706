package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"copilotmesh/internal/metrics"
	"copilotmesh/internal/node"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "copilot-node") {
		t.Fatalf("expected help output to mention copilot-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"ride"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestRunNeedsUserForController(t *testing.T) {
	t.Setenv("COPILOT_USER_ID", "")
	var out, errOut bytes.Buffer
	code := run([]string{"run", "--role", "controller", "--home", t.TempDir()}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "USER_ID") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestStatus(t *testing.T) {
	home := t.TempDir()
	self, err := node.NewNode(home, node.Options{})
	if err != nil {
		t.Fatalf("new node failed: %v", err)
	}
	m := metrics.New()
	m.IncHandshake()
	m.IncReceived("sendLocations")
	m.SetCurrentPeers(1)
	if err := m.WriteSnapshot(filepath.Join(home, "metrics.json")); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	t.Setenv("COPILOT_METRICS_PATH", "")
	var out bytes.Buffer
	if code := run([]string{"status", "--home", home}, &out, &out); code != 0 {
		t.Fatalf("status failed: %s", out.String())
	}
	for _, want := range []string{"device_id=" + self.DeviceID, "current_peers=1", "handshakes=1", "recv sendLocations=1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("status output missing %q:\n%s", want, out.String())
		}
	}
}

func TestStatusWithoutDevice(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"status", "--home", t.TempDir()}, &out, &out); code != 1 {
		t.Fatalf("expected failure without device id")
	}
}

func TestMigrateNeedsURL(t *testing.T) {
	t.Setenv("COPILOT_POSTGRES_URL", "")
	var out, errOut bytes.Buffer
	if code := run([]string{"migrate"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestReadFixes(t *testing.T) {
	dir := t.TempDir()
	arr := filepath.Join(dir, "fixes.json")
	if err := os.WriteFile(arr, []byte(`[{"epochMs":1000,"speed":3},{"epochMs":2000,"speed":4}]`), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	segs, err := readFixes(arr, nil)
	if err != nil || len(segs) != 2 || segs[1].Speed != 4 {
		t.Fatalf("unexpected fixes %+v %v", segs, err)
	}
	lines := "{\"epochMs\":1000}\n\n{\"epochMs\":2000,\"latitude\":39.1}\n"
	segs, err = readFixes("-", strings.NewReader(lines))
	if err != nil || len(segs) != 2 || segs[1].Latitude != 39.1 {
		t.Fatalf("unexpected line fixes %+v %v", segs, err)
	}
	if _, err := readFixes("-", strings.NewReader("{\"epochMs\":1}\nnope\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line error, got %v", err)
	}
}

func TestReadAcceleration(t *testing.T) {
	lines := "{\"epochMs\":1000,\"x\":1,\"y\":2,\"z\":2}\n{\"epochMs\":2000,\"z\":9.8}\n"
	samples, err := readAcceleration("-", strings.NewReader(lines))
	if err != nil || len(samples) != 2 || samples[0].Magnitude() != 3 {
		t.Fatalf("unexpected samples %+v %v", samples, err)
	}
	if _, err := readAcceleration("-", strings.NewReader("[{\"x\":")); err == nil {
		t.Fatalf("expected truncated array to fail")
	}
}

func TestRunRejectsTwoStdinInputs(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"run", "--role", "base", "--home", t.TempDir(), "--fixes", "-", "--accel", "-"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "stdin") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}
