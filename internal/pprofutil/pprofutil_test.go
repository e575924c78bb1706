package pprofutil

import (
	"encoding/json"
	"net/http"
	"testing"

	"copilotmesh/internal/metrics"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartDisabledAndPublicRefused(t *testing.T) {
	s, err := Start("", false, nil, nil)
	if err != nil || s != nil {
		t.Fatalf("expected nothing started, got %v %v", s, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close failed: %v", err)
	}
	if _, err := Start("0.0.0.0:0", false, nil, nil); err == nil {
		t.Fatalf("expected public bind refusal")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.IncInvite()
	s, err := Start("127.0.0.1:0", false, m, nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Close()
	resp, err := http.Get("http://" + s.Addr() + "/debug/metrics")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.Mesh.Invites != 1 {
		t.Fatalf("unexpected snapshot %+v", snap.Mesh)
	}
}
