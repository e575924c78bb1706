package network

import (
	"net"
	"testing"
	"time"
)

func TestBeaconRoundTrip(t *testing.T) {
	data, err := EncodeBeacon("rory-1a2b3c", 4610)
	if err != nil {
		t.Fatalf("encode beacon failed: %v", err)
	}
	b, err := DecodeBeacon(data)
	if err != nil {
		t.Fatalf("decode beacon failed: %v", err)
	}
	if b.Peer != "rory-1a2b3c" || b.Port != 4610 || b.Service != ServiceType {
		t.Fatalf("unexpected beacon %+v", b)
	}
}

func TestDecodeBeaconRejects(t *testing.T) {
	cases := []string{
		``,
		`nope`,
		`{"svc":"other","peer":"a","port":1}`,
		`{"svc":"copilot-windhorse-mpc","peer":"","port":1}`,
		`{"svc":"copilot-windhorse-mpc","peer":"a","port":70000}`,
	}
	for _, c := range cases {
		if _, err := DecodeBeacon([]byte(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
	if _, err := EncodeBeacon("", 1); err == nil {
		t.Fatalf("expected error for empty peer")
	}
}

func TestPeerTableExpiry(t *testing.T) {
	table := newPeerTable(10 * time.Second)
	now := time.Unix(1000, 0)
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 7), Port: 4611}
	if !table.observe(Beacon{Service: ServiceType, Peer: "a", Port: 4610}, from, now) {
		t.Fatalf("expected new peer")
	}
	if table.observe(Beacon{Service: ServiceType, Peer: "a", Port: 4610}, from, now.Add(5*time.Second)) {
		t.Fatalf("expected known peer")
	}
	addr, ok := table.lookup("a")
	if !ok || addr != "192.168.1.7:4610" {
		t.Fatalf("unexpected addr %q %v", addr, ok)
	}
	if lost := table.sweep(now.Add(14 * time.Second)); len(lost) != 0 {
		t.Fatalf("peer expired early: %v", lost)
	}
	lost := table.sweep(now.Add(16 * time.Second))
	if len(lost) != 1 || lost[0] != "a" {
		t.Fatalf("unexpected lost peers %v", lost)
	}
	if _, ok := table.lookup("a"); ok {
		t.Fatalf("expired peer still listed")
	}
}

func TestPeerTableForget(t *testing.T) {
	table := newPeerTable(10 * time.Second)
	now := time.Unix(1000, 0)
	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 7), Port: 4611}
	b := Beacon{Service: ServiceType, Peer: "a", Port: 4610}
	table.observe(b, from, now)
	table.forget("a")
	if _, ok := table.lookup("a"); ok {
		t.Fatalf("forgotten peer still listed")
	}
	if !table.observe(b, from, now.Add(time.Second)) {
		t.Fatalf("expected forgotten peer to be reported new")
	}
	table.forget("missing")
}

func TestPickIPv4SkipsLoopback(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPAddr{IP: net.IPv4(10, 1, 2, 3)},
	}
	if got := pickIPv4(addrs); got != "10.1.2.3" {
		t.Fatalf("unexpected address %q", got)
	}
}
