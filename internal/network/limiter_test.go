package network

import "testing"

func TestConnLimiterCap(t *testing.T) {
	lim := newConnLimiter(1)
	if !lim.acquire("10.0.0.2") {
		t.Fatalf("expected first acquire")
	}
	if lim.acquire("10.0.0.2") {
		t.Fatalf("expected cap")
	}
	if !lim.acquire("10.0.0.3") {
		t.Fatalf("expected separate ip acquire")
	}
	lim.release("10.0.0.2")
	if !lim.acquire("10.0.0.2") {
		t.Fatalf("expected acquire after release")
	}
}

func TestConnLimiterUnlimited(t *testing.T) {
	lim := newConnLimiter(0)
	for i := 0; i < 10; i++ {
		if !lim.acquire("10.0.0.2") {
			t.Fatalf("unlimited limiter refused at %d", i)
		}
	}
	lim.release("10.0.0.2")
}
