package network

import "sync"

// connLimiter caps concurrent inbound links per remote IP.
type connLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newConnLimiter(max int) *connLimiter {
	return &connLimiter{max: max, counts: make(map[string]int)}
}

func (l *connLimiter) acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *connLimiter) release(ip string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}
