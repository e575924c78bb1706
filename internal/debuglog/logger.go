package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type sinkQueue struct {
	once sync.Once
	ch   chan string
	out  io.Writer
}

var (
	global  = sinkQueue{out: os.Stderr}
	outMu   sync.Mutex
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Enabled reports whether debug output was requested via COPILOT_DEBUG=1.
func Enabled() bool {
	return os.Getenv("COPILOT_DEBUG") == "1"
}

// SetOutput redirects all log output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	global.out = w
}

func write(msg string) {
	outMu.Lock()
	w := global.out
	outMu.Unlock()
	_, _ = io.WriteString(w, msg)
}

func (q *sinkQueue) start() {
	q.once.Do(func() {
		q.ch = make(chan string, queueSize)
		go func() {
			for msg := range q.ch {
				write(msg)
			}
		}()
	})
}

// Logger prefixes every line with a component name.
type Logger struct {
	component string
}

func New(component string) Logger {
	return Logger{component: component}
}

func (l Logger) format(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if l.component == "" {
		return msg + "\n"
	}
	return l.component + ": " + msg + "\n"
}

// Logf always writes. In debug mode lines go through the async queue so
// transport goroutines never block on stderr.
func (l Logger) Logf(format string, args ...any) {
	msg := l.format(format, args...)
	if !Enabled() {
		write(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
	}
}

func (l Logger) Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	l.Logf(format, args...)
}

// RateLimitedf emits at most one line per key and interval.
func (l Logger) RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	l.Logf(format, args...)
}

func Logf(format string, args ...any) {
	Logger{}.Logf(format, args...)
}

func Debugf(format string, args ...any) {
	Logger{}.Debugf(format, args...)
}
