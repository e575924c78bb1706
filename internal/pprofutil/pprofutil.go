package pprofutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"copilotmesh/internal/metrics"
)

// Server exposes pprof and the live metrics snapshot of one device.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Start listens on addr. Non-loopback binds are refused unless
// allowPublic is set. An empty addr starts nothing and returns nil.
func Start(addr string, allowPublic bool, m *metrics.Metrics, logw io.Writer) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof addr must be loopback unless public binds are allowed: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var snap metrics.Snapshot
		if m != nil {
			snap = m.Snapshot()
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", ln.Addr())
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
