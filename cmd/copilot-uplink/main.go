package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"copilotmesh/internal/config"
	"copilotmesh/internal/debuglog"
	"copilotmesh/internal/sink"
	"copilotmesh/internal/uplinkserver"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	fs := flag.NewFlagSet("copilot-uplink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.ServerAddr, "listen addr (host:port)")
	redisAddr := fs.String("redis", cfg.RedisAddr, "redis addr; empty keeps traces in memory")
	debug := fs.Bool("debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("COPILOT_DEBUG", "1")
	}
	app, closeStore, err := buildApp(*redisAddr, cfg.RedisPassword, cfg.JWTSecret)
	if err != nil {
		fmt.Fprintf(stderr, "init failed: %v\n", err)
		return 1
	}
	defer closeStore()
	if cfg.JWTSecret == "" {
		fmt.Fprintln(stderr, "WARNING: COPILOT_JWT_SECRET unset, uploads are not authenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(*addr)
	}()
	fmt.Fprintf(stdout, "READY addr=%s\n", *addr)
	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "listen failed: %v\n", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		fmt.Fprintf(stderr, "shutdown failed: %v\n", err)
		return 1
	}
	return 0
}

// buildApp picks the trace store: Redis when an address is given,
// otherwise process memory.
func buildApp(redisAddr, redisPassword, secret string) (*fiber.App, func(), error) {
	log := debuglog.New("uplink")
	client := sink.Connect(redisAddr, redisPassword)
	if client == nil {
		log.Logf("keeping traces in memory")
		return uplinkserver.New(uplinkserver.NewMemoryTraces(), secret), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", redisAddr, err)
	}
	traces, err := sink.NewRedis(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Logf("keeping traces in redis at %s", redisAddr)
	return uplinkserver.New(traces, secret), func() { _ = client.Close() }, nil
}
