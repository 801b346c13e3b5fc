package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hellio/hrchat/internal/cli/hrchatctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	options := hrchatctl.Options{
		BaseURL: envOr("HRCHAT_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("HRCHAT_API_KEY")),
		Timeout: parseDurationWithDefault(strings.TrimSpace(os.Getenv("HRCHAT_CLI_TIMEOUT")), 30*time.Second),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := hrchatctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid HRCHAT_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
