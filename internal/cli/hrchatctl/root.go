// Package hrchatctl is the operator and analyst CLI for the HR chat API.
package hrchatctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

// failure has already been reported to stderr.
var errReported = errors.New("reported")

// Run executes one command and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	if defaults.Stdout == nil {
		defaults.Stdout = io.Discard
	}
	if defaults.Stderr == nil {
		defaults.Stderr = io.Discard
	}

	root := NewRootCommand(defaults)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errReported):
		return exitFailure
	}

	_, _ = fmt.Fprintf(defaults.Stderr, "error: %v\n", err)
	var usage usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		_, _ = fmt.Fprintln(defaults.Stderr, root.UsageString())
		return exitUsage
	}
	return exitFailure
}

func NewRootCommand(defaults Options) *cobra.Command {
	c := &client{
		baseURL: firstNonEmpty(defaults.BaseURL, "http://localhost:8080"),
		apiKey:  defaults.APIKey,
		timeout: durationOr(defaults.Timeout, 30*time.Second),
		http:    defaults.HTTPClient,
		stdout:  defaults.Stdout,
		stderr:  defaults.Stderr,
	}

	root := &cobra.Command{
		Use:           "hrchatctl",
		Short:         "Talk to the HR chat API and check SQL against its guardrails",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return usageError{err: errors.New("a command is required")}
		},
	}
	root.SetOut(defaults.Stdout)
	root.SetErr(defaults.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.PersistentFlags().StringVar(&c.baseURL, "base-url", c.baseURL, "HR chat API base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", c.apiKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", c.timeout, "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		newGetCommand(c, "health", "GET /v1/health", "/v1/health"),
		newGetCommand(c, "ready", "GET /v1/ready", "/v1/ready"),
		newGetCommand(c, "examples", "List example questions", "/v1/chat/examples"),
		newGetCommand(c, "schema", "Show the tables and columns questions may touch", "/v1/chat/schema"),
		newRefreshSchemaCommand(c),
		newAskCommand(c),
		newValidateCommand(c),
	)
	return root
}

func newGetCommand(c *client, name, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			c.printJSON(body)
			return nil
		},
	}
}

func newRefreshSchemaCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-schema",
		Short: "Reload the schema whitelist (operator role)",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := c.do(cmd.Context(), http.MethodPost, "/v1/chat/schema/refresh", nil)
			if err != nil {
				return err
			}
			c.printJSON(body)
			return nil
		},
	}
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{err: fmt.Errorf("unexpected arguments %q", args)}
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
