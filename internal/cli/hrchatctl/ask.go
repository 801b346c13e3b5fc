package hrchatctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hellio/hrchat/internal/chat"
)

func newAskCommand(c *client) *cobra.Command {
	var (
		asJSON  bool
		showSQL bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask a question about candidates and positions",
		Args: func(_ *cobra.Command, args []string) error {
			if strings.TrimSpace(strings.Join(args, " ")) == "" {
				return usageError{err: errors.New("a question is required")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			raw, err := c.do(cmd.Context(), http.MethodPost, "/v1/chat/ask", map[string]string{"question": question})
			if err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && apiErr.Message != "" {
					_, _ = fmt.Fprintln(c.stderr, color.RedString(apiErr.Message))
					if apiErr.Retryable {
						_, _ = fmt.Fprintln(c.stderr, color.YellowString("(retryable, trace %s)", apiErr.TraceID))
					}
					return errReported
				}
				return err
			}
			if asJSON {
				c.printJSON(raw)
				return nil
			}

			var response chat.Response
			if err := json.Unmarshal(raw, &response); err != nil {
				return fmt.Errorf("decode answer: %w", err)
			}
			_, _ = fmt.Fprintln(c.stdout, response.Answer)
			if showSQL && response.SQL != "" {
				rows := 0
				if response.RowCount != nil {
					rows = *response.RowCount
				}
				_, _ = fmt.Fprintln(c.stdout)
				_, _ = fmt.Fprintln(c.stdout, color.CyanString(response.SQL))
				summary := fmt.Sprintf("%d row(s)", rows)
				if response.Truncated {
					summary += ", truncated"
				}
				_, _ = fmt.Fprintln(c.stdout, summary)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full JSON response")
	cmd.Flags().BoolVar(&showSQL, "show-sql", false, "print the executed SQL and row count under the answer")
	return cmd
}
