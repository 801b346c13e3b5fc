package hrchatctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hellio/hrchat/internal/schema"
	"github.com/hellio/hrchat/internal/sqlguard"
)

func newValidateCommand(c *client) *cobra.Command {
	var (
		file       string
		tables     []string
		schemaName string
		fromAPI    bool
		maxRows    int
	)
	cmd := &cobra.Command{
		Use:   "validate [sql|-]",
		Short: "Check SQL against the read-only guardrails without running it",
		Long: `validate runs the same validator the chat service applies to generated SQL.
The whitelist comes from --table flags (name:col1,col2) or, with --from-api,
from the running service's schema endpoint. SQL is read from the argument,
--file, or stdin.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return usageError{err: errors.New("pass the SQL as a single quoted argument")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readSQL(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}

			var desc schema.Descriptor
			if fromAPI {
				desc, err = c.fetchSchema(cmd.Context())
			} else {
				desc, err = parseTables(schemaName, tables)
			}
			if err != nil {
				return err
			}

			policy := sqlguard.DefaultPolicy()
			if maxRows > 0 {
				policy.MaxRows = maxRows
			}
			result := sqlguard.Validate(text, desc, policy)
			if !result.Accepted {
				_, _ = fmt.Fprintf(c.stdout, "%s %s: %s\n",
					color.New(color.FgRed, color.Bold).Sprint("REJECTED"),
					result.Rejection.Kind,
					result.Rejection.Detail,
				)
				return errReported
			}

			_, _ = fmt.Fprintln(c.stdout, color.New(color.FgGreen, color.Bold).Sprint("ACCEPTED"))
			_, _ = fmt.Fprintf(c.stdout, "  sql:    %s\n", color.CyanString(result.NormalizedSQL))
			_, _ = fmt.Fprintf(c.stdout, "  tables: %s\n", strings.Join(result.Tables, ", "))
			if result.LimitApplied {
				_, _ = fmt.Fprintf(c.stdout, "  limit:  %d applied\n", policy.MaxRows)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read SQL from this file")
	cmd.Flags().StringArrayVarP(&tables, "table", "t", nil, "whitelisted table as name:col1,col2 (repeatable)")
	cmd.Flags().StringVar(&schemaName, "schema", "public", "schema name qualified references must use")
	cmd.Flags().BoolVar(&fromAPI, "from-api", false, "load the whitelist from the running service")
	cmd.Flags().IntVar(&maxRows, "max-rows", sqlguard.DefaultMaxRows, "row limit injected or clamped")
	return cmd
}

func readSQL(stdin io.Reader, args []string, file string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", usageError{err: errors.New("use either an SQL argument or --file, not both")}
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read sql file: %w", err)
		}
		return string(raw), nil
	case len(args) == 1 && args[0] != "-":
		return args[0], nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read sql from stdin: %w", err)
	}
	return string(raw), nil
}

// parseTables builds a whitelist from name:col1,col2 specs. Column types are unknown offline.
func parseTables(schemaName string, specs []string) (schema.Descriptor, error) {
	if len(specs) == 0 {
		return schema.Descriptor{}, usageError{err: errors.New("at least one --table or --from-api is required")}
	}
	tables := make([]schema.Table, 0, len(specs))
	seen := map[string]struct{}{}
	for _, spec := range specs {
		name, columns, ok := strings.Cut(spec, ":")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return schema.Descriptor{}, usageError{err: fmt.Errorf("invalid --table %q: expected name:col1,col2", spec)}
		}
		if _, dup := seen[name]; dup {
			return schema.Descriptor{}, usageError{err: fmt.Errorf("duplicate --table %q", name)}
		}
		seen[name] = struct{}{}

		table := schema.Table{Name: name}
		for _, column := range strings.Split(columns, ",") {
			if column = strings.ToLower(strings.TrimSpace(column)); column != "" {
				table.Columns = append(table.Columns, schema.Column{Name: column, Type: "UNKNOWN", Nullable: true})
			}
		}
		if len(table.Columns) == 0 {
			return schema.Descriptor{}, usageError{err: fmt.Errorf("table %q needs at least one column", name)}
		}
		tables = append(tables, table)
	}
	return schema.NewDescriptor(strings.ToLower(schemaName), tables, time.Now().UTC()), nil
}

func (c *client) fetchSchema(ctx context.Context) (schema.Descriptor, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/chat/schema", nil)
	if err != nil {
		return schema.Descriptor{}, err
	}
	var decoded schema.Descriptor
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return schema.Descriptor{}, fmt.Errorf("decode schema: %w", err)
	}
	if decoded.Empty() {
		return schema.Descriptor{}, errors.New("service reported no tables")
	}
	return schema.NewDescriptor(decoded.SchemaName, decoded.Tables, decoded.LoadedAt), nil
}
