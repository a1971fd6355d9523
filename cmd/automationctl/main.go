// Command automationctl inspects and edits an automation database offline.
// Do not point it at a database a running server is using.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/automation/internal/store"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Database string
	Format   string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "automationctl",
		Short: "Inspect schedules and remote-data payloads",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "automation.db", "path to the automation database")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSchedulesCommand(opts))
	cmd.AddCommand(newGroupsCommand(opts))
	cmd.AddCommand(newPayloadCommand(opts))
	return cmd
}

func (o *rootOptions) open() (*store.Store, error) {
	st, err := store.Open(o.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Database, err)
	}
	return st, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
