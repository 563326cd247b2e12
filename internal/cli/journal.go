package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	TxID     string
}

// JournalResult is the JSON payload of the journal command.
type JournalResult struct {
	Entries  []ir.JournalEntry `json:"entries"`
	Applied  int               `json:"applied"`
	Rejected int               `json:"rejected"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the transaction journal",
		Long: `Print every mutation batch the backend applied or rejected, in
append order.

Example:
  livedb journal --db ./cms.db
  livedb journal --db ./cms.db --tx 0192f3c4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.TxID, "tx", "", "only show batches of this transaction")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(opts.Database); err != nil {
		return commandError(formatter, ErrCodeNotFound, "database not found", err)
	}
	st, err := store.Open(opts.Database, store.WithLogger(newLogger(cmd.ErrOrStderr(), opts.Verbose)))
	if err != nil {
		return commandError(formatter, ErrCodeDatabase, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := st.ReadJournal(ctx, opts.TxID)
	if err != nil {
		return commandError(formatter, ErrCodeDatabase, "failed to read journal", err)
	}

	result := JournalResult{Entries: entries}
	for _, e := range entries {
		if e.Status == ir.JournalRejected {
			result.Rejected++
		} else {
			result.Applied++
		}
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	if len(entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%4d  %s  %-8s %-7s %-14s [%s]",
			e.ID, time.UnixMilli(e.At).UTC().Format(time.RFC3339), e.Status, e.Kind, e.Collection, strings.Join(e.Keys, ", "))
		if e.Code != "" {
			line += "  " + string(e.Code)
		}
		fmt.Fprintf(w, "%s  tx=%s\n", line, e.TxID)
	}
	fmt.Fprintf(w, "\n%d applied, %d rejected\n", result.Applied, result.Rejected)
	return nil
}
