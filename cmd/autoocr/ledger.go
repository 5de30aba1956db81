package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/autoocr/internal/ledger"
	"github.com/jackzampolin/autoocr/internal/output"
)

var (
	ledgerListLimit  int
	ledgerListOffset int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect processed files",
	Long: `Inspect the ledger of processed files.

Examples:
  autoocr ledger list --limit 20
  autoocr ledger show 3f7a...
  autoocr ledger stats --ledger postgres://user@db/autoocr`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed files, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(l *ledger.Ledger) error {
			recs, err := l.List(cmd.Context(), ledger.ListOptions{Limit: ledgerListLimit, Offset: ledgerListOffset})
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []ledger.Record{}
			}
			return output.Print(recs)
		})
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <hash>",
	Short: "Show the record for a content hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(l *ledger.Ledger) error {
			rec, err := l.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return output.Print(rec)
		})
	},
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(l *ledger.Ledger) error {
			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return output.Print(stats)
		})
	},
}

func init() {
	ledgerCmd.PersistentFlags().String("ledger", ledger.DefaultPath, "SQLite path or postgres:// / mysql:// URL")
	ledgerListCmd.Flags().IntVar(&ledgerListLimit, "limit", 50, "maximum records to list (0 = all)")
	ledgerListCmd.Flags().IntVar(&ledgerListOffset, "offset", 0, "records to skip")

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerShowCmd)
	ledgerCmd.AddCommand(ledgerStatsCmd)
}

// withLedger opens the ledger read-only for fn. Local flags such as list's
// --limit are not config keys, so only inherited flags are bound.
func withLedger(cmd *cobra.Command, fn func(*ledger.Ledger) error) error {
	mgr, _, logger, err := loadConfig(cmd.InheritedFlags())
	if err != nil {
		return err
	}
	l, err := ledger.Open(cmd.Context(), ledger.Config{DSN: mgr.Get().Ledger, ReadOnly: true, Logger: logger})
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}
