package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jackzampolin/autoocr/internal/config"
	"github.com/jackzampolin/autoocr/internal/home"
	"github.com/jackzampolin/autoocr/internal/logging"
	"github.com/jackzampolin/autoocr/internal/output"
	"github.com/jackzampolin/autoocr/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "autoocr",
	Short: "Make scanned PDFs searchable",
	Long: `autoocr watches a directory of scanned PDFs and writes a searchable copy
of each new document to an output directory using ocrmypdf.

Processed files are remembered by content hash, so renaming or re-copying
a scan never triggers a second OCR run.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.autoocr/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "autoocr home directory (default: ~/.autoocr)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		output.SetFormat(outputFormat)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads config with flags bound over it, and builds the logger it
// names. Logs go to stderr so structured output stays clean.
func loadConfig(flags *pflag.FlagSet) (*config.Manager, *home.Dir, *slog.Logger, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, nil, nil, err
	}

	mgr, err := config.NewManager(config.Options{
		ConfigFile:  cfgFile,
		SearchPaths: []string{".", h.Path()},
		Flags:       flags,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	cfg := mgr.Get()
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	return mgr, h, logger, nil
}
