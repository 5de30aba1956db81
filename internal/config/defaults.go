package config

// Entry is a single configuration key with its default value.
type Entry struct {
	Key         string `yaml:"key"`
	Value       any    `yaml:"value"`
	Description string `yaml:"description"`
}

// DefaultEntries returns every configuration key with its default value,
// in the order they are documented.
func DefaultEntries() []Entry {
	d := DefaultConfig()
	return []Entry{
		{Key: "input_dir", Value: d.InputDir, Description: "Directory scanned for PDF files"},
		{Key: "output_dir", Value: d.OutputDir, Description: "Directory searchable PDFs are written to"},
		{Key: "ledger", Value: d.Ledger, Description: "Ledger location: SQLite path, postgres:// or mysql:// DSN"},

		{Key: "dry_run", Value: d.DryRun, Description: "Report decisions without running OCR or writing anything"},
		{Key: "overwrite", Value: d.Overwrite, Description: "Reprocess files whose output already exists"},
		{Key: "daemon", Value: d.Daemon, Description: "Keep running and rescan every interval"},

		{Key: "interval", Value: d.Interval, Description: "Seconds between daemon cycles"},
		{Key: "limit", Value: d.Limit, Description: "Maximum files processed per cycle (0 = unlimited)"},
		{Key: "retries", Value: d.Retries, Description: "Extra attempts after a transient I/O failure"},
		{Key: "retry_delay", Value: d.RetryDelay, Description: "Seconds between attempts"},

		{Key: "watch", Value: d.Watch, Description: "Wake the daemon early when PDFs appear in the input directory"},
		{Key: "watch_settle", Value: d.WatchSettle, Description: "Quiet period after a change before a cycle starts"},
		{Key: "shutdown_timeout", Value: d.ShutdownTimeout, Description: "Grace period for an in-flight OCR run on shutdown"},

		{Key: "ocr.engine", Value: d.OCR.Engine, Description: "OCR engine: exec or docker"},
		{Key: "ocr.binary", Value: d.OCR.Binary, Description: "ocrmypdf executable for the exec engine"},
		{Key: "ocr.image", Value: d.OCR.Image, Description: "Container image for the docker engine"},
		{Key: "ocr.args", Value: d.OCR.Args, Description: "Arguments passed to ocrmypdf before the input and output paths"},
		{Key: "ocr.timeout", Value: d.OCR.Timeout, Description: "Time limit for one OCR run"},
		{Key: "ocr.work_dir", Value: d.OCR.WorkDir, Description: "Scratch directory (default: inside output_dir)"},

		{Key: "log.level", Value: d.Log.Level, Description: "Log level: debug, info, warn, error"},
		{Key: "log.format", Value: d.Log.Format, Description: "Log format: text or json"},
	}
}
