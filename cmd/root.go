package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brensch/chansweep/internal/config"
	"github.com/brensch/chansweep/internal/db"
)

var (
	// Config flags - bound in init()
	cfgFile         string
	envFile         string
	storageRoot     string
	tableLocation   string
	dbPath          string
	timeZone        string
	window          time.Duration
	markers         []string
	caseSensitive   bool
	rescanMode      string
	sourceKind      string
	spoolDir        string
	feedURLs        []string
	requestsPerSec  float64
	metricsPath     string
	noLock          bool
	maxFileSize     int64
	maxArchiveTotal int64
	logFormat       string
	logLevel        string
	logOutput       string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  config.Config
	logFile    *os.File
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chansweep",
	Short: "Sweep channel attachments into a deduplicated CSV table.",
	Long: `chansweep downloads recent attachments from messaging channels, unpacks zip and rar
archives, extracts marker lines from the text files and appends every new
(Line1, Line2, Line3) triple to an append-only CSV table.

The primary commands are 'run' (one sweep) and 'watch' (sweep on an interval).
Every decision is recorded in a DuckDB event log that 'state' displays.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialize Logger ---
		logger, err := newLogger(logLevel, logFormat, logOutput)
		if err != nil {
			return err
		}
		rootLogger = logger
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Logger initialized.", "level", logLevel, "format", logFormat, "output", logOutput)

		// --- 2. Load config: defaults, then file, then env, then flags ---
		cfg := config.Default()
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
		}
		if err := cfg.LoadEnv(envFile); err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		cfg.Resolve()
		appConfig = cfg
		rootLogger.Debug("Configuration loaded.", slog.Any("config", redacted(cfg)))

		// --- 3. Open the event log ---
		if cfg.DbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DbPath), 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		rootLogger.Debug("Initializing DuckDB connection.", "path", cfg.DbPath)
		dbConn, err = db.Open(context.Background(), cfg.DbPath)
		if err != nil {
			return err
		}
		rootLogger.Debug("Event log ready.")
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeResources()
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(exportCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		closeResources()
		os.Exit(1)
	}
}

func init() {
	defaults := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with secrets ("+config.EnvTelegramToken+")")
	pf.StringVarP(&storageRoot, "storage-root", "r", defaults.StorageRoot, "Directory holding one sub-directory per channel")
	pf.StringVarP(&tableLocation, "table", "t", "", "Dedup table CSV (default <storage-root>/"+config.DefaultTableFile+")")
	pf.StringVarP(&dbPath, "db-path", "d", "", "DuckDB event log (default <storage-root>/"+config.DefaultDbFile+", :memory: for in-memory)")
	pf.StringVar(&timeZone, "time-zone", defaults.TimeZone, "IANA zone for admission, file names and the Creation Time column")
	pf.DurationVar(&window, "window", defaults.AcceptanceWindow, "Acceptance window; older messages are not downloaded")
	pf.StringSliceVar(&markers, "marker", defaults.Markers, "Substring a line must contain to be extracted (repeatable)")
	pf.BoolVar(&caseSensitive, "case-sensitive", defaults.CaseSensitive, "Match markers case-sensitively")
	pf.StringVar(&rescanMode, "rescan", defaults.RescanMode, "What to scan after each message: full (whole channel dir) or new")
	pf.StringVar(&sourceKind, "source", defaults.Source.Kind, "Channel provider: spool, httpdir or telegram")
	pf.StringVar(&spoolDir, "spool-dir", "", "Spool source directory (default <storage-root>/spool)")
	pf.StringSliceVar(&feedURLs, "feed-url", nil, "httpdir source index URL (repeatable)")
	pf.Float64Var(&requestsPerSec, "rps", defaults.Source.RequestsPerSecond, "httpdir request rate limit (0 disables)")
	pf.StringVar(&metricsPath, "metrics-path", "", "Write Prometheus metrics to this textfile after each sweep")
	pf.BoolVar(&noLock, "no-lock", false, "Do not lock the storage root")
	pf.Int64Var(&maxFileSize, "max-member-size", 0, "Largest archive member to extract in bytes (0 = unlimited)")
	pf.Int64Var(&maxArchiveTotal, "max-archive-size", 0, "Most bytes to extract from one archive (0 = unlimited)")
	pf.StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.1.0"
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("storage-root") {
		cfg.StorageRoot = storageRoot
	}
	if set("table") {
		cfg.TableLocation = tableLocation
	}
	if set("db-path") {
		cfg.DbPath = dbPath
	}
	if set("time-zone") {
		cfg.TimeZone = timeZone
	}
	if set("window") {
		cfg.AcceptanceWindow = window
	}
	if set("marker") {
		cfg.Markers = markers
	}
	if set("case-sensitive") {
		cfg.CaseSensitive = caseSensitive
	}
	if set("rescan") {
		cfg.RescanMode = rescanMode
	}
	if set("source") {
		cfg.Source.Kind = sourceKind
	}
	if set("spool-dir") {
		cfg.Source.SpoolDir = spoolDir
	}
	if set("feed-url") {
		cfg.Source.FeedURLs = feedURLs
	}
	if set("rps") {
		cfg.Source.RequestsPerSecond = requestsPerSec
	}
	if set("metrics-path") {
		cfg.MetricsPath = metricsPath
	}
	if set("no-lock") {
		cfg.Lock = !noLock
	}
	if set("max-member-size") {
		cfg.Extraction.MaxFileSize = maxFileSize
	}
	if set("max-archive-size") {
		cfg.Extraction.MaxTotal = maxArchiveTotal
	}
}

func newLogger(level, format, output string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	switch strings.ToLower(output) {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		logFile = f
		w = f
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// redacted returns cfg with secrets masked for logging.
func redacted(cfg config.Config) config.Config {
	if cfg.Source.TelegramToken != "" {
		cfg.Source.TelegramToken = "***"
	}
	return cfg
}

func closeResources() {
	if dbConn != nil {
		if err := dbConn.Close(); err != nil && rootLogger != nil {
			rootLogger.Error("Failed to close DuckDB connection cleanly.", "error", err)
		}
		dbConn = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Helper to get logger
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

// Helper to get DB connection
func getDB() *sql.DB {
	return dbConn
}

// Helper to get Config
func getConfig() config.Config {
	return appConfig
}
