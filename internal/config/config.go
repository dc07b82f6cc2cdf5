package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brensch/chansweep/internal/util"
)

// Environment variables consulted by LoadEnv.
const (
	EnvTelegramToken = "CHANSWEEP_TELEGRAM_TOKEN"
	EnvStorageRoot   = "CHANSWEEP_STORAGE_ROOT"
)

// Source kinds.
const (
	SourceSpool    = "spool"
	SourceHTTPDir  = "httpdir"
	SourceTelegram = "telegram"
)

// Rescan modes.
const (
	// RescanFull rescans the whole channel directory after every admitted message.
	RescanFull = "full"
	// RescanNew scans only the file just downloaded (or its expansion directory).
	RescanNew = "new"
)

const (
	DefaultStorageRoot      = "./channels"
	DefaultTableFile        = "output.csv"
	DefaultDbFile           = "chansweep.duckdb"
	DefaultTimeZone         = "Asia/Seoul"
	DefaultAcceptanceWindow = 24 * time.Hour
	DefaultInterval         = 60 * time.Second
	DefaultRequestsPerSec   = 2.0
)

// Default markers a line must contain to be considered.
var DefaultMarkers = []string{"naver.com", "test.com", "test1.com"}

// Default attachment and text extension allow-lists.
var (
	DefaultAttachmentExtensions = []string{".txt", ".zip", ".rar"}
	DefaultTextExtensions       = []string{".txt"}
)

// Source selects and configures the channel provider.
type Source struct {
	Kind              string   `yaml:"kind"`
	SpoolDir          string   `yaml:"spool_dir"`
	FeedURLs          []string `yaml:"feed_urls"`
	TelegramToken     string   `yaml:"-"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// Extraction caps bytes written when expanding a single archive. Zero means unlimited.
type Extraction struct {
	MaxFileSize int64 `yaml:"max_file_size"`
	MaxTotal    int64 `yaml:"max_total"`
}

// Config holds application settings
type Config struct {
	StorageRoot          string        `yaml:"storage_root"`
	TableLocation        string        `yaml:"table_location"`
	DbPath               string        `yaml:"db_path"`
	TimeZone             string        `yaml:"time_zone"`
	AcceptanceWindow     time.Duration `yaml:"acceptance_window"`
	Markers              []string      `yaml:"markers"`
	CaseSensitive        bool          `yaml:"case_sensitive"`
	RescanMode           string        `yaml:"rescan_mode"`
	AttachmentExtensions []string      `yaml:"attachment_extensions"`
	TextExtensions       []string      `yaml:"text_extensions"`
	Interval             time.Duration `yaml:"interval"`
	MetricsPath          string        `yaml:"metrics_path"`
	Lock                 bool          `yaml:"lock"`
	Extraction           Extraction    `yaml:"extraction"`
	Source               Source        `yaml:"source"`
}

// Default returns a Config populated with the default settings.
func Default() Config {
	return Config{
		StorageRoot:          DefaultStorageRoot,
		TimeZone:             DefaultTimeZone,
		AcceptanceWindow:     DefaultAcceptanceWindow,
		Markers:              append([]string(nil), DefaultMarkers...),
		CaseSensitive:        true,
		RescanMode:           RescanFull,
		AttachmentExtensions: append([]string(nil), DefaultAttachmentExtensions...),
		TextExtensions:       append([]string(nil), DefaultTextExtensions...),
		Interval:             DefaultInterval,
		Lock:                 true,
		Source: Source{
			Kind:              SourceSpool,
			RequestsPerSecond: DefaultRequestsPerSec,
		},
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep their default.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv loads envFile (when it exists) into the process environment and applies the
// variables that override configuration. Variables already set in the environment win
// over the file.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		c.Source.TelegramToken = v
	}
	if v := os.Getenv(EnvStorageRoot); v != "" {
		c.StorageRoot = v
	}
	return nil
}

// Resolve fills the derived paths that default relative to StorageRoot.
func (c *Config) Resolve() {
	if c.TableLocation == "" {
		c.TableLocation = filepath.Join(c.StorageRoot, DefaultTableFile)
	}
	if c.DbPath == "" {
		c.DbPath = filepath.Join(c.StorageRoot, DefaultDbFile)
	}
	if c.Source.Kind == SourceSpool && c.Source.SpoolDir == "" {
		c.Source.SpoolDir = filepath.Join(c.StorageRoot, "spool")
	}
	c.AttachmentExtensions = normalizeExtensions(c.AttachmentExtensions)
	c.TextExtensions = normalizeExtensions(c.TextExtensions)
}

// Validate checks that the configuration can drive a sweep.
func (c Config) Validate() error {
	var errs []error
	if c.StorageRoot == "" {
		errs = append(errs, errors.New("storage root is required"))
	}
	if c.AcceptanceWindow <= 0 {
		errs = append(errs, fmt.Errorf("acceptance window must be positive, got %s", c.AcceptanceWindow))
	}
	if len(c.Markers) == 0 {
		errs = append(errs, errors.New("at least one marker is required"))
	}
	for _, m := range c.Markers {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, errors.New("markers must not be empty"))
			break
		}
	}
	if c.RescanMode != RescanFull && c.RescanMode != RescanNew {
		errs = append(errs, fmt.Errorf("unknown rescan mode %q (want %s or %s)", c.RescanMode, RescanFull, RescanNew))
	}
	if c.Extraction.MaxFileSize < 0 || c.Extraction.MaxTotal < 0 {
		errs = append(errs, errors.New("extraction limits must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Source.Kind {
	case SourceSpool:
		if c.Source.SpoolDir == "" {
			errs = append(errs, errors.New("spool source requires spool_dir"))
		}
	case SourceHTTPDir:
		if len(c.Source.FeedURLs) == 0 {
			errs = append(errs, errors.New("httpdir source requires at least one feed url"))
		}
	case SourceTelegram:
		if c.Source.TelegramToken == "" {
			errs = append(errs, fmt.Errorf("telegram source requires %s", EnvTelegramToken))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source kind %q", c.Source.Kind))
	}
	return errors.Join(errs...)
}

// Location resolves TimeZone.
func (c Config) Location() (*time.Location, error) {
	loc, err := util.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
