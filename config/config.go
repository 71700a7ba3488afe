package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-extract/credential"
	"github.com/dhcgn/imap-extract/extract"
	"github.com/dhcgn/imap-extract/filter"
	"github.com/dhcgn/imap-extract/links"
)

// StdoutOutput selects standard output for the JSON Lines results.
const StdoutOutput = "-"

// Config captures all command-line options required to run an extraction.
type Config struct {
	MboxPath            string
	IMAPHost            string
	IMAPPort            int
	IMAPUser            string
	IMAPPass            string
	UseTLS              bool
	StartTLS            bool
	InsecureSkipVerify  bool
	Folder              string
	UIDs                []uint32
	Output              string
	SQLitePath          string
	StateDir            string
	Workers             int
	Separator           string
	TrimLinkPunctuation bool
	StopOnError         bool
	DryRun              bool
	NoProgress          bool
	LogLevel            string
	LogDir              string
	UseKeyring          bool
	IncludeHeader       []string
	IncludeBody         []string
	ExcludeHeader       []string
	ExcludeBody         []string
}

// FilterOptions returns the regex filter settings.
func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	}
}

// ExtractOptions returns the body and link extraction settings.
func (c Config) ExtractOptions() extract.Options {
	return extract.Options{
		Separator: c.Separator,
		Links:     links.Options{TrimPunctuation: c.TrimLinkPunctuation},
	}
}

// WritesStdout reports whether results go to standard output.
func (c Config) WritesStdout() bool {
	return c.Output == StdoutOutput
}

// envBindings maps viper keys to the environment variables that may set them.
var envBindings = map[string][]string{
	"imap-host": {"IMAP_HOST"},
	"imap-port": {"IMAP_PORT"},
	"imap-user": {"IMAP_USER", "EMAIL_USER"},
	"imap-pass": {"IMAP_PASS", "EMAIL_PASS"},
	"folder":    {"IMAP_FOLDER"},
	"state-dir": {"IMAP_EXTRACT_STATE_DIR"},
	"log-level": {"IMAP_EXTRACT_LOG_LEVEL"},
}

// lookupPassword is replaced in tests.
var lookupPassword = credential.Get

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("mbox", "", "Path to an .mbox archive to extract from instead of an IMAP mailbox")
	flags.String("imap-host", "", "IMAP server hostname (env IMAP_HOST)")
	flags.Int("imap-port", 993, "IMAP server port (env IMAP_PORT)")
	flags.String("imap-user", "", "IMAP username (env IMAP_USER or EMAIL_USER)")
	flags.String("imap-pass", "", "IMAP password (env IMAP_PASS or EMAIL_PASS, or --keyring)")
	flags.Bool("use-tls", true, "Use implicit TLS for the IMAP connection")
	flags.Bool("starttls", false, "Upgrade a plain IMAP connection with STARTTLS")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "IMAP folder to read (env IMAP_FOLDER)")
	flags.UintSlice("uid", nil, "Only extract these message UIDs (repeatable)")
	flags.StringP("output", "o", "", "JSON Lines output file, - for stdout (default - unless --sqlite is set)")
	flags.String("sqlite", "", "Also store results in this SQLite database")
	flags.String("state-dir", defaultStateDir, "Directory for incremental run state files")
	flags.Int("workers", 0, "Number of decode workers (default: number of CPUs)")
	flags.String("separator", "", "Text inserted between consecutive plain-text parts")
	flags.Bool("trim-link-punctuation", false, "Strip trailing punctuation from extracted links")
	flags.Bool("stop-on-error", false, "Abort the run on the first message that cannot be fetched")
	flags.Bool("dry-run", false, "Extract and report without writing output or recording state")
	flags.Bool("no-progress", false, "Disable the progress bar")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.Bool("keyring", false, "Read the IMAP password from the OS keyring")
	flags.String("env-file", "", "Load environment variables from this file (default .env if present)")
	flags.String("config", "", "YAML config file with flag names as keys")
	flags.StringArray("include-header", nil, "Regex allow-list applied to From/To/Subject (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to the extracted body (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to From/To/Subject (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to the extracted body (mutually exclusive with include flags)")

	cmd.MarkFlagsMutuallyExclusive("mbox", "imap-host")

	return nil
}

// LoadConfig converts the parsed Cobra flags, environment and optional config
// file into a Config struct with validation. Flags win over environment
// variables, which win over the config file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	for key, names := range envBindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	uids, err := flags.GetUintSlice("uid")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		MboxPath:            strings.TrimSpace(v.GetString("mbox")),
		IMAPHost:            strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:            v.GetInt("imap-port"),
		IMAPUser:            v.GetString("imap-user"),
		IMAPPass:            v.GetString("imap-pass"),
		UseTLS:              v.GetBool("use-tls"),
		StartTLS:            v.GetBool("starttls"),
		InsecureSkipVerify:  v.GetBool("insecure-skip-verify"),
		Folder:              v.GetString("folder"),
		Output:              v.GetString("output"),
		SQLitePath:          v.GetString("sqlite"),
		StateDir:            v.GetString("state-dir"),
		Workers:             v.GetInt("workers"),
		Separator:           v.GetString("separator"),
		TrimLinkPunctuation: v.GetBool("trim-link-punctuation"),
		StopOnError:         v.GetBool("stop-on-error"),
		DryRun:              v.GetBool("dry-run"),
		NoProgress:          v.GetBool("no-progress"),
		LogLevel:            strings.ToLower(v.GetString("log-level")),
		LogDir:              v.GetString("log-dir"),
		UseKeyring:          v.GetBool("keyring"),
		IncludeHeader:       includeHeader,
		IncludeBody:         includeBody,
		ExcludeHeader:       excludeHeader,
		ExcludeBody:         excludeBody,
	}
	for _, uid := range uids {
		cfg.UIDs = append(cfg.UIDs, uint32(uid))
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.IMAPHost != "" && cfg.IMAPPass == "" && cfg.UseKeyring {
		pass, err := lookupPassword(cfg.IMAPHost, cfg.IMAPUser)
		if err != nil {
			return Config{}, fmt.Errorf("read IMAP password from keyring: %w", err)
		}
		cfg.IMAPPass = pass
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func normalize(cfg *Config) error {
	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.StartTLS {
		cfg.UseTLS = false
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Output == "" && cfg.SQLitePath == "" {
		cfg.Output = StdoutOutput
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.MboxPath == "" && cfg.IMAPHost == "":
		return fmt.Errorf("one of --imap-host or --mbox is required")
	case cfg.MboxPath != "" && cfg.IMAPHost != "":
		return fmt.Errorf("--imap-host and --mbox are mutually exclusive")
	}

	if cfg.IMAPHost != "" {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or --keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}
	if cfg.MboxPath != "" && len(cfg.UIDs) > 0 {
		return fmt.Errorf("--uid only applies to --imap-host")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-extract", "state"), nil
}
