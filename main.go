package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-extract/cmd"
	"github.com/dhcgn/imap-extract/config"
	"github.com/dhcgn/imap-extract/imap"
	"github.com/dhcgn/imap-extract/mbox"
	"github.com/dhcgn/imap-extract/output"
	"github.com/dhcgn/imap-extract/progress"
	"github.com/dhcgn/imap-extract/runner"
	"github.com/dhcgn/imap-extract/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imap-extract",
		Short: "Extract sender, subject, plain-text body and links from IMAP mailboxes or mbox archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-extract",
				"imap", cfg.IMAPHost, "folder", cfg.Folder, "mbox", cfg.MboxPath,
				"output", cfg.Output, "sqlite", cfg.SQLitePath, "dryRun", cfg.DryRun)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	total := 0
	if cfg.MboxPath != "" {
		if _, err := mbox.NewProducer(mbox.Options{Path: cfg.MboxPath}, r, logger); err != nil {
			return fmt.Errorf("mbox.NewProducer: %w", err)
		}
		if showProgress(cfg) {
			if total, err = mbox.CountMessages(cfg.MboxPath); err != nil {
				return fmt.Errorf("count messages: %w", err)
			}
		}
	} else {
		fetcherOpts := imap.FetcherOptions{
			Session: imap.Options{
				Host:               cfg.IMAPHost,
				Port:               cfg.IMAPPort,
				Username:           cfg.IMAPUser,
				Password:           cfg.IMAPPass,
				UseTLS:             cfg.UseTLS,
				StartTLS:           cfg.StartTLS,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			},
			Folder: cfg.Folder,
			Query:  imap.Query{UIDs: cfg.UIDs},
		}
		if _, err := imap.NewFetcher(fetcherOpts, r, logger); err != nil {
			return fmt.Errorf("imap.NewFetcher: %w", err)
		}
	}

	sink, err := openSinks(cfg)
	if err != nil {
		return err
	}
	if _, err := output.NewWriter(sink, r, logger); err != nil {
		_ = sink.Close()
		return fmt.Errorf("output.NewWriter: %w", err)
	}

	progress.NewReporter(r, progress.New(total, showProgress(cfg), os.Stderr), logger)

	return r.Start()
}

// openSinks opens the JSON Lines and SQLite outputs that are configured.
func openSinks(cfg config.Config) (output.Sink, error) {
	var sinks output.Multi

	if cfg.Output != "" {
		jsonl, err := output.NewJSONLFile(cfg.Output)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, jsonl)
	}
	if cfg.SQLitePath != "" {
		store, err := output.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, store)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// showProgress reports whether the progress bar is drawn. Debug logging
// interleaves with the bar, so the bar is only used at info level and above.
func showProgress(cfg config.Config) bool {
	return !cfg.NoProgress && cfg.LogLevel != "debug"
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	// stdout may carry the JSON Lines results.
	var console io.Writer = os.Stderr

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-extract-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(console, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(console, opts)
	return slog.New(handler), cleanup, nil
}
