package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// rootConfig holds the flags shared by every subcommand
type rootConfig struct {
	flags    *ff.FlagSet
	logLevel *string
	dbPath   *string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	err := root.ParseAndRun(ctx, os.Args[1:],
		ff.WithEnvVarPrefix("LEAFSCAN"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp), errors.Is(err, ff.ErrNoExec):
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
	default:
		if selected := root.GetSelected(); selected != nil && isUsageError(err) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(selected))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *ff.Command {
	fs := ff.NewFlagSet("leafscan")
	cfg := &rootConfig{
		flags:    fs,
		logLevel: fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
		dbPath:   fs.StringLong("db", "leafscan.db", "Scan history database file path"),
	}
	fs.StringLong("config", "", "Config file (flag value pairs, one per line)")
	fs.BoolLong("version", "Show version information")

	return &ff.Command{
		Name:      "leafscan",
		Usage:     "leafscan [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "diagnose plant leaf diseases from photos",
		Flags:     fs,
		Subcommands: []*ff.Command{
			newScanCommand(cfg),
			newHistoryCommand(cfg),
		},
	}
}

// setupLogging installs the global logger at the configured level
func (c *rootConfig) setupLogging() error {
	var level slog.Level
	switch strings.ToLower(*c.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return usageError{fmt.Errorf("invalid log level %q", *c.logLevel)}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// usageError marks errors caused by bad flags
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}
