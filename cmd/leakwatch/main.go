// Command leakwatch ingests breach dumps into a hash-only privacy store and
// serves lookups over HTTP and MCP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/leakwatch/pipeline"
	"github.com/hazyhaar/leakwatch/privstore"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	cfgPath  string
	logLevel string
	dbPath   string

	cfg    *pipeline.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "leakwatch",
		Short:         "Privacy-preserving breach dump analysis",
		Long:          `leakwatch normalizes, classifies and hashes leaked records, keeping only keyed hashes, counts and links.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL or config)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "privacy store path (overrides config)")

	root.AddCommand(
		ingestCmd(a),
		exportCmd(a),
		importCmd(a),
		purgeCmd(a),
		bloomCmd(a),
		statsCmd(a),
		runsCmd(a),
		anomaliesCmd(a),
		serveCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg := pipeline.DefaultConfig()
	if a.cfgPath != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(a.cfgPath); err != nil {
			return err
		}
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level := a.logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = cfg.LogLevel
	}
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
	slog.SetDefault(a.logger)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *app) openStore() (*privstore.Store, error) {
	return privstore.Open(a.cfg.DBPath, privstore.WithLogger(a.logger))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
