// Package cmd holds the sbctl command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/sbmarket/internal/app"
	"github.com/alanyoungcy/sbmarket/internal/config"
)

// ErrMissingSubcommand is returned by group commands run without a child.
var ErrMissingSubcommand = errors.New("must specify a subcommand")

var (
	configPath string
	jsonOut    bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "sbctl",
	Short:         "Super Bowl LX prediction market client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.EnablePrefixMatching = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(
		stateCmd,
		balanceCmd,
		quoteCmd,
		buyCmd,
		claimCmd,
		connectCmd,
		disconnectCmd,
		whoamiCmd,
		keysCmd,
		classifyCmd,
		archivesCmd,
	)
}

// Execute runs the command tree. ctx is cancelled on SIGINT, which aborts
// a pending wallet approval.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads the same file the service uses. The CLI keeps wallet
// state on disk and never runs the archive, so redis and the archive are
// switched off regardless of the file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	cfg.Mode = "monitor"
	cfg.Redis.Enabled = false
	cfg.Archive.Enabled = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// env is one invocation's wired dependencies.
type env struct {
	cfg     *config.Config
	deps    *app.Dependencies
	term    *terminal
	cleanup func()
}

// open wires everything a command needs. restore resumes the persisted
// wallet session first.
func open(cmd *cobra.Command, restore bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Wallet.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	term := newTerminal(cmd.OutOrStdout())
	logger := newLogger(cmd.ErrOrStderr())
	deps, cleanup, err := app.Wire(cmd.Context(), cfg, logger, app.WithBus(term))
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, deps: deps, term: term, cleanup: cleanup}

	if restore {
		if err := deps.Wallets.Init(cmd.Context()); err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) close() {
	if e.cleanup != nil {
		e.cleanup()
	}
}
