// Package cli implements the credits operator command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xraph/credits"
	"github.com/xraph/credits/config"
	"github.com/xraph/credits/store/memory"
)

// Version is set at build time.
var Version = "dev"

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.Faint)
)

type rootOptions struct {
	configPath string
	jsonOutput bool
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "credits",
		Short: "Inspect pricing and operate credit accounts",
		Long: `credits loads the same YAML configuration as the engine
(credits.yaml, overridden by CREDITS_* environment variables) and
runs pricing checks or account operations against the configured store.

Examples:
  credits validate --config credits.yaml
  credits quote generate-post --tier pro --var input_tokens=2000
  credits open --tier basic
  credits balance acct_01h455vb4pex5vsknk084sn02q`,
		Version:      Version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigFile, "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newValidateCommand(opts),
		newQuoteCommand(opts),
		newOpenCommand(opts),
		newBalanceCommand(opts),
		newHistoryCommand(opts),
		newGrantCommand(opts),
	)
	return root
}

// loadConfig reads configuration from the --config path.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// pricingEngine builds an engine over an in-memory store. It is enough for
// commands that only consult the pricing table.
func (o *rootOptions) pricingEngine(cmd *cobra.Command) (*credits.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return credits.New(memory.New(), cfg.Pricing, credits.WithLogger(stderrLogger(cmd)))
}

// withEngine opens the configured store, starts an engine over it and
// stops it after fn returns.
func (o *rootOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *credits.Engine) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	eng, err := config.Build(ctx, cfg, credits.WithLogger(stderrLogger(cmd)))
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop() //nolint:errcheck // best-effort cleanup after failed start
		return err
	}

	runErr := fn(ctx, eng)
	if err := eng.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func stderrLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...) //nolint:errcheck // terminal output
}
