package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	service "github.com/okian/recalc/internal/app"
	"github.com/okian/recalc/internal/config"
	"github.com/okian/recalc/pkg/logger"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// newRootCmd creates the root recalc command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "recalc",
		Short:         "Rule-based contact score recalculation",
		Long:          "recalc keeps contact scores in step with contact activities and profile changes.\nIt serves the HTTP API and offers one-shot admin commands on the same database.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default: $"+config.EnvConfigFile+")")

	cmd.AddCommand(
		newServeCmd(opts),
		newRecalculateCmd(opts),
		newStatusCmd(opts),
		newSeedCmd(opts),
		newProcessCmd(opts),
		newLoadCmd(),
	)
	return cmd
}

// load reads the configuration and initializes the global logger. Logs go
// to stderr so command output on stdout stays parseable.
func (o *rootOptions) load(ctx context.Context) (*config.Config, logger.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(ctx, o.configPath)
	} else {
		cfg, err = config.Load(ctx)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.InitWithOptions(logger.Options{Format: cfg.LogFormat, Output: os.Stderr}); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	l := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		l.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, l, nil
}

// startOneShot starts a service without the worker loop and the rules
// watcher, for commands that do one thing and exit.
func (o *rootOptions) startOneShot(ctx context.Context) (*service.Service, error) {
	cfg, l, err := o.load(ctx)
	if err != nil {
		return nil, err
	}
	svc := service.New(cfg, service.WithLogger(l), service.WithoutBackground())
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("start service: %w", err)
	}
	return svc, nil
}
