package main

import (
	"fmt"

	"github.com/Sternrassler/trailer-cache/internal/config"
	"github.com/Sternrassler/trailer-cache/pkg/logging"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by all subcommands.
type rootOptions struct {
	configFile string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "trailer-cache",
		Short:         "ETag-revalidating cache for a rate-limited HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file (default is ./trailer-cache.yaml or ./config/trailer-cache.yaml)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(opts),
		newRefreshCommand(opts),
		newSweepCommand(opts),
		newShowCommand(opts),
	)
	return root
}

// load reads configuration and configures the global logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if o.debug {
		cfg.Log.Level = string(logging.LevelDebug)
	}
	logging.Setup(cfg.LoggingConfig())
	return cfg, nil
}
