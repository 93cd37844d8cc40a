// Command atelier runs the live-preview host and its tooling.
//
// Usage:
//
//	atelier serve -c atelier.yaml          # preview host, MCP, optional record store
//	atelier compile page.svelte --static   # one-off compile, JSON on stdout
//	atelier records -c atelier.yaml        # development collection backend only
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/atelier/config"
	"github.com/hazyhaar/atelier/observability"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "atelier:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "atelier",
		Short:         "Live component previews",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to atelier.yaml")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level: debug, info, warn, error")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCompileCommand(opts))
	cmd.AddCommand(newRecordsCommand(opts))
	return cmd
}

// load returns the configuration and the process logger. The closer
// releases the log file.
func (o *rootOptions) load() (*config.Config, *slog.Logger, func() error, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, nil, nil, err
		}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, closer, err := observability.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}
