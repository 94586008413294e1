package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/meigma/imgpull"
	"github.com/meigma/imgpull/download"
	"github.com/meigma/imgpull/internal/config"
)

// app holds state shared by all commands.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "imgpull",
		Short:        "Pull container images and export them as docker-save archives",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.DefaultConfigPath+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCommand(a),
		newPullCommand(a),
		newConfigCommand(a),
		newCacheCommand(a),
		newVersionCommand(),
	)
	return root
}

// load reads the configuration and installs the logger.
func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	logger, err := newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

// newClient builds a pipeline client from the loaded configuration.
func (a *app) newClient(observer download.Observer) (*imgpull.Client, error) {
	opts, err := a.cfg.ClientOptions(a.cfg.HTTPClient(), a.logger, observer)
	if err != nil {
		return nil, err
	}
	return imgpull.NewClient(opts...)
}

// newLogger returns a slog logger backed by charmbracelet/log.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Prefix:          "imgpull",
	}
	switch format {
	case "json":
		opts.Formatter = charmlog.JSONFormatter
	case "logfmt":
		opts.Formatter = charmlog.LogfmtFormatter
	default:
		opts.Formatter = charmlog.TextFormatter
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(charmlog.NewWithOptions(w, opts)), nil
}
