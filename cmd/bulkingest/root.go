package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appcfg "github.com/jo-hoe/bulkingest/internal/config"
	"github.com/jo-hoe/bulkingest/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string

	cfg     *appcfg.Config
	log     *slog.Logger
	logFile io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:   "bulkingest",
		Short: "Asynchronous bulk ingestion of user records from CSV",
		Long: `bulkingest accepts CSV uploads, processes them on a bounded worker pool,
and records per-job progress that can be polled while the job runs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		// Running without a subcommand serves HTTP.
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+appcfg.EnvConfigPath+" or config.yaml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config is expanded")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.logLevel (debug|info|warn|error)")

	imp := newImportCmd(opts)
	for _, c := range []*cobra.Command{root, serve, imp} {
		c.RunE = opts.closing(c.RunE)
	}
	root.AddCommand(serve, imp)
	return root
}

func (o *rootOptions) load() error {
	// Missing dotenv files are normal outside development.
	_ = godotenv.Load(o.envFiles...)

	cfg, err := appcfg.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = o.logLevel
	}
	o.cfg = cfg

	var sinks []io.Writer
	if cfg.Server.LogFile != "" {
		f, err := logging.OpenLogFile(cfg.Server.LogFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		o.logFile = f
		sinks = append(sinks, f)
	}
	o.log = logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, nil, sinks...)
	return nil
}

// closing releases the log file however the command ends; PersistentPostRun
// is skipped when RunE fails.
func (o *rootOptions) closing(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer o.close()
		return run(cmd, args)
	}
}

func (o *rootOptions) close() {
	if o.logFile != nil {
		_ = o.logFile.Close()
		o.logFile = nil
	}
}
