package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/logger"
	"github.com/fademem/fademem/pkg/version"
)

type rootFlags struct {
	configPath string
	port       int
	logLevel   string
	storage    string
	debug      bool

	// loadedFrom is the config file the last load read, possibly found
	// through the search path.
	loadedFrom string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "fademem",
		Short:         "Memory lifecycle service with decay, conflict resolution and fusion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to configuration file")
	pf.IntVar(&flags.port, "port", 0, "override server port")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log level")
	pf.StringVar(&flags.storage, "storage", "", "override storage type (memory, badger, sqlite)")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(flags), newDecayCmd(flags), newVersionCmd())
	return root
}

func (f *rootFlags) overrides() map[string]interface{} {
	overrides := make(map[string]interface{})
	if f.port != 0 {
		overrides["server.port"] = f.port
	}
	if f.logLevel != "" {
		overrides["log.level"] = f.logLevel
	}
	if f.storage != "" {
		overrides["storage.type"] = f.storage
	}
	if f.debug {
		overrides["app.debug"] = true
	}
	return overrides
}

func (f *rootFlags) load() (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(f.configPath, f.overrides())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	f.loadedFrom = loader.File()
	return cfg, nil
}

func newLogger(cfg *config.Config) logger.Logger {
	lc := &logger.Config{
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	}
	if cfg.App.Debug {
		lc.Level = logger.DebugLevel
	}
	log := logger.New(lc)
	logger.SetGlobal(log)
	return log
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "fademem %s\n", version.String())
			fmt.Fprintf(out, "Build Time: %s\n", version.BuildTime)
			fmt.Fprintf(out, "Go Version: %s\n", version.GoVersion)
		},
	}
}
