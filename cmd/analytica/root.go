package main

import (
	"github.com/spf13/cobra"

	"github.com/isdmx/analytica/config"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "analytica",
		Short: "Sandboxed execution of generated analysis scripts",
		Long: `analytica validates and runs JavaScript analysis scripts against the
vacancies dataset in isolated, resource-limited worker processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newServeCmd(flags))
	rootCmd.AddCommand(newCheckCmd(flags))
	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newWorkerCmd())

	return rootCmd
}

func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

