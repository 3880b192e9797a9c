package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Worker runtime for a remote work dispatcher",
		Long: `relay connects to a dispatcher, executes the actions it assigns on
registered handlers and reports each step run back.

Configuration is read from ~/.relay/settings.yaml, then RELAY_* environment
variables, then command-line flags.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "settings file (default ~/.relay/settings.yaml)")

	root.AddCommand(newRunCmd(), newWaitCmd(), newHandlersCmd(), newVersionCmd())
	return root
}

// configFor loads the layered configuration for cmd.
func configFor(cmd *cobra.Command) (Config, error) {
	v, err := newValidator()
	if err != nil {
		return Config{}, err
	}
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path == "" {
		path = settingsPath()
	}
	cfg, err := loadConfig(path, os.Getenv, v)
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, cmd.Flags())
	if err := cfg.validate(v); err != nil {
		return cfg, err
	}
	return cfg, nil
}
