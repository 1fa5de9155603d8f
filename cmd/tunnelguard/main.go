package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/tunnelguard/internal/config"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	ConfigPath string
	LogLevel   string
	cfg        *config.Config
}

func main() {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "tunnelguard",
		Short:         "Lease WireGuard slots and SOCKS5 credentials and verify tunnels end to end",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.Log.Level = opts.LogLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logging.Configure(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to tunnelguard.yaml")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newParseCommand(),
		newVerifyCommand(opts),
		newLeaseCommand(opts),
	)

	if err := root.Execute(); err != nil {
		logging.GetLogger().WithError(err).Error("command_failed")
		os.Exit(1)
	}
}
