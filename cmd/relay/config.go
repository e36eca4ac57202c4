package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/elecbits/heartbeat-relay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and RELAY_*
environment overrides are applied. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}
