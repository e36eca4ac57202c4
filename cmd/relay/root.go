package main

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Heartbeat relay - fans tenant heartbeats out to websocket viewers",
	Long: `The heartbeat relay discovers tenants in the secure file store, keeps one
mutual-TLS MQTT subscription per tenant and streams every heartbeat to
websocket viewers at /heartbeat/all and /heartbeat/{tenantId}.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
