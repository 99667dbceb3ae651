// Package cmd implements the knxbridge command.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/knxlib/go-knx/cmd/knxbridge/bridge"
	"github.com/knxlib/go-knx/logger"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "knxbridge",
	Short: "Bridge KNX group telegrams to MQTT",
	Long: `knxbridge connects to a KNXnet/IP tunneling gateway and mirrors group
telegrams onto MQTT topics. A write or response to a group address is
published on <prefix>/<group address>/state, and messages arriving on
<prefix>/<group address>/set are written to the bus. With the recorder
enabled, every group telegram additionally becomes one InfluxDB point.

Config file (YAML):

  gateway:
    address: 10.0.0.10
    device: 1.1.250
  mqtt:
    broker: tcp://localhost:1883
    client_id: knxbridge
    topic_prefix: knx
  influx:
    enabled: true
    url: http://localhost:8086
    token: secret
    org: home
    bucket: knx

Examples:
  knxbridge -f /etc/knxbridge.yaml
  knxbridge -f bridge.yaml -v`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if verbose {
			logger.SetLevel(logger.DebugLevel)
		} else {
			logger.SetLevel(logger.InfoLevel)
		}
	},
	RunE: runBridge,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "f", "knxbridge.yaml",
		"path to the config file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"debug logging")
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := bridge.Load(configPath)
	if err != nil {
		return err
	}

	b, err := bridge.New(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	return nil
}
