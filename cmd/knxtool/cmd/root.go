// Package cmd implements the knxtool subcommands.
package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/connector"
	"github.com/knxlib/go-knx/ft12"
	"github.com/knxlib/go-knx/knxip"
	"github.com/knxlib/go-knx/link"
	"github.com/knxlib/go-knx/logger"
	"github.com/knxlib/go-knx/tpuart"
	"github.com/knxlib/go-knx/usb"
)

var (
	connectTo  string
	deviceAddr string
	ifaceName  string
	opTimeout  time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "knxtool",
	Short: "KNX bus access from the command line",
	Long: `knxtool talks to the KNX bus through a KNXnet/IP gateway or router, an
FT1.2 or TP-UART serial interface or a KNX USB interface.

Endpoints for --connect:
  tunnel:10.0.0.10[:3671]   KNXnet/IP tunneling gateway
  routing:[224.0.23.12]     KNXnet/IP routing multicast group
  ft12:/dev/ttyS0           FT1.2 serial interface
  tpuart:/dev/ttyAMA0       TP-UART serial interface
  usb:[vid:pid]             KNX USB interface

A bare address is treated as a tunneling gateway.

Examples:
  knxtool send -c tunnel:10.0.0.10 1/0/4 1
  knxtool read -c 10.0.0.10 1/0/5
  knxtool monitor -c tpuart:/dev/ttyAMA0 --bus`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		if verbose {
			logger.SetLevel(logger.DebugLevel)
		} else {
			logger.SetLevel(logger.WarnLevel)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&connectTo, "connect", "c", "",
		"bus endpoint, see the command help for schemes")
	rootCmd.PersistentFlags().StringVarP(&deviceAddr, "device", "d", "",
		"own individual address, e.g. 1.1.250")
	rootCmd.PersistentFlags().StringVarP(&ifaceName, "interface", "i", "",
		"network interface for routing")
	rootCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", 5*time.Second,
		"wait for confirmations and responses")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"debug logging")
}

// endpoint is a parsed --connect value.
type endpoint struct {
	kind string
	addr string
}

var endpointKinds = []string{"tunnel", "routing", "ft12", "tpuart", "usb"}

func parseEndpoint(s string) (endpoint, error) {
	if s == "" {
		return endpoint{}, errors.New("no endpoint given, use --connect")
	}

	for _, kind := range endpointKinds {
		rest, ok := strings.CutPrefix(s, kind+":")
		if !ok {
			continue
		}

		rest = strings.TrimPrefix(rest, "//")
		if rest == "" && (kind == "tunnel" || kind == "ft12" || kind == "tpuart") {
			return endpoint{}, fmt.Errorf("endpoint %q needs an address", s)
		}
		return endpoint{kind: kind, addr: rest}, nil
	}

	// a bare address is a tunneling gateway
	return endpoint{kind: "tunnel", addr: s}, nil
}

func mediumSettings(kind string) (link.MediumSettings, error) {
	var device cemi.IndividualAddr
	if deviceAddr != "" {
		var err error
		device, err = cemi.ParseIndividualAddr(deviceAddr)
		if err != nil {
			return nil, fmt.Errorf("own device address: %w", err)
		}
	}

	if kind == "tunnel" || kind == "routing" {
		return &link.IPSettings{Device: device}, nil
	}
	return &link.TPSettings{Device: device}, nil
}

func routingInterface() (*net.Interface, error) {
	if ifaceName == "" {
		return nil, nil
	}

	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("network interface %s: %w", ifaceName, err)
	}
	return ifi, nil
}

// buildLink opens the transport link behind the endpoint.
func buildLink(ep endpoint) (link.NetworkLink, error) {
	settings, err := mediumSettings(ep.kind)
	if err != nil {
		return nil, err
	}

	switch ep.kind {
	case "tunnel":
		return knxip.NewTunnel(ep.addr, settings)
	case "routing":
		ifi, err := routingInterface()
		if err != nil {
			return nil, err
		}
		return knxip.NewRouting(ifi, ep.addr, settings)
	case "ft12":
		return ft12.NewLink(ep.addr, settings)
	case "tpuart":
		return tpuart.NewLink(ep.addr, settings)
	case "usb":
		return usb.NewLink(ep.addr, settings)
	}
	return nil, fmt.Errorf("unknown endpoint kind %q", ep.kind)
}

// openLink wraps the endpoint link in a reconnecting connector.
func openLink(opts ...connector.Option) (*connector.Connector, error) {
	ep, err := parseEndpoint(connectTo)
	if err != nil {
		return nil, err
	}
	return connector.New(func() (link.NetworkLink, error) { return buildLink(ep) }, opts...)
}

// openBusMonitor opens the endpoint in busmonitor mode.
func openBusMonitor(opts ...connector.Option) (*connector.MonitorConnector, error) {
	ep, err := parseEndpoint(connectTo)
	if err != nil {
		return nil, err
	}

	factory := func() (link.BusMonitor, error) {
		switch ep.kind {
		case "tunnel":
			return knxip.NewTunnelMonitor(ep.addr)
		case "ft12":
			return ft12.NewMonitor(ep.addr)
		case "tpuart":
			return tpuart.NewMonitor(ep.addr)
		case "usb":
			return usb.NewMonitor(ep.addr)
		case "routing":
			return nil, errors.New("routing has no busmonitor mode")
		}
		return nil, fmt.Errorf("unknown endpoint kind %q", ep.kind)
	}
	return connector.NewMonitor(factory, opts...)
}
