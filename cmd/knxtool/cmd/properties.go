package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/link"
)

// Device object properties the cemi package does not export.
const (
	pidSerialNumber   uint8 = 11
	pidManufacturerID uint8 = 12
)

var wellKnownProps = []struct {
	name     string
	object   uint16
	instance uint8
	pid      uint8
}{
	{"device serial number", cemi.ObjectTypeDevice, 1, pidSerialNumber},
	{"device manufacturer", cemi.ObjectTypeDevice, 1, pidManufacturerID},
	{"cEMI server medium type", cemi.ObjectTypeCEMIServer, 1, cemi.PIDMediumType},
	{"cEMI server communication mode", cemi.ObjectTypeCEMIServer, 1, cemi.PIDCommMode},
}

var propertiesCmd = &cobra.Command{
	Use:   "properties [object instance pid]",
	Short: "Read device properties of the bus interface",
	Long: `Properties reads device management properties of the bus access interface
itself. Without arguments a set of well known properties is dumped, skipping
the ones the interface does not have. With an object type, object instance
and property id exactly that property is read.

Requires an endpoint with a device management channel, e.g. a KNXnet/IP
tunneling gateway or a KNX USB interface with a cEMI server.

Examples:
  knxtool properties -c tunnel:10.0.0.10
  knxtool properties -c 10.0.0.10 0 1 11`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 3 {
			return errors.New("expects no arguments or <object> <instance> <pid>")
		}
		return nil
	},
	RunE: runProperties,
}

func init() {
	rootCmd.AddCommand(propertiesCmd)
}

func runProperties(cmd *cobra.Command, args []string) error {
	ep, err := parseEndpoint(connectTo)
	if err != nil {
		return err
	}

	// the property client lives on the concrete link, the reconnecting
	// wrapper does not carry one
	l, err := buildLink(ep)
	if err != nil {
		return err
	}
	defer l.Close()

	props := propClient(l)
	if props == nil {
		return fmt.Errorf("%s has no device management channel", l.Name())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()

	if len(args) == 3 {
		return readOneProperty(ctx, props, args)
	}
	return dumpProperties(ctx, props)
}

func propClient(l link.NetworkLink) *link.PropClient {
	if p, ok := l.(interface{ Properties() *link.PropClient }); ok {
		return p.Properties()
	}
	return nil
}

func readOneProperty(ctx context.Context, props *link.PropClient, args []string) error {
	object, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid object type %q", args[0])
	}
	instance, err := strconv.ParseUint(args[1], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid object instance %q", args[1])
	}
	pid, err := strconv.ParseUint(args[2], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid property id %q", args[2])
	}

	data, ok, err := props.ReadProperty(ctx, uint16(object), uint8(instance), uint8(pid), 1, 1)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("object %d instance %d has no property %d", object, instance, pid)
	}

	fmt.Printf("object %d instance %d property %d = %s\n", object, instance, pid, formatBytes(data))
	return nil
}

func dumpProperties(ctx context.Context, props *link.PropClient) error {
	found := 0
	for _, p := range wellKnownProps {
		data, ok, err := props.ReadProperty(ctx, p.object, p.instance, p.pid, 1, 1)
		if err != nil {
			return fmt.Errorf("read %s: %w", p.name, err)
		}
		if !ok {
			continue
		}
		fmt.Printf("%-32s %s\n", p.name, formatBytes(data))
		found++
	}

	if found == 0 {
		return errors.New("the interface answered none of the property reads")
	}
	return nil
}
