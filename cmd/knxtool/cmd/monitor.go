package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/connector"
	"github.com/knxlib/go-knx/internal/apci"
	"github.com/knxlib/go-knx/link"
)

var monitorBus bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print bus traffic",
	Long: `Monitor prints group telegrams as they arrive. With --bus the endpoint is
opened in busmonitor mode instead and every raw frame on the bus is printed,
including repetitions and acknowledgements. Routing endpoints have no
busmonitor mode.

The connection is reestablished automatically until the command is stopped
with Ctrl-C.

Examples:
  knxtool monitor -c tunnel:10.0.0.10
  knxtool monitor -c tpuart:/dev/ttyAMA0 --bus`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorBus, "bus", false,
		"open the endpoint in busmonitor mode")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if monitorBus {
		return runBusMonitor(ctx)
	}
	return runGroupMonitor(ctx)
}

func runGroupMonitor(ctx context.Context) error {
	conn, err := openLink(connector.WithMaxAttempts(connector.UnboundedAttempts))
	if err != nil {
		return err
	}
	defer conn.Close()

	lis := &groupListener{
		onFrame:  printGroupFrame,
		onClosed: printReconnect,
	}
	conn.AddListener(lis)
	defer conn.RemoveListener(lis)

	fmt.Printf("monitoring group traffic on %s, stop with Ctrl-C\n", conn.Name())
	<-ctx.Done()
	return nil
}

func runBusMonitor(ctx context.Context) error {
	mon, err := openBusMonitor(connector.WithMaxAttempts(connector.UnboundedAttempts))
	if err != nil {
		return err
	}
	defer mon.Close()

	lis := &busmonPrinter{}
	mon.AddListener(lis)
	defer mon.RemoveListener(lis)

	fmt.Printf("monitoring raw bus traffic on %s, stop with Ctrl-C\n", mon.Name())
	<-ctx.Done()
	return nil
}

func printGroupFrame(f *cemi.LData) {
	if !f.IsGroupDst() {
		return
	}
	code, data, ok := apci.GroupService(f.TPDU)
	if !ok {
		return
	}

	now := time.Now().Format("15:04:05.000")
	if code == apci.GroupValueRead {
		fmt.Printf("%s %s -> %s read\n", now, f.Src, f.Dst)
		return
	}
	fmt.Printf("%s %s -> %s %s %s\n", now, f.Src, f.Dst, apci.ServiceName(code), formatBytes(data))
}

func printReconnect(ev link.CloseEvent) {
	if ev.Initiator != link.InitiatorUser {
		fmt.Fprintf(os.Stderr, "connection lost (%s), reconnecting\n", ev.Reason)
	}
}

// busmonPrinter prints raw busmonitor frames with their sequence number and
// error flags.
type busmonPrinter struct{}

func (*busmonPrinter) Indication(ev link.FrameEvent) {
	m, ok := ev.Frame.(*cemi.Busmon)
	if !ok {
		return
	}

	line := time.Now().Format("15:04:05.000")
	if status, ok := m.Status(); ok {
		line += fmt.Sprintf(" seq %d", status&cemi.BusmonSeqMask)
		if status&(cemi.BusmonFrameError|cemi.BusmonBitError|cemi.BusmonParityError) != 0 {
			line += " error"
		}
		if status&cemi.BusmonLost != 0 {
			line += " lost"
		}
	}
	fmt.Printf("%s %s\n", line, formatBytes(m.RawFrame))
}

func (*busmonPrinter) LinkClosed(ev link.CloseEvent) {
	printReconnect(ev)
}
