package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/apci"
)

var sendPriority string

var sendCmd = &cobra.Command{
	Use:   "send <group address> <value>...",
	Short: "Write a value to a group address",
	Long: `Send transmits a GroupValueWrite telegram and waits for the bus access
server to confirm the transmission. The value is a list of decimal octets or
a single hex string starting with 0x. A single value below 64 is sent in the
short 6 bit form.

Examples:
  knxtool send -c tunnel:10.0.0.10 1/0/4 1
  knxtool send -c 10.0.0.10 4/1/17 0x0C1A`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendPriority, "priority", "normal",
		"telegram priority: system, normal, urgent or low")
}

func runSend(cmd *cobra.Command, args []string) error {
	dst, err := cemi.ParseGroupAddr(args[0])
	if err != nil {
		return err
	}
	data, err := parsePayload(args[1:])
	if err != nil {
		return err
	}
	prio, err := parsePriority(sendPriority)
	if err != nil {
		return err
	}

	conn, err := openLink()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()

	if err := conn.SendRequestWait(ctx, dst, prio, apci.GroupWrite(data)); err != nil {
		return fmt.Errorf("send to %s: %w", dst, err)
	}

	fmt.Printf("%s <- %s\n", dst, formatBytes(data))
	return nil
}
