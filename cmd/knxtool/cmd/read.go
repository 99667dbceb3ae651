package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/apci"
)

var readCmd = &cobra.Command{
	Use:   "read <group address>",
	Short: "Read a value from a group address",
	Long: `Read transmits a GroupValueRead telegram and waits for a matching
GroupValueResponse from the device that answers for the group address.

Examples:
  knxtool read -c tunnel:10.0.0.10 1/0/5`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	dst, err := cemi.ParseGroupAddr(args[0])
	if err != nil {
		return err
	}

	conn, err := openLink()
	if err != nil {
		return err
	}
	defer conn.Close()

	// the listener is in place before the read goes out so a fast answer
	// cannot slip through
	responses := make(chan []byte, 1)
	lis := &groupListener{
		onFrame: func(f *cemi.LData) {
			if g, ok := f.Dst.(cemi.GroupAddr); !ok || g != dst {
				return
			}
			code, data, ok := apci.GroupService(f.TPDU)
			if !ok || code != apci.GroupValueResponse {
				return
			}
			select {
			case responses <- data:
			default:
			}
		},
	}
	conn.AddListener(lis)
	defer conn.RemoveListener(lis)

	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()

	if err := conn.SendRequestWait(ctx, dst, cemi.PriorityNormal, apci.GroupRead()); err != nil {
		return fmt.Errorf("read from %s: %w", dst, err)
	}

	select {
	case data := <-responses:
		fmt.Printf("%s = %s\n", dst, formatBytes(data))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no response for %s within %s", dst, opTimeout)
	}
}
