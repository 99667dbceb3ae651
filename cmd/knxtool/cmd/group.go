package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/link"
)

// parsePayload turns the value arguments into payload bytes. A single
// argument starting with 0x is parsed as a hex string, everything else as a
// list of decimal octets.
func parsePayload(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("no value given")
	}

	if len(args) == 1 && strings.HasPrefix(args[0], "0x") {
		digits := args[0][2:]
		if len(digits)%2 != 0 {
			digits = "0" + digits
		}
		data, err := hex.DecodeString(digits)
		if err != nil || len(data) == 0 {
			return nil, fmt.Errorf("invalid hex value %q", args[0])
		}
		return data, nil
	}

	data := make([]byte, len(args))
	for i, arg := range args {
		v, err := strconv.ParseUint(arg, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid octet %q, expected 0 to 255", arg)
		}
		data[i] = byte(v)
	}
	return data, nil
}

func parsePriority(s string) (cemi.Priority, error) {
	switch s {
	case "system":
		return cemi.PrioritySystem, nil
	case "normal":
		return cemi.PriorityNormal, nil
	case "urgent":
		return cemi.PriorityUrgent, nil
	case "low":
		return cemi.PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q, use system, normal, urgent or low", s)
}

func formatBytes(data []byte) string {
	if len(data) == 0 {
		return "-"
	}
	return fmt.Sprintf("% X", data)
}

// groupListener adapts callbacks to the link listener interface. Nil
// callbacks are skipped.
type groupListener struct {
	onFrame  func(*cemi.LData)
	onClosed func(link.CloseEvent)
}

func (g *groupListener) Indication(ev link.FrameEvent) {
	if g.onFrame == nil {
		return
	}
	if f, ok := ev.Frame.(*cemi.LData); ok {
		g.onFrame(f)
	}
}

func (g *groupListener) Confirmation(link.FrameEvent) {}

func (g *groupListener) LinkClosed(ev link.CloseEvent) {
	if g.onClosed != nil {
		g.onClosed(ev)
	}
}
