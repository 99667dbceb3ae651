package usb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
)

// usbDevice is a claimed KNX HID interface. Read and Write exchange whole
// HID reports through the interrupt endpoint pair.
type usbDevice struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// openDevice claims the first KNX HID interface matching the device
// selector. An empty selector scans all attached devices for a HID
// interface with an interrupt endpoint pair, "vid:pid" with hexadecimal
// numbers restricts the scan to one device type.
func openDevice(device string) (*usbDevice, error) {
	ctx := gousb.NewContext()

	dev, err := findDevice(ctx, device)
	if err != nil {
		_ = ctx.Close()
		return nil, err
	}

	// Take the interface over from a kernel HID driver if one holds it.
	_ = dev.SetAutoDetach(true)

	d, err := claimInterface(ctx, dev)
	if err != nil {
		_ = dev.Close()
		_ = ctx.Close()
		return nil, err
	}

	return d, nil
}

func findDevice(ctx *gousb.Context, device string) (*gousb.Device, error) {
	if device != "" {
		vid, pid, err := parseDeviceID(device)
		if err != nil {
			return nil, err
		}

		dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
		if err != nil {
			return nil, fmt.Errorf("open device %s: %w", device, err)
		}
		if dev == nil {
			return nil, fmt.Errorf("%w: device %s is not attached", ErrNotFound, device)
		}
		return dev, nil
	}

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, cfg := range desc.Configs {
			if hidInterface(cfg.Interfaces) >= 0 {
				return true
			}
		}
		return false
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("scan USB devices: %w", err)
		}
		return nil, ErrNotFound
	}

	for _, dev := range devs[1:] {
		_ = dev.Close()
	}
	return devs[0], nil
}

// parseDeviceID parses a "vid:pid" selector with hexadecimal numbers.
func parseDeviceID(device string) (gousb.ID, gousb.ID, error) {
	vs, ps, ok := strings.Cut(device, ":")
	if !ok {
		return 0, 0, fmt.Errorf("device selector %q is not of the form vid:pid", device)
	}

	vid, err := strconv.ParseUint(vs, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("vendor id %q: %w", vs, err)
	}
	pid, err := strconv.ParseUint(ps, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("product id %q: %w", ps, err)
	}

	return gousb.ID(vid), gousb.ID(pid), nil
}

// hidInterface returns the number of the first HID interface with an
// interrupt endpoint pair, or -1.
func hidInterface(intfs []gousb.InterfaceDesc) int {
	for _, intf := range intfs {
		if len(intf.AltSettings) == 0 {
			continue
		}

		alt := intf.AltSettings[0]
		if alt.Class != gousb.ClassHID {
			continue
		}
		if _, _, ok := interruptEndpoints(alt); ok {
			return intf.Number
		}
	}
	return -1
}

// interruptEndpoints returns the interrupt endpoint numbers of an interface
// setting. Endpoint zero is the control endpoint, so zero doubles as the
// not-found value.
func interruptEndpoints(s gousb.InterfaceSetting) (in, out int, ok bool) {
	for _, ep := range s.Endpoints {
		if ep.TransferType != gousb.TransferTypeInterrupt {
			continue
		}

		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			in = ep.Number
		case gousb.EndpointDirectionOut:
			out = ep.Number
		}
	}
	return in, out, in != 0 && out != 0
}

func claimInterface(ctx *gousb.Context, dev *gousb.Device) (*usbDevice, error) {
	cfg, err := dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("claim configuration: %w", err)
	}

	num := hidInterface(cfg.Desc.Interfaces)
	if num < 0 {
		_ = cfg.Close()
		return nil, fmt.Errorf("%w: device %s:%s has no HID interface with interrupt endpoints",
			ErrNotFound, dev.Desc.Vendor, dev.Desc.Product)
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		_ = cfg.Close()
		return nil, fmt.Errorf("claim interface %d: %w", num, err)
	}

	inNum, outNum, _ := interruptEndpoints(intf.Setting)

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, fmt.Errorf("open interrupt in endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		intf.Close()
		_ = cfg.Close()
		return nil, fmt.Errorf("open interrupt out endpoint: %w", err)
	}

	return &usbDevice{ctx: ctx, dev: dev, cfg: cfg, intf: intf, in: in, out: out}, nil
}

// id returns the "vid:pid" of the claimed device.
func (d *usbDevice) id() string {
	return fmt.Sprintf("%s:%s", d.dev.Desc.Vendor, d.dev.Desc.Product)
}

// Read receives one HID report from the interrupt in endpoint.
func (d *usbDevice) Read(buf []byte) (int, error) {
	return d.in.Read(buf)
}

// Write sends one HID report through the interrupt out endpoint.
func (d *usbDevice) Write(report []byte) (int, error) {
	return d.out.Write(report)
}

// Close releases the interface and closes the device. A blocked Read
// returns with an error once the device is closed.
func (d *usbDevice) Close() error {
	d.intf.Close()
	_ = d.cfg.Close()
	_ = d.dev.Close()
	return d.ctx.Close()
}
