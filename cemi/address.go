package cemi

import (
	"fmt"
	"strconv"
	"strings"
)

// Addr is a KNX address, either an IndividualAddr or a GroupAddr.
type Addr interface {
	fmt.Stringer
	// Raw returns the 16-bit wire representation of the address.
	Raw() uint16

	isAddr()
}

// IndividualAddr identifies a single device on the bus.
//
// The 16-bit value is composed of the area (4 bits), line (4 bits) and
// device (8 bits) parts, written as "area.line.device".
type IndividualAddr uint16

// GroupAddr identifies a communication relationship between bus devices.
//
// The 16-bit value uses the 3-level layout of main group (5 bits),
// middle group (3 bits) and subgroup (8 bits), written as "main/middle/sub".
// GroupBroadcast (0/0/0) addresses all devices.
type GroupAddr uint16

// GroupBroadcast is the broadcast group address 0/0/0.
const GroupBroadcast GroupAddr = 0

// NewIndividualAddr composes an individual address from its parts.
// area and line must be in the range [0, 15].
func NewIndividualAddr(area, line, device uint8) (IndividualAddr, error) {
	if area > 0x0F {
		return 0, fmt.Errorf("%w: area %d out of range [0, 15]", ErrInvalidAddress, area)
	}
	if line > 0x0F {
		return 0, fmt.Errorf("%w: line %d out of range [0, 15]", ErrInvalidAddress, line)
	}
	return IndividualAddr(uint16(area)<<12 | uint16(line)<<8 | uint16(device)), nil
}

// ParseIndividualAddr parses an address in "area.line.device" notation.
func ParseIndividualAddr(s string) (IndividualAddr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q is not in area.line.device notation", ErrInvalidAddress, s)
	}

	vals, err := parseAddrParts(s, parts, [3]int{15, 15, 255})
	if err != nil {
		return 0, err
	}

	return IndividualAddr(vals[0]<<12 | vals[1]<<8 | vals[2]), nil
}

// Area returns the area part of the address.
func (a IndividualAddr) Area() uint8 { return uint8(a >> 12) }

// Line returns the line part of the address.
func (a IndividualAddr) Line() uint8 { return uint8(a>>8) & 0x0F }

// Device returns the device part of the address.
func (a IndividualAddr) Device() uint8 { return uint8(a) }

// Raw returns the 16-bit wire representation of the address.
func (a IndividualAddr) Raw() uint16 { return uint16(a) }

// String formats the address in "area.line.device" notation.
func (a IndividualAddr) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area(), a.Line(), a.Device())
}

func (IndividualAddr) isAddr() {}

// NewGroupAddr composes a 3-level group address from its parts.
// main must be in the range [0, 31] and middle in the range [0, 7].
func NewGroupAddr(main, middle, sub uint8) (GroupAddr, error) {
	if main > 0x1F {
		return 0, fmt.Errorf("%w: main group %d out of range [0, 31]", ErrInvalidAddress, main)
	}
	if middle > 0x07 {
		return 0, fmt.Errorf("%w: middle group %d out of range [0, 7]", ErrInvalidAddress, middle)
	}
	return GroupAddr(uint16(main)<<11 | uint16(middle)<<8 | uint16(sub)), nil
}

// ParseGroupAddr parses an address in 3-level "main/middle/sub" notation.
func ParseGroupAddr(s string) (GroupAddr, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q is not in main/middle/sub notation", ErrInvalidAddress, s)
	}

	vals, err := parseAddrParts(s, parts, [3]int{31, 7, 255})
	if err != nil {
		return 0, err
	}

	return GroupAddr(vals[0]<<11 | vals[1]<<8 | vals[2]), nil
}

// Main returns the main group part of the address.
func (g GroupAddr) Main() uint8 { return uint8(g >> 11) }

// Middle returns the middle group part of the address.
func (g GroupAddr) Middle() uint8 { return uint8(g>>8) & 0x07 }

// Sub returns the subgroup part of the address.
func (g GroupAddr) Sub() uint8 { return uint8(g) }

// Raw returns the 16-bit wire representation of the address.
func (g GroupAddr) Raw() uint16 { return uint16(g) }

// String formats the address in "main/middle/sub" notation.
func (g GroupAddr) String() string {
	return fmt.Sprintf("%d/%d/%d", g.Main(), g.Middle(), g.Sub())
}

func (GroupAddr) isAddr() {}

func parseAddrParts(s string, parts []string, max [3]int) ([3]uint16, error) {
	var vals [3]uint16
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return vals, fmt.Errorf("%w: %q contains non-numeric part %q", ErrInvalidAddress, s, part)
		}
		if v < 0 || v > max[i] {
			return vals, fmt.Errorf("%w: part %d of %q out of range [0, %d]", ErrInvalidAddress, i, s, max[i])
		}
		vals[i] = uint16(v)
	}
	return vals, nil
}
