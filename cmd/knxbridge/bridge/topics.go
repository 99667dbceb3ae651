package bridge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/knxlib/go-knx/cemi"
)

// topics maps group addresses onto the MQTT topic tree. With prefix knx a
// telegram to 1/0/4 is published on knx/1/0/4/state, and a message on
// knx/1/0/4/set is written to the bus.
type topics struct {
	prefix string
}

func (t topics) state(ga cemi.GroupAddr) string {
	return t.prefix + "/" + ga.String() + "/state"
}

// setFilter returns the subscription filter matching the set topics of all
// group addresses.
func (t topics) setFilter() string {
	return t.prefix + "/+/+/+/set"
}

// parseSet extracts the group address from a set topic.
func (t topics) parseSet(topic string) (cemi.GroupAddr, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return 0, false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok {
		return 0, false
	}

	ga, err := cemi.ParseGroupAddr(name)
	if err != nil {
		return 0, false
	}
	return ga, true
}

// encodePayload renders telegram payload bytes for MQTT as lowercase hex.
func encodePayload(data []byte) string {
	return hex.EncodeToString(data)
}

// decodePayload parses a set message payload: a single decimal octet, or a
// hex string with optional 0x prefix. Decimal wins for inputs that parse
// both ways.
func decodePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty payload")
	}

	if digits, ok := strings.CutPrefix(s, "0x"); ok {
		return decodeHexPayload(digits)
	}
	if v, err := strconv.ParseUint(s, 10, 8); err == nil {
		return []byte{byte(v)}, nil
	}
	return decodeHexPayload(s)
}

func decodeHexPayload(digits string) ([]byte, error) {
	if len(digits)%2 != 0 {
		digits = "0" + digits
	}
	data, err := hex.DecodeString(digits)
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("invalid payload %q", digits)
	}
	return data, nil
}
