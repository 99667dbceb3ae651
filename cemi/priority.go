package cemi

// Priority is the transmission priority of an L-Data frame, encoded in the
// two priority bits of the frame control field.
type Priority uint8

const (
	// PrioritySystem is reserved for system management traffic.
	PrioritySystem Priority = 0x00
	// PriorityNormal is the default priority for application traffic.
	PriorityNormal Priority = 0x01
	// PriorityUrgent marks urgent application traffic.
	PriorityUrgent Priority = 0x02
	// PriorityLow marks long-running transfers, e.g. management downloads.
	PriorityLow Priority = 0x03
)

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}
