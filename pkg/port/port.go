// Package port holds the definition of a physical port
package port

import "time"

// EventType indicates what happened on a watched line.
//
// Note that for active low lines a low line level results in a high active
// state.
type EventType int

const (
	_ EventType = iota
	// RisingEdge indicates an inactive to active event (low to high).
	RisingEdge
	// FallingEdge indicates an active to inactive event (high to low).
	FallingEdge
	// Timeout indicates that the measurement window expired without an edge.
	Timeout
)

func (t EventType) String() string {
	switch t {
	case RisingEdge:
		return "rising"
	case FallingEdge:
		return "falling"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is a single line event.
type Event struct {
	// Timestamp indicates the time the event was detected.
	Timestamp time.Duration
	// The type of state change event this structure represents.
	Type EventType
}

// Level returns the line level after the event. Timeouts have no level.
func (e Event) Level() Level {
	switch e.Type {
	case RisingEdge:
		return High
	case FallingEdge:
		return Low
	default:
		return Invalid
	}
}

// Level is the logical state of a line.
type Level int

const (
	// High indicates a logical 1.
	High Level = 1
	// Low indicates a logical 0.
	Low Level = 0
	// Invalid indicates an unknown or invalid state.
	Invalid Level = -1
)
