package central

import (
	"fmt"
	"time"
)

// Phase is the connection lifecycle phase.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAttaching
	PhaseStabilizing
	PhaseDiscoveringAttributes
	PhaseReadingAttribute
	PhaseReady
	PhaseFailed
	PhaseDisconnecting
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseAttaching:
		return "ATTACHING"
	case PhaseStabilizing:
		return "STABILIZING"
	case PhaseDiscoveringAttributes:
		return "DISCOVERING_ATTRIBUTES"
	case PhaseReadingAttribute:
		return "READING_ATTRIBUTE"
	case PhaseReady:
		return "READY"
	case PhaseFailed:
		return "FAILED"
	case PhaseDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the phase holds, or is acquiring, a link.
func (p Phase) Active() bool {
	switch p {
	case PhaseAttaching, PhaseStabilizing, PhaseDiscoveringAttributes, PhaseReadingAttribute, PhaseReady:
		return true
	}
	return false
}

// ConnectionState is the connection lifecycle state. Only the fields that
// belong to Phase are set: StartedAt and Target while attaching, PeerName
// once ready, Reason when failed.
type ConnectionState struct {
	Phase     Phase
	StartedAt time.Time
	Target    string
	PeerName  string
	Reason    string
}

func (s ConnectionState) String() string {
	switch s.Phase {
	case PhaseAttaching:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Target)
	case PhaseReady:
		return fmt.Sprintf("%s(%s)", s.Phase, s.PeerName)
	case PhaseFailed:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	default:
		return s.Phase.String()
	}
}
