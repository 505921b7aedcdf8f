package membership

import (
	"time"

	"github.com/ryandielhenn/flock/pkg/wire"
)

// Role distinguishes the two kinds of participants. Only servers take part
// in elections.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Participant is one known member of the group.
type Participant struct {
	ID       wire.NodeID
	Role     Role
	Addr     string
	Hostname string
	// Boot changes on every process restart of the participant.
	Boot     string
	JoinedAt time.Time
	LastSeen time.Time
	Metadata map[string]string
}

func (p Participant) clone() Participant {
	c := p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// EventType classifies membership changes.
type EventType string

const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventTimeout EventType = "timeout"
)

// Event is delivered to registered listeners after the view has mutated.
type Event struct {
	Type        EventType
	Participant Participant
}

// Listener receives membership events. Listeners run outside the view's
// critical section and may call back into it.
type Listener func(Event)
