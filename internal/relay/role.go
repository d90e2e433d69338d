package relay

import "github.com/patchbay-dev/patchbay/internal/protocol"

// Role is a connection's inferred part in the relay. Inferred, never
// declared: the shape of the first substantive message decides, and the
// assignment is immutable afterwards, in every channel the connection
// belongs to.
type Role int

const (
	RoleUnclassified Role = iota
	RoleInitiator
	RoleTarget
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleTarget:
		return "target"
	default:
		return "unclassified"
	}
}

// Classify returns the role a payload implies. A payload carrying a result
// or error field marks a target; one carrying a command marks an initiator;
// anything else is not substantive and classifies nobody.
func Classify(p *protocol.Payload) Role {
	switch {
	case p.IsResponse():
		return RoleTarget
	case p.IsCommand():
		return RoleInitiator
	default:
		return RoleUnclassified
	}
}
