package rbac

type Capability string
type Action string

const (
	CapRoomWrite         Capability = "room:write"
	CapRoomRead          Capability = "room:read"
	CapRoomPresenceWrite Capability = "room:presence:write"
)

const (
	ActionRead     Action = "read"
	ActionPresence Action = "presence"
	ActionWrite    Action = "write"
)

// FullAccess is what document owners and room grants carry.
func FullAccess() []Capability {
	return []Capability{CapRoomWrite, CapRoomPresenceWrite}
}

// ReadAccess lets a collaborator follow along and broadcast presence without editing.
func ReadAccess() []Capability {
	return []Capability{CapRoomRead, CapRoomPresenceWrite}
}

func Can(caps []Capability, action Action) bool {
	for _, c := range caps {
		switch c {
		case CapRoomWrite:
			return true
		case CapRoomPresenceWrite:
			if action == ActionPresence || action == ActionRead {
				return true
			}
		case CapRoomRead:
			if action == ActionRead {
				return true
			}
		}
	}
	return false
}

// Normalize drops unknown capability strings.
func Normalize(values []string) []Capability {
	caps := make([]Capability, 0, len(values))
	for _, v := range values {
		switch Capability(v) {
		case CapRoomWrite, CapRoomRead, CapRoomPresenceWrite:
			caps = append(caps, Capability(v))
		}
	}
	return caps
}

func Strings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
