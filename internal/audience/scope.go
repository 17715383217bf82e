package audience

import (
	"fmt"
	"strings"

	"tierbot/internal/recipient"
)

// Scope selects which entity kinds a broadcast reaches.
type Scope int

const (
	ScopeUsers Scope = iota
	ScopeGroups
	ScopeChannels
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeGroups:
		return "group"
	case ScopeChannels:
		return "channel"
	case ScopeAll:
		return "all"
	default:
		return "user"
	}
}

// Kinds lists the entity kinds of s in resolution order.
func (s Scope) Kinds() []recipient.Kind {
	switch s {
	case ScopeGroups:
		return []recipient.Kind{recipient.KindGroup}
	case ScopeChannels:
		return []recipient.Kind{recipient.KindChannel}
	case ScopeAll:
		return []recipient.Kind{recipient.KindUser, recipient.KindGroup, recipient.KindChannel}
	default:
		return []recipient.Kind{recipient.KindUser}
	}
}

func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "users":
		return ScopeUsers, nil
	case "group", "groups":
		return ScopeGroups, nil
	case "channel", "channels":
		return ScopeChannels, nil
	case "all":
		return ScopeAll, nil
	default:
		return ScopeUsers, fmt.Errorf("unknown scope %q", s)
	}
}

func (s Scope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Scope) UnmarshalText(b []byte) error {
	v, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
