package recipient

import (
	"fmt"
	"strings"
	"time"
)

// Tier is derived from a subscription expiry and never stored.
type Tier int

const (
	Freemium Tier = iota
	Premium
)

func (t Tier) String() string {
	if t == Premium {
		return "premium"
	}
	return "freemium"
}

// TierOf classifies an expiry at now. A missing expiry, or one at or before
// now, is Freemium.
func TierOf(now time.Time, end *time.Time) Tier {
	if end == nil || !end.After(now) {
		return Freemium
	}
	return Premium
}

// Filter selects recipients by tier.
type Filter int

const (
	FilterPremium Filter = iota
	FilterFreemium
	FilterAny
)

func (f Filter) String() string {
	switch f {
	case FilterFreemium:
		return "freemium"
	case FilterAny:
		return "any"
	default:
		return "premium"
	}
}

func (f Filter) Match(t Tier) bool {
	switch f {
	case FilterAny:
		return true
	case FilterFreemium:
		return t == Freemium
	default:
		return t == Premium
	}
}

func ParseFilter(s string) (Filter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "premium", "prem", "p":
		return FilterPremium, nil
	case "freemium", "free", "f":
		return FilterFreemium, nil
	case "any", "all", "*":
		return FilterAny, nil
	default:
		return FilterPremium, fmt.Errorf("unknown tier %q (want premium, freemium or any)", s)
	}
}

func (f Filter) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Filter) UnmarshalText(b []byte) error {
	v, err := ParseFilter(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Kind is the entity type of a recipient.
type Kind string

const (
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
	KindChannel Kind = "channel"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindUser, KindGroup, KindChannel:
		return k, nil
	default:
		return "", fmt.Errorf("unknown recipient kind %q", s)
	}
}
