package broadcast

import (
	"errors"
	"regexp"
	"strings"

	"tierbot/internal/recipient"
)

var ErrInvalidTier = errors.New("invalid tier")

// Args is a parsed broadcast command line.
type Args struct {
	Filter recipient.Filter
	// When is the raw schedule token, empty for an immediate broadcast.
	When string
	Text string
	// Head is the number of leading tokens consumed before Text.
	Head int
}

var reISODate = regexp.MustCompile(`(?i)^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}.*)?$`)

var whenPrefixes = []string{"now:", "at:", "every:", "interval:", "cron:"}

// ParseArgs parses `[tier:<premium|freemium|any>] [<when>] <text...>`.
// The tier and schedule tokens may come in either order. A cron
// expression must be one token: quote it or join its fields with '_'
// (cron:0_9_*_*_*).
func ParseArgs(args []string, def recipient.Filter) (Args, error) {
	a := Args{Filter: def}
	var tierSeen bool
	i := 0
	for ; i < len(args); i++ {
		tok := strings.TrimSpace(args[i])
		low := strings.ToLower(tok)
		switch {
		case !tierSeen && strings.HasPrefix(low, "tier:"):
			f, err := recipient.ParseFilter(tok[len("tier:"):])
			if err != nil {
				return Args{}, invalid(ErrInvalidTier, err.Error())
			}
			a.Filter = f
			tierSeen = true
			continue
		case a.When == "" && looksLikeWhen(low):
			a.When = tok
			if strings.HasPrefix(low, "cron:") {
				a.When = "cron:" + strings.ReplaceAll(tok[len("cron:"):], "_", " ")
			}
			continue
		}
		break
	}
	a.Head = i
	a.Text = strings.TrimSpace(strings.Join(args[i:], " "))
	if a.Text == "" {
		return Args{}, invalid(ErrEmptyMessage, "usage: [tier:premium|freemium|any] [when] <text>")
	}
	return a, nil
}

func looksLikeWhen(low string) bool {
	if low == "now" {
		return true
	}
	for _, p := range whenPrefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return reISODate.MatchString(low)
}
