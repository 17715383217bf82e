package dispatch

import (
	"fmt"
	"strings"

	"tierbot/internal/recipient"
)

// Failure is one recipient that could not be reached.
type Failure struct {
	Kind   recipient.Kind
	ID     int64
	Reason string
}

type KindStats struct {
	Sent   int
	Failed int
}

// Report is the outcome of one Send call. Failed keeps target order.
type Report struct {
	Sent   int
	Failed []Failure
	Kinds  map[recipient.Kind]KindStats
}

func (r Report) Attempted() int { return r.Sent + len(r.Failed) }

// Merge folds o into r.
func (r *Report) Merge(o Report) {
	r.Sent += o.Sent
	r.Failed = append(r.Failed, o.Failed...)
	if len(o.Kinds) > 0 && r.Kinds == nil {
		r.Kinds = map[recipient.Kind]KindStats{}
	}
	for k, s := range o.Kinds {
		cur := r.Kinds[k]
		cur.Sent += s.Sent
		cur.Failed += s.Failed
		r.Kinds[k] = cur
	}
}

// FailureSummary lists up to max failures, one per line.
func (r Report) FailureSummary(max int) string {
	if len(r.Failed) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range r.Failed {
		if max > 0 && i == max {
			fmt.Fprintf(&b, "... and %d more\n", len(r.Failed)-max)
			break
		}
		fmt.Fprintf(&b, "%s %d: %s\n", f.Kind, f.ID, f.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}
