package broadcast

import (
	"fmt"
	"strings"
	"time"

	"tierbot/internal/audience"
	"tierbot/internal/dispatch"
	"tierbot/internal/recipient"
	"tierbot/internal/task/scheduler"
)

// maxListedFailures caps the failures spelled out in a summary.
const maxListedFailures = 10

// Result is the outcome of one delivered broadcast.
type Result struct {
	JobID   string
	Request Request
	Targets []audience.Target
	Report  dispatch.Report
	Took    time.Duration
}

func (r Result) LookupFailures() int {
	n := 0
	for _, t := range r.Targets {
		n += t.LookupFailures
	}
	return n
}

// Summary is the operator-facing report.
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast to %s completed.\n", audiencePhrase(r.Request.Scope))
	fmt.Fprintf(&b, "Tier: %s. Sent: %d, failed: %d.", r.Request.Filter, r.Report.Sent, len(r.Report.Failed))
	if len(r.Targets) > 1 {
		for _, t := range r.Targets {
			ks := r.Report.Kinds[t.Kind]
			fmt.Fprintf(&b, "\n- %s: %d sent, %d failed", plural(t.Kind), ks.Sent, ks.Failed)
		}
	}
	if n := r.LookupFailures(); n > 0 {
		fmt.Fprintf(&b, "\nSkipped %d chat(s) whose admins could not be read.", n)
	}
	if s := r.Report.FailureSummary(maxListedFailures); s != "" {
		b.WriteString("\nFailures:\n")
		b.WriteString(s)
	}
	return b.String()
}

// ScheduledText confirms a scheduled broadcast.
func ScheduledText(req Request, sum scheduler.Summary) string {
	when := "at " + sum.NextRun.Format("2006-01-02 15:04:05 MST")
	if sum.Kind == scheduler.Recurring {
		when = "with trigger " + sum.Trigger + ", first run " + sum.NextRun.Format("2006-01-02 15:04:05 MST")
	}
	return fmt.Sprintf("Scheduled broadcast to %s (%s) %s.\nJob ID: %s", audiencePhrase(req.Scope), req.Filter, when, sum.ID)
}

// ListText renders pending jobs, one per line.
func ListText(sums []scheduler.Summary) string {
	if len(sums) == 0 {
		return "No scheduled jobs."
	}
	lines := make([]string, 0, len(sums))
	for _, s := range sums {
		line := fmt.Sprintf("ID: %s, Next run time: %s, Trigger: %s", s.ID, s.NextRun.Format("2006-01-02 15:04:05 MST"), s.Trigger)
		if s.Running {
			line += " (running)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func CancelText(id string, ok bool) string {
	if ok {
		return fmt.Sprintf("Job with ID %s has been canceled.", id)
	}
	return fmt.Sprintf("No job found with ID %s.", id)
}

func audiencePhrase(s audience.Scope) string {
	switch s {
	case audience.ScopeGroups:
		return "all groups"
	case audience.ScopeChannels:
		return "all channels"
	case audience.ScopeAll:
		return "all users, groups, and channels"
	default:
		return "all users"
	}
}

func plural(k recipient.Kind) string { return string(k) + "s" }
