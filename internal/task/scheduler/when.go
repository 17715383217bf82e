package scheduler

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidWhen is wrapped by every ParseWhen failure.
var ErrInvalidWhen = errors.New("invalid schedule")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Local datetime layouts, interpreted in the scheduler timezone.
var isoLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseWhen parses a schedule string.
//
// Supported forms:
//   - "now:<hours>" fires once after the given hours (0 = immediately, "1.5" ok)
//   - "at:<datetime>" or a bare datetime fires once ("2024-09-01T12:00", RFC3339)
//   - "every:<interval>" or "interval:<interval>" repeats; interval is hours
//     ("2"), a Go duration ("55m") or HH:MM ("02:30")
//   - "cron:<expr>" repeats on a cron expression ("0 9 * * *", "@daily")
func ParseWhen(raw string, now time.Time, loc *time.Location) (When, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return When{}, fmt.Errorf("%w: schedule required", ErrInvalidWhen)
	}
	prefix, rest, hasPrefix := strings.Cut(s, ":")
	low := strings.ToLower(prefix)

	switch {
	case low == "now" && !hasPrefix:
		return When{Kind: OneShot, At: now, Source: "now"}, nil
	case low == "now":
		h, err := parseHours(rest)
		if err != nil {
			return When{}, err
		}
		return When{Kind: OneShot, At: now.Add(h), Source: "now"}, nil
	case low == "at" && hasPrefix:
		at, err := parseDateTime(rest, loc)
		if err != nil {
			return When{}, err
		}
		return When{Kind: OneShot, At: at, Source: "at"}, nil
	case (low == "every" || low == "interval") && hasPrefix:
		d, src, err := parseInterval(rest)
		if err != nil {
			return When{}, err
		}
		return When{Kind: Recurring, Every: d, Source: src}, nil
	case low == "cron" && hasPrefix:
		expr := strings.TrimSpace(rest)
		if expr == "" {
			return When{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidWhen)
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return When{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidWhen, expr, err)
		}
		return When{Kind: Recurring, Cron: expr, Source: "cron"}, nil
	}

	if at, err := parseDateTime(s, loc); err == nil {
		return When{Kind: OneShot, At: at, Source: "at"}, nil
	}
	return When{}, fmt.Errorf(
		"%w: %q (use now:<hours>, at:2024-09-01T12:00, every:<hours|55m|02:30> or cron:<expr>)",
		ErrInvalidWhen, raw,
	)
}

func parseHours(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	h, err := parseFinite(v)
	if err != nil || h < 0 {
		return 0, fmt.Errorf("%w: hours must be a non-negative number, got %q", ErrInvalidWhen, v)
	}
	if h > 24*366*10 {
		return 0, fmt.Errorf("%w: %q hours is too far ahead", ErrInvalidWhen, v)
	}
	return time.Duration(h * float64(time.Hour)), nil
}

func parseFinite(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %q", v)
	}
	return f, nil
}

func parseDateTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid datetime %q", ErrInvalidWhen, v)
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("%w: interval required", ErrInvalidWhen)
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	if h, err := parseFinite(v); err == nil {
		if h > 24*366*10 {
			return 0, "", fmt.Errorf("%w: interval %q is too long", ErrInvalidWhen, v)
		}
		d := time.Duration(h * float64(time.Hour))
		if d <= 0 {
			return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidWhen)
		}
		return d, "hours", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("%w: invalid interval %q (use hours, HH:MM or a duration like '55m')", ErrInvalidWhen, v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidWhen)
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, string, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidWhen, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, "", fmt.Errorf("%w: invalid minutes in %q", ErrInvalidWhen, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidWhen)
	}
	return d, "hhmm", nil
}

// firstFire is the initial fire time of a freshly scheduled job.
func firstFire(w When, sched cron.Schedule, now time.Time, loc *time.Location) time.Time {
	switch {
	case w.Kind == OneShot:
		return w.At
	case sched != nil:
		return sched.Next(now.In(loc))
	default:
		return now.Add(w.Every)
	}
}

// nextFire computes the fire time after a completed run of a recurring job.
// A time already in the past is deferred to now.
func nextFire(w When, sched cron.Schedule, prev, now time.Time, loc *time.Location) time.Time {
	var next time.Time
	if sched != nil {
		next = sched.Next(prev.In(loc))
	} else {
		next = prev.Add(w.Every)
	}
	if next.IsZero() {
		return next
	}
	if next.Before(now) {
		return now
	}
	return next
}
