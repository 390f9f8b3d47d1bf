// Package scheduler runs the coordinator's periodic work (timeout and
// liveness sweeps, knowledge retention, learning) with file-lock overlap
// prevention and per-category concurrency caps.
package scheduler

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// ParseSchedule accepts "@every <duration>", "@hourly", "@daily" or a 5-field
// cron expression and returns the matching Job fields.
func ParseSchedule(spec string) (*CronExpr, time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return nil, 0, fmt.Errorf("schedule: invalid interval %q", spec)
		}
		return nil, d, nil
	}
	if alias, ok := cronAliases[spec]; ok {
		spec = alias
	}
	c, err := ParseCron(spec)
	if err != nil {
		return nil, 0, err
	}
	return c, 0, nil
}

var cronAliases = map[string]string{
	"@hourly": "0 * * * *",
	"@daily":  "0 0 * * *",
	"@weekly": "0 0 * * 0",
}

// field bounds, in cron order.
var cronFields = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// CronExpr is a parsed 5-field cron expression. Each field is a bit set of
// the values it admits.
type CronExpr struct {
	expr   string
	fields [5]uint64
}

// ParseCron parses a standard 5-field cron expression.
// Supports *, */N, N, N-M, N-M/S and comma-separated lists.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(parts))
	}
	c := &CronExpr{expr: strings.Join(parts, " ")}
	for i, raw := range parts {
		f := cronFields[i]
		set, err := parseCronField(raw, f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", f.name, err)
		}
		c.fields[i] = set
	}
	return c, nil
}

func (c *CronExpr) String() string { return c.expr }

// Matches reports whether t falls on a minute the expression admits.
func (c *CronExpr) Matches(t time.Time) bool {
	vals := [5]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, v := range vals {
		if c.fields[i]&(1<<uint(v)) == 0 {
			return false
		}
	}
	return true
}

// Count returns how many values field i admits (0 = minute ... 4 = weekday).
func (c *CronExpr) Count(i int) int {
	return bits.OnesCount64(c.fields[i])
}

// Next returns the first matching minute strictly after t, or the zero time
// when nothing matches within two years.
func (c *CronExpr) Next(t time.Time) time.Time {
	at := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	for at.Before(limit) {
		y, mo, d := at.Date()
		loc := at.Location()
		switch {
		case !c.has(3, int(mo)):
			at = time.Date(y, mo+1, 1, 0, 0, 0, 0, loc)
		case !c.has(2, d) || !c.has(4, int(at.Weekday())):
			at = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
		case !c.has(1, at.Hour()):
			at = time.Date(y, mo, d, at.Hour()+1, 0, 0, 0, loc)
		case !c.has(0, at.Minute()):
			at = at.Add(time.Minute)
		default:
			return at
		}
	}
	return time.Time{}
}

func (c *CronExpr) has(field, v int) bool {
	return c.fields[field]&(1<<uint(v)) != 0
}

func parseCronField(raw string, min, max int) (uint64, error) {
	var set uint64
	for _, item := range strings.Split(raw, ",") {
		lo, hi, step, err := parseCronItem(item, min, max)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

// parseCronItem reads one list item into an inclusive range and step.
func parseCronItem(item string, min, max int) (lo, hi, step int, err error) {
	rng, stepRaw, hasStep := strings.Cut(item, "/")
	step = 1
	if hasStep {
		if step, err = strconv.Atoi(stepRaw); err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step %q", item)
		}
	}
	switch {
	case rng == "*":
		return min, max, step, nil
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		if lo, err = strconv.Atoi(a); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range end %q", b)
		}
	default:
		if hasStep {
			return 0, 0, 0, fmt.Errorf("step needs * or a range in %q", item)
		}
		if lo, err = strconv.Atoi(rng); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid value %q", rng)
		}
		hi = lo
	}
	if lo < min || hi > max || lo > hi {
		return 0, 0, 0, fmt.Errorf("%q out of bounds [%d,%d]", rng, min, max)
	}
	return lo, hi, step, nil
}
