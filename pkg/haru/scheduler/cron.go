// Package scheduler implements time-based jobs for the assistant: a 5-field
// cron expression parser with timezone-aware next-run computation, a natural
// language schedule parser (English and Korean), a locked JSON job store,
// the dispatch engine, and the reminder store.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field index constants for error messages.
var fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var fieldRanges = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day-of-month
	{1, 12}, // month
	{0, 6},  // day-of-week (0 = Sunday)
}

// dayNames maps three-letter English day names accepted in the day-of-week
// field to their numeric value.
var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// CronExpr is a parsed 5-field cron expression. An instant matches when all
// five fields match its local components in the evaluation timezone.
type CronExpr struct {
	raw    string
	fields [5]map[int]bool
}

// ParseCron parses a 5-field cron expression (minute hour day-of-month month
// day-of-week). Each field accepts "*", single values, lists, ranges, and
// steps ("*/n", "a-b/n"). Day-of-week also accepts three-letter English names.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d: %q", len(parts), expr)
	}

	c := &CronExpr{raw: strings.Join(parts, " ")}
	for i, part := range parts {
		set, err := parseField(part, i)
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", fieldNames[i], err)
		}
		c.fields[i] = set
	}
	return c, nil
}

// String returns the canonical (whitespace-collapsed) expression text.
// ParseCron(c.String()) reproduces the same matcher.
func (c *CronExpr) String() string { return c.raw }

// parseField expands one cron field into its value set.
func parseField(field string, idx int) (map[int]bool, error) {
	lo, hi := fieldRanges[idx][0], fieldRanges[idx][1]
	set := make(map[int]bool)

	for _, item := range strings.Split(field, ",") {
		base := item
		step := 1
		if slash := strings.Index(item, "/"); slash >= 0 {
			base = item[:slash]
			n, err := strconv.Atoi(item[slash+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", item)
			}
			step = n
		}

		var from, to int
		switch {
		case base == "*":
			from, to = lo, hi
		case strings.Contains(base, "-"):
			bounds := strings.SplitN(base, "-", 2)
			var err error
			if from, err = parseFieldValue(bounds[0], idx); err != nil {
				return nil, err
			}
			if to, err = parseFieldValue(bounds[1], idx); err != nil {
				return nil, err
			}
			if from > to {
				return nil, fmt.Errorf("inverted range %q", base)
			}
		default:
			v, err := parseFieldValue(base, idx)
			if err != nil {
				return nil, err
			}
			if step == 1 {
				from, to = v, v
			} else {
				// "a/n" means every n starting at a.
				from, to = v, hi
			}
		}

		if from < lo || to > hi {
			return nil, fmt.Errorf("value out of range [%d-%d]: %q", lo, hi, item)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("empty field %q", field)
	}
	return set, nil
}

// parseFieldValue parses one numeric value, accepting day names in the
// day-of-week field.
func parseFieldValue(s string, idx int) (int, error) {
	if idx == 4 {
		if v, ok := dayNames[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// Matches reports whether the instant t (interpreted in its own location)
// satisfies all five fields.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.fields[0][t.Minute()] &&
		c.fields[1][t.Hour()] &&
		c.fields[2][t.Day()] &&
		c.fields[3][int(t.Month())] &&
		c.fields[4][int(t.Weekday())]
}

// maxCronHorizon bounds the next-run walk. Any real expression fires within
// a year; hitting the bound means the expression is unsatisfiable (e.g.
// Feb 30) and Next returns the zero time.
const maxCronHorizon = 366 * 24 * time.Hour

// Next returns the first instant strictly after now that matches the
// expression, evaluated in loc. Walks forward minute by minute; the walk is
// on absolute time, so DST transitions in loc are absorbed naturally.
// Returns the zero time if nothing matches within a year.
func (c *CronExpr) Next(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := now.Add(maxCronHorizon)
	for ; t.Before(limit); t = t.Add(time.Minute) {
		local := t.In(loc)
		if c.Matches(local) {
			return local
		}
	}
	return time.Time{}
}
