// nlp.go parses a documented subset of natural-language schedule phrases,
// in English and Korean, into either a cron expression or a concrete
// future instant.
package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNotRecognized is returned for phrases without a parseable time.
var ErrNotRecognized = errors.New("schedule phrase not recognized")

// ParsedSchedule is the result of natural-language parsing: either a cron
// expression or a one-shot instant.
type ParsedSchedule struct {
	// Kind is "cron" or "at".
	Kind string

	// Expression is the 5-field cron expression (Kind == "cron").
	Expression string

	// At is the concrete future instant (Kind == "at").
	At time.Time
}

var (
	reAbsolute = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})[ T](\d{1,2}):(\d{2})`)

	reInRelative = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(minutes?|mins?|hours?|hrs?)\b`)
	reKoRelative = regexp.MustCompile(`(\d+)(분|시간)\s*(후|뒤)`)

	reEveryInterval = regexp.MustCompile(`(?i)\bevery\s+(\d+)\s*(minutes?|mins?|hours?|hrs?)\b`)
	reKoInterval    = regexp.MustCompile(`(\d+)(분|시간)마다`)

	reEnTime = regexp.MustCompile(`(?i)\b(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	reKoTime = regexp.MustCompile(`(오전|오후)?\s*(\d{1,2})시(?:\s*(\d{1,2})분|\s*(반))?`)

	reEnWeekday = regexp.MustCompile(`(?i)\b(sunday|monday|tuesday|wednesday|thursday|friday|saturday|sun|mon|tue|wed|thu|fri|sat)\b`)

	// Korean weekdays require the full 요일 suffix, so the 일 in 매일 or
	// 15일 can never be read as Sunday.
	reKoWeekday = regexp.MustCompile(`([월화수목금토일])요일`)

	reEnMonthDay = regexp.MustCompile(`(?i)\bon\s+the\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	reKoMonthDay = regexp.MustCompile(`(\d{1,2})일`)
)

var enWeekdays = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

var koWeekdays = map[string]int{
	"일": 0, "월": 1, "화": 2, "수": 3, "목": 4, "금": 5, "토": 6,
}

// ParseNatural converts a schedule phrase into a ParsedSchedule. now and loc
// anchor relative phrases ("tomorrow", "in 10 minutes"). Phrases that carry
// no parseable time return ErrNotRecognized.
func ParseNatural(input string, now time.Time, loc *time.Location) (*ParsedSchedule, error) {
	if loc == nil {
		loc = time.Local
	}
	text := strings.TrimSpace(input)
	if text == "" {
		return nil, ErrNotRecognized
	}
	lower := strings.ToLower(text)
	local := now.In(loc)

	// Absolute timestamp: "2025-03-01 09:30".
	if m := reAbsolute.FindStringSubmatch(text); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		at := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
		if !at.After(now) {
			return nil, fmt.Errorf("%q is in the past", text)
		}
		return &ParsedSchedule{Kind: "at", At: at}, nil
	}

	// Relative: "in 10 minutes", "30분 후".
	if m := reInRelative.FindStringSubmatch(lower); m != nil {
		return relativeSchedule(now, m[1], strings.HasPrefix(m[2], "h"))
	}
	if m := reKoRelative.FindStringSubmatch(text); m != nil {
		return relativeSchedule(now, m[1], m[2] == "시간")
	}

	// Interval: "every 30 minutes", "2시간마다".
	if m := reEveryInterval.FindStringSubmatch(lower); m != nil {
		return intervalSchedule(m[1], strings.HasPrefix(m[2], "h"))
	}
	if m := reKoInterval.FindStringSubmatch(text); m != nil {
		return intervalSchedule(m[1], m[2] == "시간")
	}

	hour, minute, hasTime := extractTime(text, lower)

	// One-shot: today / tomorrow.
	isToday := strings.Contains(lower, "today") || strings.Contains(text, "오늘")
	isTomorrow := strings.Contains(lower, "tomorrow") || strings.Contains(text, "내일")
	if isToday || isTomorrow {
		if !hasTime {
			return nil, ErrNotRecognized
		}
		at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if isTomorrow {
			at = at.AddDate(0, 0, 1)
		}
		if !at.After(now) {
			return nil, fmt.Errorf("%q is in the past", text)
		}
		return &ParsedSchedule{Kind: "at", At: at}, nil
	}

	// Everything below is recurring and requires a time of day.
	if !hasTime {
		return nil, ErrNotRecognized
	}

	// Weekly on a specific day: "every week on monday ...", "매주 월요일 ...".
	isWeekly := strings.Contains(lower, "every week") || strings.Contains(text, "매주")
	if day, ok := extractWeekday(text, lower); ok && isWeekly {
		return cronSchedule(minute, hour, "*", "*", strconv.Itoa(day)), nil
	}

	// Weekdays / weekends.
	if strings.Contains(lower, "weekday") || strings.Contains(text, "평일") {
		return cronSchedule(minute, hour, "*", "*", "1-5"), nil
	}
	if strings.Contains(lower, "weekend") || strings.Contains(text, "주말") {
		return cronSchedule(minute, hour, "*", "*", "0,6"), nil
	}

	// Monthly: "every month on the 15th ...", "매달 15일 ...".
	if strings.Contains(lower, "every month") || strings.Contains(text, "매달") || strings.Contains(text, "매월") {
		dom := ""
		if m := reEnMonthDay.FindStringSubmatch(lower); m != nil {
			dom = m[1]
		} else if m := reKoMonthDay.FindStringSubmatch(text); m != nil {
			dom = m[1]
		}
		if dom == "" {
			return nil, ErrNotRecognized
		}
		if d, err := strconv.Atoi(dom); err != nil || d < 1 || d > 31 {
			return nil, fmt.Errorf("day of month out of range: %s", dom)
		}
		return cronSchedule(minute, hour, dom, "*", "*"), nil
	}

	// Daily: "every day at 9", "매일 오후 3시".
	if strings.Contains(lower, "every day") || strings.Contains(lower, "daily") || strings.Contains(text, "매일") {
		return cronSchedule(minute, hour, "*", "*", "*"), nil
	}

	return nil, ErrNotRecognized
}

func relativeSchedule(now time.Time, amount string, hours bool) (*ParsedSchedule, error) {
	n, err := strconv.Atoi(amount)
	if err != nil || n <= 0 {
		return nil, ErrNotRecognized
	}
	d := time.Duration(n) * time.Minute
	if hours {
		d = time.Duration(n) * time.Hour
	}
	return &ParsedSchedule{Kind: "at", At: now.Add(d)}, nil
}

func intervalSchedule(amount string, hours bool) (*ParsedSchedule, error) {
	n, err := strconv.Atoi(amount)
	if err != nil || n <= 0 {
		return nil, ErrNotRecognized
	}
	if hours {
		if n > 23 {
			return nil, fmt.Errorf("hour interval too large: %d", n)
		}
		return &ParsedSchedule{Kind: "cron", Expression: fmt.Sprintf("0 */%d * * *", n)}, nil
	}
	if n > 59 {
		return nil, fmt.Errorf("minute interval too large: %d", n)
	}
	return &ParsedSchedule{Kind: "cron", Expression: fmt.Sprintf("*/%d * * * *", n)}, nil
}

func cronSchedule(minute, hour int, dom, month, dow string) *ParsedSchedule {
	return &ParsedSchedule{
		Kind:       "cron",
		Expression: fmt.Sprintf("%d %d %s %s %s", minute, hour, dom, month, dow),
	}
}

// extractTime finds a time of day in the phrase. Korean forms take priority
// because they are unambiguous ("오후 3시", "9시 반"); the English matcher
// only fires on an explicit "at H[:MM]" or an am/pm suffix, so bare numbers
// like the 15 in "on the 15th" are not misread as hours.
func extractTime(text, lower string) (hour, minute int, ok bool) {
	if m := reKoTime.FindStringSubmatch(text); m != nil {
		h, err := strconv.Atoi(m[2])
		if err != nil || h > 23 {
			return 0, 0, false
		}
		if m[1] == "오후" && h < 12 {
			h += 12
		}
		if m[1] == "오전" && h == 12 {
			h = 0
		}
		mi := 0
		if m[3] != "" {
			mi, _ = strconv.Atoi(m[3])
		} else if m[4] == "반" {
			mi = 30
		}
		if mi > 59 {
			return 0, 0, false
		}
		return h, mi, true
	}

	for _, m := range reEnTime.FindAllStringSubmatch(lower, -1) {
		explicit := strings.Contains(m[0], "at ") || m[3] != "" || m[2] != ""
		if !explicit {
			continue
		}
		h, err := strconv.Atoi(m[1])
		if err != nil || h > 23 {
			continue
		}
		switch m[3] {
		case "pm":
			if h < 12 {
				h += 12
			}
		case "am":
			if h == 12 {
				h = 0
			}
		}
		mi := 0
		if m[2] != "" {
			mi, _ = strconv.Atoi(m[2])
		}
		if mi > 59 {
			continue
		}
		return h, mi, true
	}
	return 0, 0, false
}

// extractWeekday finds a weekday token. Korean weekdays are matched as the
// full "X요일" form only (longest match), so 매일/일 ambiguity cannot occur.
func extractWeekday(text, lower string) (int, bool) {
	if m := reKoWeekday.FindStringSubmatch(text); m != nil {
		if d, ok := koWeekdays[m[1]]; ok {
			return d, true
		}
	}
	if m := reEnWeekday.FindStringSubmatch(lower); m != nil {
		name := m[1]
		if d, ok := enWeekdays[name]; ok {
			return d, true
		}
	}
	return 0, false
}
