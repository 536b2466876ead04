package scheduler

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *CronExpr {
	t.Helper()
	c, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("ParseCron(%q): %v", expr, err)
	}
	return c
}

func TestParseCronRejects(t *testing.T) {
	bad := []string{
		"* * * *",        // 4 fields
		"* * * * * *",    // 6 fields
		"60 0 * * *",     // minute out of range
		"0 24 * * *",     // hour out of range
		"0 0 0 * *",      // day-of-month below range
		"0 0 * 13 *",     // month out of range
		"0 0 * * 7",      // day-of-week out of range
		"a * * * *",      // not a number
		"*/0 * * * *",    // zero step
		"5-1 * * * *",    // inverted range
		"",               // empty
	}
	for _, expr := range bad {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) should fail", expr)
		}
	}
}

func TestParseCronAccepts(t *testing.T) {
	good := []string{
		"* * * * *",
		"0 9 * * *",
		"*/15 * * * *",
		"0 9-17 * * 1-5",
		"0,30 * * * *",
		"0 9 1,15 * *",
		"0 9 * * mon",
		"0 9 * * MON-FRI",
		"10-50/10 * * * *",
	}
	for _, expr := range good {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q): %v", expr, err)
		}
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	exprs := []string{"0 9 * * *", "*/15 * * * *", "0 9-17 * * 1-5", "0,30 12 1 6 0"}
	for _, expr := range exprs {
		c := mustParse(t, expr)
		again := mustParse(t, c.String())
		if again.String() != c.String() {
			t.Errorf("round trip changed %q -> %q", c.String(), again.String())
		}
	}
}

func TestNextRunSeoul(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatal(err)
	}
	c := mustParse(t, "0 9 * * *")

	// Before 09:00 KST: fires same day.
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, seoul)
	next := c.Next(now, seoul)
	want := time.Date(2025, 1, 15, 9, 0, 0, 0, seoul)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if !next.UTC().Equal(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next in UTC = %v, want 2025-01-15T00:00:00Z", next.UTC())
	}

	// After 09:00 KST: fires next day.
	now = time.Date(2025, 1, 15, 10, 0, 0, 0, seoul)
	next = c.Next(now, seoul)
	want = time.Date(2025, 1, 16, 9, 0, 0, 0, seoul)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunStrictlyAfterNow(t *testing.T) {
	seoul, _ := time.LoadLocation("Asia/Seoul")
	c := mustParse(t, "0 9 * * *")

	// Exactly at 09:00: must advance to tomorrow, not return now.
	now := time.Date(2025, 1, 15, 9, 0, 0, 0, seoul)
	next := c.Next(now, seoul)
	want := time.Date(2025, 1, 16, 9, 0, 0, 0, seoul)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunWeekdays(t *testing.T) {
	c := mustParse(t, "0 9 * * 1-5")

	// Friday 2025-01-17 10:00 local: next is Monday 2025-01-20 09:00.
	now := time.Date(2025, 1, 17, 10, 0, 0, 0, time.UTC)
	next := c.Next(now, time.UTC)
	want := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if next.Weekday() != time.Monday {
		t.Errorf("next weekday = %v, want Monday", next.Weekday())
	}
}

func TestNextRunDayNames(t *testing.T) {
	c := mustParse(t, "30 18 * * fri")
	now := time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC) // Monday
	next := c.Next(now, time.UTC)
	want := time.Date(2025, 1, 17, 18, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunUnsatisfiable(t *testing.T) {
	// February 30th never exists.
	c := mustParse(t, "0 0 30 2 *")
	next := c.Next(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if !next.IsZero() {
		t.Errorf("expected zero time for unsatisfiable expression, got %v", next)
	}
}

func TestMatchesStep(t *testing.T) {
	c := mustParse(t, "*/15 * * * *")
	for _, min := range []int{0, 15, 30, 45} {
		if !c.Matches(time.Date(2025, 1, 1, 0, min, 0, 0, time.UTC)) {
			t.Errorf("minute %d should match */15", min)
		}
	}
	if c.Matches(time.Date(2025, 1, 1, 0, 7, 0, 0, time.UTC)) {
		t.Errorf("minute 7 should not match */15")
	}
}
