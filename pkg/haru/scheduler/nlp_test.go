package scheduler

import (
	"errors"
	"testing"
	"time"
)

func parseAt(t *testing.T, input string, now time.Time, loc *time.Location) *ParsedSchedule {
	t.Helper()
	ps, err := ParseNatural(input, now, loc)
	if err != nil {
		t.Fatalf("ParseNatural(%q): %v", input, err)
	}
	return ps
}

func TestParseNaturalKorean(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		expr string
	}{
		{"매일 오후 3시", "0 15 * * *"},
		{"평일 오후 6시", "0 18 * * 1-5"},
		{"주말 오전 10시", "0 10 * * 0,6"},
		{"매일 오전 9시 30분", "30 9 * * *"},
		{"매일 9시 반", "30 9 * * *"},
		{"매주 월요일 오전 9시", "0 9 * * 1"},
		{"매주 일요일 오후 2시", "0 14 * * 0"},
		{"매달 15일 오전 9시", "0 9 15 * *"},
		{"30분마다", "*/30 * * * *"},
		{"2시간마다", "0 */2 * * *"},
		{"매일 오후 12시", "0 12 * * *"},
		{"매일 오전 12시", "0 0 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ps := parseAt(t, tt.in, now, time.UTC)
			if ps.Kind != "cron" {
				t.Fatalf("kind = %q, want cron", ps.Kind)
			}
			if ps.Expression != tt.expr {
				t.Errorf("expression = %q, want %q", ps.Expression, tt.expr)
			}
		})
	}
}

func TestParseNaturalEnglish(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		expr string
	}{
		{"every day at 9am", "0 9 * * *"},
		{"every day at 21:30", "30 21 * * *"},
		{"weekdays at 6pm", "0 18 * * 1-5"},
		{"weekends at 10am", "0 10 * * 0,6"},
		{"every week on monday at 9am", "0 9 * * 1"},
		{"every week on fri at 17:00", "0 17 * * 5"},
		{"every month on the 1st at 8am", "0 8 1 * *"},
		{"every 30 minutes", "*/30 * * * *"},
		{"every 2 hours", "0 */2 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ps := parseAt(t, tt.in, now, time.UTC)
			if ps.Kind != "cron" || ps.Expression != tt.expr {
				t.Errorf("got (%q, %q), want (cron, %q)", ps.Kind, ps.Expression, tt.expr)
			}
		})
	}
}

func TestParseNaturalOneShots(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, loc)

	ps := parseAt(t, "오늘 오후 5시", now, loc)
	if ps.Kind != "at" || !ps.At.Equal(time.Date(2025, 1, 15, 17, 0, 0, 0, loc)) {
		t.Errorf("오늘 오후 5시 = (%q, %v)", ps.Kind, ps.At)
	}

	ps = parseAt(t, "tomorrow at 10am", now, loc)
	if ps.Kind != "at" || !ps.At.Equal(time.Date(2025, 1, 16, 10, 0, 0, 0, loc)) {
		t.Errorf("tomorrow at 10am = (%q, %v)", ps.Kind, ps.At)
	}

	ps = parseAt(t, "내일 오전 7시 30분", now, loc)
	if !ps.At.Equal(time.Date(2025, 1, 16, 7, 30, 0, 0, loc)) {
		t.Errorf("내일 오전 7시 30분 = %v", ps.At)
	}

	ps = parseAt(t, "in 30 minutes", now, loc)
	if !ps.At.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("in 30 minutes = %v", ps.At)
	}

	ps = parseAt(t, "2시간 후", now, loc)
	if !ps.At.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("2시간 후 = %v", ps.At)
	}

	ps = parseAt(t, "2025-03-01 09:30", now, loc)
	if !ps.At.Equal(time.Date(2025, 3, 1, 9, 30, 0, 0, loc)) {
		t.Errorf("absolute = %v", ps.At)
	}
}

func TestParseNaturalNotRecognized(t *testing.T) {
	now := time.Now()
	for _, in := range []string{"매일", "every day", "sometime soon", "", "주말"} {
		_, err := ParseNatural(in, now, time.UTC)
		if !errors.Is(err, ErrNotRecognized) {
			t.Errorf("ParseNatural(%q) err = %v, want ErrNotRecognized", in, err)
		}
	}
}

func TestParseNaturalPastRejected(t *testing.T) {
	now := time.Date(2025, 1, 15, 18, 0, 0, 0, time.UTC)
	if _, err := ParseNatural("today at 9am", now, time.UTC); err == nil {
		t.Errorf("past one-shot should be rejected")
	}
	if _, err := ParseNatural("2020-01-01 09:00", now, time.UTC); err == nil {
		t.Errorf("past absolute should be rejected")
	}
}

// The 일 in 매일 or 15일 must never be read as Sunday (일요일): Korean
// weekdays require the full 요일 suffix.
func TestKoreanWeekdayDisambiguation(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

	ps := parseAt(t, "매주 일요일 오전 9시", now, time.UTC)
	if ps.Expression != "0 9 * * 0" {
		t.Errorf("일요일 = %q, want 0 9 * * 0", ps.Expression)
	}

	ps = parseAt(t, "매주 월요일 오전 9시", now, time.UTC)
	if ps.Expression != "0 9 * * 1" {
		t.Errorf("월요일 = %q, want 0 9 * * 1", ps.Expression)
	}

	// 매일 with a time stays daily, never weekly-on-Sunday.
	ps = parseAt(t, "매일 오전 9시", now, time.UTC)
	if ps.Expression != "0 9 * * *" {
		t.Errorf("매일 = %q, want 0 9 * * *", ps.Expression)
	}
}
