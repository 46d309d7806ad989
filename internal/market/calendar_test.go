package market

import (
	"testing"
	"time"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func TestCalendar_NextN(t *testing.T) {
	cal := NewCalendar([]time.Time{
		mustDate(t, "2023-05-25"),
		mustDate(t, "2023-05-26"),
		mustDate(t, "2023-05-29"),
		mustDate(t, "2023-05-30"),
	})

	got, err := cal.NextN(mustDate(t, "2023-05-25"), 1)
	if err != nil {
		t.Fatalf("NextN: %v", err)
	}
	if !got.Equal(mustDate(t, "2023-05-26")) {
		t.Errorf("expected 2023-05-26, got %s", got.Format("2006-01-02"))
	}
}

func TestCalendar_IsTradingDate(t *testing.T) {
	cal := NewCalendar([]time.Time{mustDate(t, "2023-05-25")})

	if !cal.IsTradingDate(mustDate(t, "2023-05-25")) {
		t.Error("expected 2023-05-25 to be a trading date")
	}
	if cal.IsTradingDate(mustDate(t, "2023-05-27")) {
		t.Error("expected 2023-05-27 (Saturday) to not be a trading date")
	}
}

func TestCalendar_NextN_OutOfRange(t *testing.T) {
	cal := NewCalendar([]time.Time{mustDate(t, "2023-05-25")})

	if _, err := cal.NextN(mustDate(t, "2023-05-25"), 5); err == nil {
		t.Error("expected out-of-range error")
	}
}
