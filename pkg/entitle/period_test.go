package entitle_test

import (
	"testing"
	"time"

	"github.com/studydeck/entitle/pkg/entitle"
)

func TestMonthKey(t *testing.T) {
	loc := time.UTC
	jan := time.Date(2026, 1, 15, 12, 0, 0, 0, loc)
	if got := entitle.MonthKey(jan, loc); got != "2026-01" {
		t.Errorf("expected 2026-01, got %s", got)
	}

	// The reference zone decides the month at boundaries.
	bucharest, err := time.LoadLocation("Europe/Bucharest")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 23:30 UTC Jan 31 is already February in UTC+2.
	boundary := time.Date(2026, 1, 31, 23, 30, 0, 0, time.UTC)
	if got := entitle.MonthKey(boundary, time.UTC); got != "2026-01" {
		t.Errorf("UTC month: expected 2026-01, got %s", got)
	}
	if got := entitle.MonthKey(boundary, bucharest); got != "2026-02" {
		t.Errorf("Bucharest month: expected 2026-02, got %s", got)
	}
}

func TestResetDue(t *testing.T) {
	loc := time.UTC
	last := time.Date(2026, 1, 31, 23, 59, 0, 0, loc)

	if entitle.ResetDue(last, last.Add(30*time.Second), loc) {
		t.Errorf("reset due within the same month")
	}
	if !entitle.ResetDue(last, last.Add(2*time.Minute), loc) {
		t.Errorf("reset not due after crossing the month boundary")
	}
	if !entitle.ResetDue(last, last.AddDate(0, 3, 0), loc) {
		t.Errorf("reset not due after several months")
	}
}

func TestNextReset(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 12, 10, 8, 0, 0, 0, loc)
	next := entitle.NextReset(now, loc)

	want := time.Date(2027, 1, 1, 0, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestStartOfMonth(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 9, 17, 19, 45, 3, 0, loc)
	want := time.Date(2026, 9, 1, 0, 0, 0, 0, loc)
	if got := entitle.StartOfMonth(now, loc); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
