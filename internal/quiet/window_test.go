package quiet

import (
	"testing"
	"time"
)

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return loc
}

func at(loc *time.Location, hh, mm int) time.Time {
	return time.Date(2025, time.May, 5, hh, mm, 0, 0, loc)
}

func TestIsQuietPeriodOvernight(t *testing.T) {
	loc := tokyo(t)
	tests := []struct {
		hh, mm int
		want   bool
	}{
		{20, 59, false},
		{21, 0, true},
		{23, 30, true},
		{0, 0, true},
		{6, 59, true},
		{7, 0, false},
		{7, 5, false},
		{12, 0, false},
	}
	for _, tt := range tests {
		if got := IsQuietPeriod(at(loc, tt.hh, tt.mm), 21, 7, loc); got != tt.want {
			t.Errorf("%02d:%02d quiet = %v, want %v", tt.hh, tt.mm, got, tt.want)
		}
	}
}

func TestIsQuietPeriodSameDay(t *testing.T) {
	loc := tokyo(t)
	tests := []struct {
		hh   int
		want bool
	}{
		{0, false},
		{1, true},
		{4, true},
		{5, false},
		{23, false},
	}
	for _, tt := range tests {
		if got := IsQuietPeriod(at(loc, tt.hh, 0), 1, 5, loc); got != tt.want {
			t.Errorf("%02d:00 quiet = %v, want %v", tt.hh, got, tt.want)
		}
	}
}

func TestIsQuietPeriodUsesLocationNotHostZone(t *testing.T) {
	loc := tokyo(t)
	// 13:00 UTC is 22:00 in Tokyo.
	now := time.Date(2025, time.May, 5, 13, 0, 0, 0, time.UTC)
	if !IsQuietPeriod(now, 21, 7, loc) {
		t.Fatal("expected quiet period in Tokyo time")
	}
	if IsQuietPeriod(now, 21, 7, time.UTC) {
		t.Fatal("13:00 UTC must not be quiet in UTC")
	}
}

func TestEndHourIsExclusive(t *testing.T) {
	loc := tokyo(t)
	if IsQuietPeriod(at(loc, 7, 0), 21, 7, loc) {
		t.Fatal("overnight window must be over at end hour")
	}
	if IsQuietPeriod(at(loc, 5, 0), 1, 5, loc) {
		t.Fatal("same-day window must be over at end hour")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(21, 7); err != nil {
		t.Fatalf("Validate(21,7): %v", err)
	}
	for _, bad := range [][2]int{{7, 7}, {-1, 7}, {21, 24}} {
		if err := Validate(bad[0], bad[1]); err == nil {
			t.Errorf("Validate(%d,%d) expected error", bad[0], bad[1])
		}
	}
	if _, err := NewWindow(3, 3, nil); err == nil {
		t.Fatal("NewWindow must reject equal hours")
	}
}

func TestWindowActive(t *testing.T) {
	loc := tokyo(t)
	w, err := NewWindow(21, 7, loc)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if !w.Active(at(loc, 23, 0)) || w.Active(at(loc, 9, 0)) {
		t.Fatal("Active returned unexpected result")
	}
	if got := w.String(); got != "21:00-07:00" {
		t.Fatalf("String = %q", got)
	}
}
