// Package quiet decides whether the nightly quiet window is active.
package quiet

import (
	"fmt"
	"time"
)

// IsQuietPeriod reports whether now falls inside [startHour, endHour) in loc.
//
// Overnight windows (start > end) wrap past midnight. The end hour is
// exclusive: at endHour:00 the window is already over.
func IsQuietPeriod(now time.Time, startHour, endHour int, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	h := now.In(loc).Hour()
	if startHour < endHour {
		return h >= startHour && h < endHour
	}
	if startHour > endHour {
		return h >= startHour || h < endHour
	}
	// start == end is rejected by Validate; never quiet if it slips through.
	return false
}

// Validate checks a window configuration.
func Validate(startHour, endHour int) error {
	if startHour < 0 || startHour > 23 {
		return fmt.Errorf("start hour %d out of range 0..23", startHour)
	}
	if endHour < 0 || endHour > 23 {
		return fmt.Errorf("end hour %d out of range 0..23", endHour)
	}
	if startHour == endHour {
		return fmt.Errorf("start hour and end hour are both %d", startHour)
	}
	return nil
}

// Window is a validated quiet window bound to the organization's time zone.
type Window struct {
	Start    int
	End      int
	Location *time.Location
}

func NewWindow(startHour, endHour int, loc *time.Location) (Window, error) {
	if err := Validate(startHour, endHour); err != nil {
		return Window{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return Window{Start: startHour, End: endHour, Location: loc}, nil
}

func (w Window) Active(now time.Time) bool {
	return IsQuietPeriod(now, w.Start, w.End, w.Location)
}

// String renders the window as "21:00-07:00".
func (w Window) String() string {
	return fmt.Sprintf("%02d:00-%02d:00", w.Start, w.End)
}
