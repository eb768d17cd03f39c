package pvml

import "time"

// MinTime and MaxTime are the sentinel bounds used for unbounded time
// intervals. They are deliberately narrower than the extremes of time.Time
// so that offset arithmetic on them cannot overflow.
var (
	MinTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999000, time.UTC)
)

// Interval is a closed time interval. Both bounds are always set; an
// unbounded side holds MinTime or MaxTime, never a zero value, so interval
// arithmetic never has to special-case absence.
type Interval struct {
	Start time.Time
	Stop  time.Time
}

// UnboundedInterval returns the interval covering all representable times.
func UnboundedInterval() Interval {
	return Interval{Start: MinTime, Stop: MaxTime}
}

// Intersects reports whether a and b overlap. An interval whose stop
// precedes its start intersects nothing, including itself.
func (a Interval) Intersects(b Interval) bool {
	return !a.Start.After(a.Stop) && !b.Start.After(b.Stop) &&
		!b.Start.After(a.Stop) && !a.Start.After(b.Stop)
}

// Intersection returns the overlapping part of a and b.
// Only meaningful when a.Intersects(b).
func (a Interval) Intersection(b Interval) Interval {
	iv := a
	if b.Start.After(iv.Start) {
		iv.Start = b.Start
	}
	if b.Stop.Before(iv.Stop) {
		iv.Stop = b.Stop
	}
	return iv
}
