/**
 * @description
 * Resolution of ISO8601 repeating intervals (R[n]/start/duration, R[n]/duration/end,
 * R[n]/start/end) into the concrete sub-interval that contains a point in time.
 * Grants use it to decide which spend bucket a payment belongs to.
 *
 * @dependencies
 * - github.com/senseyeio/duration: ISO8601 duration parsing.
 */
package interval

import (
	"strconv"
	"strings"
	"time"

	"github.com/senseyeio/duration"
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

func (i Interval) String() string {
	return i.Start.UTC().Format(time.RFC3339) + "/" + i.End.UTC().Format(time.RFC3339)
}

type step func(Interval) Interval

type repeating struct {
	base        Interval
	repetitions int // -1 when unbounded
	forward     bool
	next        step
}

// Resolve returns the sub-interval of spec that contains at. The second return
// value is false when at is outside every repetition or when spec cannot be parsed.
//
// Rn yields the base interval followed by n further repetitions.
func Resolve(spec string, at time.Time) (Interval, bool) {
	r, ok := parse(spec)
	if !ok {
		return Interval{}, false
	}
	if r.forward && at.Before(r.base.Start) {
		return Interval{}, false
	}
	if !r.forward && !at.Before(r.base.End) {
		return Interval{}, false
	}

	current := r.base
	for i := 0; ; i++ {
		if current.Contains(at) {
			return current, true
		}
		if r.repetitions >= 0 && i >= r.repetitions {
			return Interval{}, false
		}
		// Past the target in the stepping direction means no later repetition can hold it.
		if r.forward && at.Before(current.Start) {
			return Interval{}, false
		}
		if !r.forward && !at.Before(current.End) {
			return Interval{}, false
		}
		current = r.next(current)
	}
}

func parse(spec string) (repeating, bool) {
	parts := strings.Split(strings.TrimSpace(spec), "/")
	if len(parts) != 3 {
		return repeating{}, false
	}

	repetitions, ok := parseRepetitions(parts[0])
	if !ok {
		return repeating{}, false
	}

	first, last := parts[1], parts[2]
	switch {
	case isDuration(first) && isDuration(last):
		return repeating{}, false

	case isDuration(last):
		start, err := time.Parse(time.RFC3339, first)
		if err != nil {
			return repeating{}, false
		}
		d, ok := parseDuration(last)
		if !ok {
			return repeating{}, false
		}
		next := func(prev Interval) Interval {
			return Interval{Start: prev.End, End: shift(prev.End, d, 1)}
		}
		base := Interval{Start: start, End: shift(start, d, 1)}
		if !base.End.After(base.Start) {
			return repeating{}, false
		}
		return repeating{base: base, repetitions: repetitions, forward: true, next: next}, true

	case isDuration(first):
		end, err := time.Parse(time.RFC3339, last)
		if err != nil {
			return repeating{}, false
		}
		d, ok := parseDuration(first)
		if !ok {
			return repeating{}, false
		}
		next := func(prev Interval) Interval {
			return Interval{Start: shift(prev.Start, d, -1), End: prev.Start}
		}
		base := Interval{Start: shift(end, d, -1), End: end}
		if !base.End.After(base.Start) {
			return repeating{}, false
		}
		return repeating{base: base, repetitions: repetitions, forward: false, next: next}, true

	default:
		start, err := time.Parse(time.RFC3339, first)
		if err != nil {
			return repeating{}, false
		}
		end, err := time.Parse(time.RFC3339, last)
		if err != nil {
			return repeating{}, false
		}
		elapsed := end.Sub(start)
		if elapsed <= 0 {
			return repeating{}, false
		}
		next := func(prev Interval) Interval {
			return Interval{Start: prev.End, End: prev.End.Add(elapsed)}
		}
		return repeating{base: Interval{Start: start, End: end}, repetitions: repetitions, forward: true, next: next}, true
	}
}

func parseRepetitions(token string) (int, bool) {
	if !strings.HasPrefix(token, "R") {
		return 0, false
	}
	raw := strings.TrimPrefix(token, "R")
	if raw == "" || raw == "-1" {
		return -1, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isDuration(token string) bool {
	return strings.HasPrefix(token, "P")
}

func parseDuration(token string) (duration.Duration, bool) {
	d, err := duration.ParseISO8601(token)
	if err != nil || d == (duration.Duration{}) {
		return duration.Duration{}, false
	}
	return d, true
}

// shift moves t by d in the given direction. Calendar months are clamped to the
// last day of the target month, so Jan 31 + P1M lands on the end of February.
func shift(t time.Time, d duration.Duration, sign int) time.Time {
	months := sign * (d.Y*12 + d.M)
	if months != 0 {
		year, month, day := t.Date()
		total := int(month) - 1 + months
		year += floorDiv(total, 12)
		month = time.Month(total - floorDiv(total, 12)*12 + 1)
		if last := daysIn(year, month, t.Location()); day > last {
			day = last
		}
		t = time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	}
	if days := sign * (d.W*7 + d.D); days != 0 {
		t = t.AddDate(0, 0, days)
	}
	clock := time.Duration(d.TH)*time.Hour + time.Duration(d.TM)*time.Minute + time.Duration(d.TS)*time.Second
	return t.Add(time.Duration(sign) * clock)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
