// Package schedule computes when a region's forecast next needs refreshing.
//
// Regions tied to stores are refreshed around business-relevant moments
// (opening, mid-shift, closing). Everything else is swept on a fixed cycle.
package schedule

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Basis reports which rule produced a due time.
type Basis string

// Due time bases.
const (
	BasisAnchor Basis = "anchor"
	BasisCycle  Basis = "cycle"
)

// Shift is one store's operating hours in its local time zone.
type Shift struct {
	StoreCode string
	Timezone  string // IANA name; empty means UTC
	Open      string // "HH:MM" or "HH:MM:SS"
	Close     string
}

// NextAnchor returns the earliest anchor at or after now.
// It reports false when anchors is empty or every anchor has already passed.
func NextAnchor(anchors []time.Time, now time.Time) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, a := range anchors {
		if a.Before(now) {
			continue
		}
		if !found || a.Before(best) {
			best, found = a, true
		}
	}
	return best, found
}

// NextDue picks the next refresh time for a region.
//
// Once every anchor of the current day has passed the region falls back to
// the sweep cycle. Anchors are not rolled to the next day.
func NextDue(anchors []time.Time, now time.Time, cycle time.Duration) (time.Time, Basis) {
	if at, ok := NextAnchor(anchors, now); ok {
		return at, BasisAnchor
	}
	return now.Add(cycle), BasisCycle
}

// AnchorsForDay converts shifts into absolute anchors for the store-local
// calendar day containing now: open, mid-shift and close, each moved earlier
// by lead. A close at or before the open is treated as an overnight shift, and
// the one that started the previous evening contributes its remaining anchors.
// Malformed shifts are skipped and reported in the joined error; anchors from
// the remaining shifts are still returned, sorted and de-duplicated.
func AnchorsForDay(shifts []Shift, now time.Time, lead time.Duration) ([]time.Time, error) {
	anchors := make([]time.Time, 0, len(shifts)*3)
	var errs []error

	for _, sh := range shifts {
		loc, err := time.LoadLocation(strings.TrimSpace(sh.Timezone))
		if err != nil {
			errs = append(errs, fmt.Errorf("store %s: timezone %q: %w", sh.StoreCode, sh.Timezone, err))
			continue
		}
		openH, openM, err := parseClock(sh.Open)
		if err != nil {
			errs = append(errs, fmt.Errorf("store %s: open: %w", sh.StoreCode, err))
			continue
		}
		closeH, closeM, err := parseClock(sh.Close)
		if err != nil {
			errs = append(errs, fmt.Errorf("store %s: close: %w", sh.StoreCode, err))
			continue
		}

		y, m, d := now.In(loc).Date()
		openAt := time.Date(y, m, d, openH, openM, 0, 0, loc)
		closeAt := time.Date(y, m, d, closeH, closeM, 0, 0, loc)
		if closeAt.After(openAt) {
			anchors = appendShift(anchors, openAt, closeAt, lead)
			continue
		}
		// Overnight: the shift that opened yesterday is still running until
		// today's close, and today's shift closes tomorrow.
		anchors = appendShift(anchors, openAt.AddDate(0, 0, -1), closeAt, lead)
		anchors = appendShift(anchors, openAt, closeAt.AddDate(0, 0, 1), lead)
	}

	slices.SortFunc(anchors, func(a, b time.Time) int { return a.Compare(b) })
	anchors = slices.CompactFunc(anchors, func(a, b time.Time) bool { return a.Equal(b) })
	return anchors, errors.Join(errs...)
}

// appendShift adds the open, mid-shift and close anchors of one shift.
func appendShift(anchors []time.Time, openAt, closeAt time.Time, lead time.Duration) []time.Time {
	midAt := openAt.Add(closeAt.Sub(openAt) / 2)
	for _, at := range []time.Time{openAt, midAt, closeAt} {
		anchors = append(anchors, at.Add(-lead).UTC())
	}
	return anchors
}

// parseClock accepts "HH:MM" and "HH:MM:SS".
func parseClock(raw string) (int, int, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("invalid clock value %q", raw)
}
