// Package timeline computes the incubator program week and the windows in
// which roadmap edits and milestone 2 submissions are accepted.
package timeline

import (
	"fmt"
	"time"
)

const (
	RoadmapFirstWeek    = 1
	RoadmapLastWeek     = 4
	SubmissionFirstWeek = 5
	SubmissionLastWeek  = 6

	day         = 24 * time.Hour
	daysPerWeek = 7
)

// CurrentWeek returns floor(days since referenceEnd / 7) + 1. Dates before
// referenceEnd clamp to week 1. Both times are compared as UTC calendar days.
func CurrentWeek(referenceEnd, now time.Time) uint32 {
	start := truncateDay(referenceEnd)
	cur := truncateDay(now)
	if !cur.After(start) {
		return 1
	}
	days := int64(cur.Sub(start) / day)
	return uint32(days/daysPerWeek) + 1
}

func RoadmapOpen(week uint32) bool {
	return week >= RoadmapFirstWeek && week <= RoadmapLastWeek
}

func SubmissionOpen(week uint32) bool {
	return week >= SubmissionFirstWeek && week <= SubmissionLastWeek
}

// ClosedError reports an operation attempted outside its window.
type ClosedError struct {
	Operation string
	Week      uint32
	First     uint32
	Last      uint32
}

func (e ClosedError) Error() string {
	return fmt.Sprintf("%s is only allowed in weeks %d-%d (current week %d)", e.Operation, e.First, e.Last, e.Week)
}

// CheckRoadmap returns a ClosedError outside weeks 1-4.
func CheckRoadmap(week uint32) error {
	if RoadmapOpen(week) {
		return nil
	}
	return ClosedError{Operation: "roadmap update", Week: week, First: RoadmapFirstWeek, Last: RoadmapLastWeek}
}

// CheckSubmission returns a ClosedError outside weeks 5-6.
func CheckSubmission(week uint32) error {
	if SubmissionOpen(week) {
		return nil
	}
	return ClosedError{Operation: "milestone 2 submission", Week: week, First: SubmissionFirstWeek, Last: SubmissionLastWeek}
}

// ParseDate accepts RFC3339 timestamps or plain YYYY-MM-DD dates.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
