package recurrence

import (
	"errors"
	"time"
)

// ErrInvalidWindow is returned when a window ends before it starts
var ErrInvalidWindow = errors.New("window end is before window start")

// Window is a half-open time range [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// farFuture is later than any date rrule-go will generate
var farFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Unbounded returns a window covering every representable occurrence
func Unbounded() Window {
	return Window{End: farFuture}
}

// Contains reports whether t lies in [Start, End)
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Candidate is one occurrence produced by a rule.
// Index is the 1-based position in the full series, independent of any window.
type Candidate struct {
	Index int
	Start time.Time
}

// Cursor is a known occurrence from which expansion may resume without
// replaying the series from its start. The caller vouches that Start really is
// occurrence number Index of the rule.
type Cursor struct {
	Index int
	Start time.Time
}
