package recurrence

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Frequency is the closed set of repetition units a Rule can use
type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	Yearly
)

// String returns the RFC 5545 FREQ value
func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(f)) + ")"
	}
}

// Valid reports whether f is one of the four supported frequencies
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

func (f Frequency) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("cannot marshal frequency %d", int(f))
	}
	return []byte(f.String()), nil
}

func (f *Frequency) UnmarshalText(b []byte) error {
	v, err := ParseFrequency(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFrequency parses a FREQ value, case-insensitively
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DAILY":
		return Daily, nil
	case "WEEKLY":
		return Weekly, nil
	case "MONTHLY":
		return Monthly, nil
	case "YEARLY":
		return Yearly, nil
	default:
		return 0, &InvalidRuleError{Field: FieldFrequency, Reason: fmt.Sprintf("unknown frequency %q", s)}
	}
}

// Weekday wraps time.Weekday with two-letter iCalendar codes
type Weekday time.Weekday

var weekdayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

func (d Weekday) String() string {
	if d < 0 || int(d) >= len(weekdayCodes) {
		return "??"
	}
	return weekdayCodes[d]
}

func (d Weekday) valid() bool {
	return d >= 0 && int(d) < len(weekdayCodes)
}

func (d Weekday) MarshalText() ([]byte, error) {
	if !d.valid() {
		return nil, fmt.Errorf("cannot marshal weekday %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Weekday) UnmarshalText(b []byte) error {
	v, err := ParseWeekday(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseWeekday parses a two-letter day code such as "MO"
func ParseWeekday(s string) (Weekday, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	for i, c := range weekdayCodes {
		if c == code {
			return Weekday(i), nil
		}
	}
	return 0, &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("invalid day code: %s", s)}
}

// WeekdayNum is a BYDAY entry. N is the optional ordinal (0 = every such day,
// 1 = first, -1 = last) and is only meaningful for MONTHLY and YEARLY rules.
type WeekdayNum struct {
	Day Weekday
	N   int
}

func (w WeekdayNum) String() string {
	if w.N == 0 {
		return w.Day.String()
	}
	return strconv.Itoa(w.N) + w.Day.String()
}

func (w WeekdayNum) MarshalText() ([]byte, error) {
	if !w.Day.valid() {
		return nil, fmt.Errorf("cannot marshal weekday %d", int(w.Day))
	}
	return []byte(w.String()), nil
}

func (w *WeekdayNum) UnmarshalText(b []byte) error {
	v, err := ParseWeekdayNum(string(b))
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// ParseWeekdayNum parses BYDAY entries like "MO", "2TU" or "-1SU"
func ParseWeekdayNum(s string) (WeekdayNum, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return WeekdayNum{}, &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("invalid day code: %s", s)}
	}
	day, err := ParseWeekday(s[len(s)-2:])
	if err != nil {
		return WeekdayNum{}, &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("invalid day code: %s", s)}
	}
	prefix := s[:len(s)-2]
	if prefix == "" {
		return WeekdayNum{Day: day}, nil
	}
	n, err := strconv.Atoi(prefix)
	if err != nil || n == 0 {
		return WeekdayNum{}, &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("invalid day code: %s", s)}
	}
	return WeekdayNum{Day: day, N: n}, nil
}

// Rule describes how a template repeats. Treat it as a value: the With*
// helpers return modified copies and never touch the receiver.
type Rule struct {
	Frequency  Frequency    `json:"frequency"`
	Interval   int          `json:"interval"`
	Count      *int         `json:"count,omitempty"`
	Until      *time.Time   `json:"until,omitempty"`
	ByDay      []WeekdayNum `json:"byDay,omitempty"`
	ByMonthDay []int        `json:"byMonthDay,omitempty"`
	ByMonth    []int        `json:"byMonth,omitempty"`
	WeekStart  *Weekday     `json:"weekStart,omitempty"`
}

// NewRule returns a rule with the given frequency and an interval of 1
func NewRule(freq Frequency) Rule {
	return Rule{Frequency: freq, Interval: 1}
}

// Clone returns a deep copy of r
func (r Rule) Clone() Rule {
	out := r
	if r.Count != nil {
		c := *r.Count
		out.Count = &c
	}
	if r.Until != nil {
		u := *r.Until
		out.Until = &u
	}
	if r.WeekStart != nil {
		w := *r.WeekStart
		out.WeekStart = &w
	}
	out.ByDay = slices.Clone(r.ByDay)
	out.ByMonthDay = slices.Clone(r.ByMonthDay)
	out.ByMonth = slices.Clone(r.ByMonth)
	return out
}

func (r Rule) WithInterval(n int) Rule {
	out := r.Clone()
	out.Interval = n
	return out
}

// WithCount sets COUNT and clears UNTIL
func (r Rule) WithCount(n int) Rule {
	out := r.Clone()
	out.Count = &n
	out.Until = nil
	return out
}

// WithUntil sets UNTIL and clears COUNT
func (r Rule) WithUntil(t time.Time) Rule {
	out := r.Clone()
	out.Until = &t
	out.Count = nil
	return out
}

// WithoutEnd clears both COUNT and UNTIL
func (r Rule) WithoutEnd() Rule {
	out := r.Clone()
	out.Count = nil
	out.Until = nil
	return out
}

func (r Rule) WithByDay(days ...WeekdayNum) Rule {
	out := r.Clone()
	out.ByDay = slices.Clone(days)
	return out
}

func (r Rule) WithByMonthDay(days ...int) Rule {
	out := r.Clone()
	out.ByMonthDay = slices.Clone(days)
	return out
}

func (r Rule) WithByMonth(months ...int) Rule {
	out := r.Clone()
	out.ByMonth = slices.Clone(months)
	return out
}

func (r Rule) WithWeekStart(d Weekday) Rule {
	out := r.Clone()
	out.WeekStart = &d
	return out
}

// IsNeverEnding reports whether the rule has neither COUNT nor UNTIL
func (r Rule) IsNeverEnding() bool {
	return r.Count == nil && r.Until == nil
}

// SameGeneration reports whether a and b place every occurrence at the same
// position. COUNT and UNTIL only cut the sequence short, so they are ignored.
func SameGeneration(a, b Rule) bool {
	if a.Frequency != b.Frequency || a.Interval != b.Interval {
		return false
	}
	if (a.WeekStart == nil) != (b.WeekStart == nil) || (a.WeekStart != nil && *a.WeekStart != *b.WeekStart) {
		return false
	}
	return slices.Equal(a.ByDay, b.ByDay) &&
		slices.Equal(a.ByMonthDay, b.ByMonthDay) &&
		slices.Equal(a.ByMonth, b.ByMonth)
}

// String renders the rule in RRULE-like form. UNTIL is printed as an RFC 3339
// instant and keeps its exclusive meaning, so the output is meant for logs and
// cache keys rather than for iCalendar files.
func (r Rule) String() string {
	var b strings.Builder
	b.WriteString("FREQ=")
	b.WriteString(r.Frequency.String())
	b.WriteString(";INTERVAL=")
	b.WriteString(strconv.Itoa(r.Interval))
	if r.WeekStart != nil {
		b.WriteString(";WKST=")
		b.WriteString(r.WeekStart.String())
	}
	if len(r.ByDay) > 0 {
		parts := make([]string, len(r.ByDay))
		for i, wd := range r.ByDay {
			parts[i] = wd.String()
		}
		b.WriteString(";BYDAY=")
		b.WriteString(strings.Join(parts, ","))
	}
	if len(r.ByMonthDay) > 0 {
		b.WriteString(";BYMONTHDAY=")
		b.WriteString(joinInts(r.ByMonthDay))
	}
	if len(r.ByMonth) > 0 {
		b.WriteString(";BYMONTH=")
		b.WriteString(joinInts(r.ByMonth))
	}
	if r.Count != nil {
		b.WriteString(";COUNT=")
		b.WriteString(strconv.Itoa(*r.Count))
	}
	if r.Until != nil {
		b.WriteString(";UNTIL=")
		b.WriteString(r.Until.UTC().Format(time.RFC3339Nano))
	}
	return b.String()
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
