package recurrence

import (
	"fmt"
	"slices"
)

// daysInMonth allows Feb 29 since leap years do occur
var daysInMonth = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// Validate checks a rule before any expansion and returns the first violation
// as an *InvalidRuleError. It never corrects the rule.
func Validate(r Rule) error {
	if !r.Frequency.Valid() {
		return &InvalidRuleError{Field: FieldFrequency, Reason: fmt.Sprintf("unknown frequency %d", int(r.Frequency))}
	}
	if r.Interval < 1 {
		return &InvalidRuleError{Field: FieldInterval, Reason: "recurrence interval must be at least 1"}
	}
	if r.Count != nil && r.Until != nil {
		return &InvalidRuleError{Field: FieldCount, Reason: "count and until are mutually exclusive"}
	}
	if r.Count != nil && *r.Count < 1 {
		return &InvalidRuleError{Field: FieldCount, Reason: "recurrence count must be at least 1"}
	}
	if r.Frequency == Weekly && r.Interval > 1 && r.WeekStart == nil {
		return &InvalidRuleError{Field: FieldWeekStart, Reason: "weekly rules with interval > 1 need a week start"}
	}
	if r.WeekStart != nil && !r.WeekStart.valid() {
		return &InvalidRuleError{Field: FieldWeekStart, Reason: fmt.Sprintf("invalid week start %d", int(*r.WeekStart))}
	}
	if len(r.ByMonthDay) > 0 {
		if r.Frequency != Monthly && r.Frequency != Yearly {
			return &InvalidRuleError{Field: FieldByMonthDay, Reason: "byMonthDay requires MONTHLY or YEARLY frequency"}
		}
		for _, d := range r.ByMonthDay {
			if d < 1 || d > 31 {
				return &InvalidRuleError{Field: FieldByMonthDay, Reason: fmt.Sprintf("invalid month day: %d", d)}
			}
		}
	}
	for _, wd := range r.ByDay {
		if !wd.Day.valid() {
			return &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("invalid day code: %d", int(wd.Day))}
		}
		if wd.N == 0 {
			continue
		}
		switch r.Frequency {
		case Monthly:
			if wd.N < -5 || wd.N > 5 {
				return &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("ordinal out of range: %s", wd)}
			}
		case Yearly:
			if wd.N < -53 || wd.N > 53 {
				return &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("ordinal out of range: %s", wd)}
			}
		case Daily, Weekly:
			return &InvalidRuleError{Field: FieldByDay, Reason: fmt.Sprintf("ordinal %s requires MONTHLY or YEARLY frequency", wd)}
		}
	}
	for _, m := range r.ByMonth {
		if m < 1 || m > 12 {
			return &InvalidRuleError{Field: FieldByMonth, Reason: fmt.Sprintf("invalid month: %d", m)}
		}
	}
	if len(r.ByMonth) > 0 && len(r.ByMonthDay) > 0 && !anyRealDate(r.ByMonth, r.ByMonthDay) {
		return &InvalidRuleError{Field: FieldByMonthDay, Reason: "no month in byMonth has any of the byMonthDay days"}
	}
	return nil
}

func anyRealDate(months, days []int) bool {
	smallest := slices.Min(days)
	for _, m := range months {
		if smallest <= daysInMonth[m] {
			return true
		}
	}
	return false
}
