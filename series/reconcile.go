package series

import (
	"time"

	"github.com/cyp0633/libseries/storage"
)

// ReconcileEndDates returns a copy of updated whose RecurrenceRuleEndDate and
// BaseRecurringEventEndDate agree, with the rule's Until following them.
//
// stored is the row before the write, or nil when creating. On create the
// rule's Until is the source of truth. On update the end date the caller
// changed wins; when neither or both changed, RecurrenceRuleEndDate wins. A
// caller who only edited Rule.Until gets that value.
//
// Imposing an end date drops the rule's Count. Clearing it clears Until and
// keeps Count.
func ReconcileEndDates(stored, updated *storage.Template) *storage.Template {
	out := updated.Clone()

	var winner *time.Time
	if stored == nil {
		winner = firstSet(until(out), out.RecurrenceRuleEndDate, out.BaseRecurringEventEndDate)
	} else {
		ruleChanged := !sameTime(stored.RecurrenceRuleEndDate, out.RecurrenceRuleEndDate)
		baseChanged := !sameTime(stored.BaseRecurringEventEndDate, out.BaseRecurringEventEndDate)
		untilChanged := !sameTime(until(stored), until(out))

		switch {
		case baseChanged && !ruleChanged:
			winner = out.BaseRecurringEventEndDate
		case ruleChanged:
			winner = out.RecurrenceRuleEndDate
		case untilChanged:
			winner = until(out)
		default:
			winner = firstSet(out.RecurrenceRuleEndDate, out.BaseRecurringEventEndDate, until(out))
		}
	}

	out.RecurrenceRuleEndDate = copyTime(winner)
	out.BaseRecurringEventEndDate = copyTime(winner)
	if out.Rule != nil {
		if winner != nil {
			out.Rule.Until = copyTime(winner)
			out.Rule.Count = nil
		} else {
			out.Rule.Until = nil
		}
	}
	return out
}

// EndDatesInSync reports whether both end dates are nil or both equal
func EndDatesInSync(tpl *storage.Template) bool {
	return sameTime(tpl.RecurrenceRuleEndDate, tpl.BaseRecurringEventEndDate)
}

func until(tpl *storage.Template) *time.Time {
	if tpl.Rule == nil {
		return nil
	}
	return tpl.Rule.Until
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func firstSet(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
