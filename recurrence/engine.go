package recurrence

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
	"golang.org/x/sync/singleflight"
)

// Engine turns rules into candidate occurrence start times
type Engine struct {
	cache  *RecurrenceCache
	group  singleflight.Group
	config EngineConfig
	logger *slog.Logger
}

// NewEngine creates an engine with DefaultEngineConfig
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig)
}

// SetLogger replaces the engine logger. A nil logger restores slog.Default().
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Close releases the expansion cache, if any
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// MaxOccurrences is the most candidates one expansion returns, 0 if unlimited
func (e *Engine) MaxOccurrences() int {
	return e.config.MaxOccurrences
}

// Occurrences returns the lazy sequence of candidates that rule produces inside
// window. Counting starts at seriesStart (or at the cursor, when given), so
// COUNT applies to the whole series and not to the window. UNTIL is exclusive.
//
// The returned sequence is a pure function of the arguments: ranging over it
// twice yields the same candidates.
func (e *Engine) Occurrences(rule Rule, seriesStart time.Time, window Window, from mo.Option[Cursor]) (iter.Seq[Candidate], error) {
	if window.End.Before(window.Start) {
		return nil, ErrInvalidWindow
	}
	all, err := e.series(rule, seriesStart, from)
	if err != nil {
		return nil, err
	}

	limit := e.config.MaxOccurrences
	return func(yield func(Candidate) bool) {
		emitted := 0
		for c := range all {
			if !c.Start.Before(window.End) {
				return
			}
			if c.Start.Before(window.Start) {
				continue
			}
			if limit > 0 && emitted >= limit {
				e.logger.Warn("recurrence expansion truncated",
					"rule", rule.String(),
					"limit", limit,
					"window_start", window.Start,
					"window_end", window.End)
				return
			}
			if !yield(c) {
				return
			}
			emitted++
		}
	}, nil
}

// Nth returns the start of occurrence index of rule. ok is false when the
// rule ends before reaching it. Nothing is collected, so MaxOccurrences does
// not apply.
func (e *Engine) Nth(rule Rule, seriesStart time.Time, index int, from mo.Option[Cursor]) (_ time.Time, ok bool, err error) {
	all, err := e.series(rule, seriesStart, from)
	if err != nil {
		return time.Time{}, false, err
	}
	for c := range all {
		if c.Index > index {
			break
		}
		if c.Index == index {
			return c.Start, true, nil
		}
	}
	return time.Time{}, false, nil
}

// series is every candidate of rule from the cursor on, bounded only by
// COUNT and UNTIL
func (e *Engine) series(rule Rule, seriesStart time.Time, from mo.Option[Cursor]) (iter.Seq[Candidate], error) {
	// Validation normally ran already; this catches rules that skipped it.
	if err := Validate(rule); err != nil {
		return nil, err
	}

	start, index := seriesStart, 1
	if c, ok := from.Get(); ok {
		if c.Index < 1 || c.Start.Before(seriesStart) {
			return nil, fmt.Errorf("cursor %d@%s does not belong to series starting %s",
				c.Index, c.Start.Format(time.RFC3339), seriesStart.Format(time.RFC3339))
		}
		start, index = c.Start, c.Index
	}

	rr, err := rrule.NewRRule(ToROption(rule, start))
	if err != nil {
		return nil, &InvalidRuleError{Field: FieldFrequency, Reason: err.Error()}
	}

	return func(yield func(Candidate) bool) {
		next := rr.Iterator()
		for i := index; ; i++ {
			if rule.Count != nil && i > *rule.Count {
				return
			}
			t, ok := next()
			if !ok {
				return
			}
			if rule.Until != nil && !t.Before(*rule.Until) {
				return
			}
			if !yield(Candidate{Index: i, Start: t}) {
				return
			}
		}
	}, nil
}

// Expand collects Occurrences into a slice. Results are cached when the engine
// has a cache, and concurrent identical expansions share one computation.
func (e *Engine) Expand(rule Rule, seriesStart time.Time, window Window, from mo.Option[Cursor]) ([]Candidate, error) {
	if e.cache == nil {
		return e.expand(rule, seriesStart, window, from)
	}

	key := e.cache.generateCacheKey("expand", rule, seriesStart, window, from)
	if cached, ok := e.cache.Get(key); ok {
		return slices.Clone(cached), nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		out, err := e.expand(rule, seriesStart, window, from)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, out)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Candidate)), nil
}

func (e *Engine) expand(rule Rule, seriesStart time.Time, window Window, from mo.Option[Cursor]) ([]Candidate, error) {
	seq, err := e.Occurrences(rule, seriesStart, window, from)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0)
	for c := range seq {
		out = append(out, c)
	}
	return out, nil
}

// ToROption converts a rule into rrule-go options anchored at dtstart.
// COUNT and UNTIL are left out: the engine enforces them itself because UNTIL
// is exclusive here and inclusive in RFC 5545.
func ToROption(rule Rule, dtstart time.Time) rrule.ROption {
	opt := rrule.ROption{
		Freq:       toRRuleFrequency(rule.Frequency),
		Dtstart:    dtstart,
		Interval:   rule.Interval,
		Wkst:       rrule.MO,
		Bymonthday: slices.Clone(rule.ByMonthDay),
		Bymonth:    slices.Clone(rule.ByMonth),
	}
	if rule.WeekStart != nil {
		opt.Wkst = toRRuleWeekday(*rule.WeekStart)
	}
	for _, wd := range rule.ByDay {
		d := toRRuleWeekday(wd.Day)
		if wd.N != 0 {
			d = d.Nth(wd.N)
		}
		opt.Byweekday = append(opt.Byweekday, d)
	}
	return opt
}

func toRRuleFrequency(f Frequency) rrule.Frequency {
	switch f {
	case Daily:
		return rrule.DAILY
	case Weekly:
		return rrule.WEEKLY
	case Monthly:
		return rrule.MONTHLY
	case Yearly:
		return rrule.YEARLY
	default:
		// Validate rejects unknown frequencies before we get here.
		panic(fmt.Sprintf("recurrence: unknown frequency %d", int(f)))
	}
}

func toRRuleWeekday(d Weekday) rrule.Weekday {
	switch time.Weekday(d) {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}
