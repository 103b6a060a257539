package icalendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// ErrUnsupportedRule is returned for RRULE parts a template cannot hold, such
// as FREQ=HOURLY or BYSETPOS
var ErrUnsupportedRule = errors.New("unsupported recurrence rule")

// Exception is one overridden or cancelled occurrence read from a
// RECURRENCE-ID event or an EXDATE
type Exception = series.Exception

// ImportedSeries is a template read from a master VEVENT, plus its exceptions
type ImportedSeries struct {
	Template   *storage.Template
	Exceptions []Exception
}

// Imported holds everything read from an iCalendar stream
type Imported struct {
	Series     []*ImportedSeries
	Standalone []*storage.Instance
}

// Decode reads every VCALENDAR in r. Events with a RECURRENCE-ID whose UID
// matches no master event are dropped.
func Decode(r io.Reader) (*Imported, error) {
	out := &Imported{}
	dec := ical.NewDecoder(r)
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode calendar: %w", err)
		}
		if err := out.add(cal); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (imp *Imported) add(cal *ical.Calendar) error {
	events := cal.Events()
	masters := make(map[string]*ImportedSeries)

	for _, ev := range events {
		if ev.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		uid, err := ev.Props.Text(ical.PropUID)
		if err != nil || uid == "" {
			return errors.New("event without UID")
		}

		opt, err := ev.Props.RecurrenceRule()
		if err != nil {
			return fmt.Errorf("event %s: parse RRULE: %w", uid, err)
		}
		start, end, err := eventTimes(ev.Component)
		if err != nil {
			return fmt.Errorf("event %s: %w", uid, err)
		}

		if opt == nil {
			imp.Standalone = append(imp.Standalone, &storage.Instance{
				ID:            uid,
				OriginalStart: start,
				Start:         start,
				End:           end,
				Title:         text(ev.Component, ical.PropSummary),
				Description:   text(ev.Component, ical.PropDescription),
				Location:      text(ev.Component, ical.PropLocation),
			})
			continue
		}

		rule, err := RuleFromROption(*opt)
		if err != nil {
			return fmt.Errorf("event %s: %w", uid, err)
		}
		tpl := &storage.Template{
			ID:          uid,
			Title:       text(ev.Component, ical.PropSummary),
			Description: text(ev.Component, ical.PropDescription),
			Location:    text(ev.Component, ical.PropLocation),
			StartAt:     start,
			EndAt:       end,
			TimeZone:    start.Location().String(),
			Rule:        &rule,
		}
		s := &ImportedSeries{Template: tpl}

		exdates, err := exceptionDates(ev.Component, start.Location())
		if err != nil {
			return fmt.Errorf("event %s: %w", uid, err)
		}
		for _, t := range exdates {
			s.Exceptions = append(s.Exceptions, Exception{OriginalStart: t, Cancelled: true})
		}

		masters[uid] = s
		imp.Series = append(imp.Series, s)
	}

	for _, ev := range events {
		prop := ev.Props.Get(ical.PropRecurrenceID)
		if prop == nil {
			continue
		}
		uid, _ := ev.Props.Text(ical.PropUID)
		s, ok := masters[uid]
		if !ok {
			continue
		}
		loc := s.Template.StartAt.Location()
		orig, err := prop.DateTime(loc)
		if err != nil {
			return fmt.Errorf("event %s: parse RECURRENCE-ID: %w", uid, err)
		}
		ex, err := exceptionFrom(s.Template, ev.Component, orig.In(loc))
		if err != nil {
			return fmt.Errorf("event %s: %w", uid, err)
		}
		s.Exceptions = append(s.Exceptions, ex)
	}
	return nil
}

// exceptionFrom expresses an overridden occurrence as field overrides on the
// template. Only the time of day of a moved occurrence is kept; a move to
// another date cannot be represented.
func exceptionFrom(tpl *storage.Template, comp *ical.Component, orig time.Time) (Exception, error) {
	ex := Exception{OriginalStart: orig}
	if status, _ := comp.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		ex.Cancelled = true
		return ex, nil
	}

	start, end, err := eventTimes(comp)
	if err != nil {
		return ex, err
	}
	base := series.Resolve(tpl, &storage.Instance{
		TemplateID:    tpl.ID,
		OriginalStart: orig,
	})

	loc := orig.Location()
	overrides := storage.Overrides{}
	if !start.Equal(base.Start) {
		overrides[storage.FieldStartTime] = start.In(loc).Format(series.ClockLayout)
	}
	if !end.Equal(base.End) {
		overrides[storage.FieldEndTime] = end.In(loc).Format(series.ClockLayout)
	}
	for field, prop := range map[storage.Field]string{
		storage.FieldTitle:       ical.PropSummary,
		storage.FieldDescription: ical.PropDescription,
		storage.FieldLocation:    ical.PropLocation,
	} {
		if comp.Props.Get(prop) == nil {
			continue
		}
		if v := text(comp, prop); v != textField(base, field) {
			overrides[field] = v
		}
	}
	if len(overrides) > 0 {
		ex.Overrides = overrides
	}
	return ex, nil
}

// RuleFromROption converts a parsed RRULE. UNTIL is inclusive in RFC 5545 and
// exclusive in a Rule, so one second is added to it.
func RuleFromROption(opt rrule.ROption) (recurrence.Rule, error) {
	var freq recurrence.Frequency
	switch opt.Freq {
	case rrule.DAILY:
		freq = recurrence.Daily
	case rrule.WEEKLY:
		freq = recurrence.Weekly
	case rrule.MONTHLY:
		freq = recurrence.Monthly
	case rrule.YEARLY:
		freq = recurrence.Yearly
	default:
		return recurrence.Rule{}, fmt.Errorf("%w: FREQ=%v", ErrUnsupportedRule, opt.Freq)
	}
	switch {
	case len(opt.Bysetpos) > 0:
		return recurrence.Rule{}, fmt.Errorf("%w: BYSETPOS", ErrUnsupportedRule)
	case len(opt.Byyearday) > 0:
		return recurrence.Rule{}, fmt.Errorf("%w: BYYEARDAY", ErrUnsupportedRule)
	case len(opt.Byweekno) > 0:
		return recurrence.Rule{}, fmt.Errorf("%w: BYWEEKNO", ErrUnsupportedRule)
	case len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0:
		return recurrence.Rule{}, fmt.Errorf("%w: time-of-day BY parts", ErrUnsupportedRule)
	case len(opt.Byeaster) > 0:
		return recurrence.Rule{}, fmt.Errorf("%w: BYEASTER", ErrUnsupportedRule)
	}

	rule := recurrence.NewRule(freq)
	if opt.Interval > 0 {
		rule.Interval = opt.Interval
	}
	switch {
	case opt.Count > 0:
		rule = rule.WithCount(opt.Count)
	case !opt.Until.IsZero():
		rule = rule.WithUntil(opt.Until.Add(time.Second))
	}
	for _, wd := range opt.Byweekday {
		rule.ByDay = append(rule.ByDay, recurrence.WeekdayNum{Day: fromRRuleDay(wd.Day()), N: wd.N()})
	}
	rule.ByMonthDay = append(rule.ByMonthDay, opt.Bymonthday...)
	rule.ByMonth = append(rule.ByMonth, opt.Bymonth...)
	if wkst := fromRRuleDay(opt.Wkst.Day()); wkst != recurrence.Weekday(time.Monday) || (freq == recurrence.Weekly && rule.Interval > 1) {
		rule = rule.WithWeekStart(wkst)
	}

	if err := recurrence.Validate(rule); err != nil {
		return recurrence.Rule{}, err
	}
	return rule, nil
}

// fromRRuleDay maps rrule-go's Monday-based day number to a Weekday
func fromRRuleDay(d int) recurrence.Weekday {
	return recurrence.Weekday((d + 1) % 7)
}

// eventTimes reads DTSTART and the end of an event. The end comes from DTEND,
// else DURATION, else one day for all-day events and zero length otherwise.
func eventTimes(comp *ical.Component) (start, end time.Time, err error) {
	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return start, end, errors.New("missing DTSTART")
	}
	start, err = dtstart.DateTime(time.UTC)
	if err != nil {
		return start, end, fmt.Errorf("parse DTSTART: %w", err)
	}
	allDay := dtstart.ValueType() == ical.ValueDate

	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		end, err = dtend.DateTime(start.Location())
		if err != nil {
			return start, end, fmt.Errorf("parse DTEND: %w", err)
		}
		if allDay && !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	} else if dur := comp.Props.Get(ical.PropDuration); dur != nil {
		d, err := dur.Duration()
		if err != nil {
			return start, end, fmt.Errorf("parse DURATION: %w", err)
		}
		end = start.Add(d)
	} else if allDay {
		end = start.AddDate(0, 0, 1)
	} else {
		end = start
	}

	if !end.After(start) {
		// templates need a positive length
		end = start.Add(time.Minute)
	}
	return start, end, nil
}

// exceptionDates reads every EXDATE of comp. One property may carry several
// comma-separated values.
func exceptionDates(comp *ical.Component, loc *time.Location) ([]time.Time, error) {
	var out []time.Time
	for _, prop := range comp.Props[ical.PropExceptionDates] {
		for _, v := range strings.Split(prop.Value, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			one := prop
			one.Value = v
			t, err := one.DateTime(loc)
			if err != nil {
				return nil, fmt.Errorf("parse EXDATE %q: %w", v, err)
			}
			out = append(out, t.In(loc))
		}
	}
	return out, nil
}

func textField(eff series.EffectiveOccurrence, f storage.Field) string {
	switch f {
	case storage.FieldTitle:
		return eff.Title
	case storage.FieldDescription:
		return eff.Description
	default:
		return eff.Location
	}
}

func text(comp *ical.Component, name string) string {
	v, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

// Apply creates the series through c, materializing window, together with
// its exceptions in a single write. Exceptions outside the materialized window
// are skipped and counted in the second return value.
func (s *ImportedSeries) Apply(ctx context.Context, c *series.Coordinator, window storage.Window) (*storage.Template, int, error) {
	return c.ImportTemplate(ctx, s.Template, window, s.Exceptions)
}

// ApplyResult counts what Imported.Apply wrote
type ApplyResult struct {
	Series     int
	Standalone int
	// Skipped counts exceptions outside the materialized window
	Skipped int
}

// Apply writes every series and standalone event through c. Series are
// materialized from their first occurrence up to horizon. Each series is
// written atomically; a failure leaves the series and events written before
// it in place.
func (imp *Imported) Apply(ctx context.Context, c *series.Coordinator, horizon time.Time) (ApplyResult, error) {
	var res ApplyResult
	for _, s := range imp.Series {
		end := horizon
		if end.Before(s.Template.StartAt) {
			end = s.Template.StartAt
		}
		_, skipped, err := s.Apply(ctx, c, storage.Window{Start: s.Template.StartAt, End: end})
		res.Skipped += skipped
		if err != nil {
			return res, fmt.Errorf("import series %s: %w", s.Template.ID, err)
		}
		res.Series++
	}
	for _, inst := range imp.Standalone {
		if _, err := c.CreateStandaloneEvent(ctx, inst); err != nil {
			return res, fmt.Errorf("import event %s: %w", inst.ID, err)
		}
		res.Standalone++
	}
	return res, nil
}
