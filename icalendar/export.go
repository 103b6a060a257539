// Package icalendar converts series to and from iCalendar (RFC 5545) and
// writes the xCal (RFC 6321) XML form.
package icalendar

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// ProductID is the PRODID of every calendar this package writes
const ProductID = "-//libseries//Series Export//EN"

// Series is one template together with its stored instances
type Series struct {
	Template  *storage.Template
	Instances []*storage.Instance
}

// Export is the content of one calendar object
type Export struct {
	Series     []Series
	Standalone []*storage.Instance

	// Stamp is written as DTSTAMP. Zero means now.
	Stamp time.Time
}

// Encode writes e as an iCalendar stream
func Encode(w io.Writer, e Export) error {
	cal, err := Build(e)
	if err != nil {
		return err
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}

// Build turns e into a VCALENDAR.
//
// Each recurring template becomes a master VEVENT with RRULE. Cancelled
// occurrences are listed as EXDATE, and every other exception becomes its own
// VEVENT with a RECURRENCE-ID. Templates whose rule was cleared are skipped;
// the event they were converted into is exported with the standalone events.
func Build(e Export) (*ical.Calendar, error) {
	stamp := e.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	stamp = stamp.UTC()

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)

	for _, s := range e.Series {
		if !s.Template.IsRecurring() {
			continue
		}
		events, err := seriesEvents(s, stamp)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", s.Template.ID, err)
		}
		for _, ev := range events {
			cal.Children = append(cal.Children, ev.Component)
		}
	}
	for _, inst := range e.Standalone {
		ev := ical.NewEvent()
		ev.Props.SetText(ical.PropUID, inst.ID)
		ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
		setOccurrence(ev, series.Resolve(nil, inst), inst.Start.Location())
		cal.Children = append(cal.Children, ev.Component)
	}
	return cal, nil
}

func seriesEvents(s Series, stamp time.Time) ([]*ical.Event, error) {
	tpl := s.Template
	loc, err := tpl.TimeLocation()
	if err != nil {
		return nil, err
	}
	start, err := tpl.SeriesStart()
	if err != nil {
		return nil, err
	}

	master := ical.NewEvent()
	master.Props.SetText(ical.PropUID, tpl.ID)
	master.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	master.Props.SetDateTime(ical.PropDateTimeStart, start)
	master.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(tpl.Duration()))
	setText(master, ical.PropSummary, tpl.Title)
	setText(master, ical.PropDescription, tpl.Description)
	setText(master, ical.PropLocation, tpl.Location)
	setSequence(master, tpl.RuleRevision)

	opt := ROption(*tpl.Rule, start)
	master.Props.SetRecurrenceRule(&opt)

	events := []*ical.Event{master}
	for _, inst := range s.Instances {
		if inst.TemplateID != tpl.ID || !inst.IsException {
			continue
		}
		if inst.Cancelled {
			exdate := ical.NewProp(ical.PropExceptionDates)
			exdate.SetDateTime(inst.OriginalStart.In(loc))
			master.Props.Add(exdate)
			continue
		}

		ev := ical.NewEvent()
		ev.Props.SetText(ical.PropUID, tpl.ID)
		ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
		ev.Props.SetDateTime(ical.PropRecurrenceID, inst.OriginalStart.In(loc))
		setOccurrence(ev, series.Resolve(tpl, inst), loc)
		setSequence(ev, tpl.RuleRevision)
		events = append(events, ev)
	}
	return events, nil
}

// ROption is the RFC 5545 form of rule anchored at dtstart. The exclusive
// Until becomes an inclusive UNTIL one second earlier.
func ROption(rule recurrence.Rule, dtstart time.Time) rrule.ROption {
	opt := recurrence.ToROption(rule, dtstart)
	if rule.Count != nil {
		opt.Count = *rule.Count
	}
	if rule.Until != nil {
		opt.Until = rule.Until.Add(-time.Second).UTC()
	}
	return opt
}

func setOccurrence(ev *ical.Event, eff series.EffectiveOccurrence, loc *time.Location) {
	ev.Props.SetDateTime(ical.PropDateTimeStart, eff.Start.In(loc))
	ev.Props.SetDateTime(ical.PropDateTimeEnd, eff.End.In(loc))
	setText(ev, ical.PropSummary, eff.Title)
	setText(ev, ical.PropDescription, eff.Description)
	setText(ev, ical.PropLocation, eff.Location)
}

func setText(ev *ical.Event, name, value string) {
	if value != "" {
		ev.Props.SetText(name, value)
	}
}

func setSequence(ev *ical.Event, n int) {
	if n == 0 {
		return
	}
	prop := ical.NewProp(ical.PropSequence)
	prop.Value = strconv.Itoa(n)
	ev.Props.Set(prop)
}
