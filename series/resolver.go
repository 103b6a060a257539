package series

import (
	"time"

	"github.com/cyp0633/libseries/storage"
)

// ClockLayout is the layout of start_time and end_time overrides
const ClockLayout = "15:04"

// EffectiveOccurrence is what a caller sees for one instance after overrides
// have been applied to the template's base values.
type EffectiveOccurrence struct {
	InstanceID      string    `json:"instanceId"`
	TemplateID      string    `json:"templateId,omitempty"`
	GenerationIndex int       `json:"generationIndex,omitempty"`
	OriginalStart   time.Time `json:"originalStart"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location,omitempty"`
	IsException     bool      `json:"isException,omitempty"`
	Cancelled       bool      `json:"cancelled,omitempty"`
}

// Resolve merges tpl's base fields with inst's overrides. It never fails:
// malformed overrides are ignored and the base value is used. A nil template
// resolves a standalone instance to its own fields.
func Resolve(tpl *storage.Template, inst *storage.Instance) EffectiveOccurrence {
	eff := EffectiveOccurrence{
		InstanceID:      inst.ID,
		TemplateID:      inst.TemplateID,
		GenerationIndex: inst.GenerationIndex,
		OriginalStart:   inst.OriginalStart,
		IsException:     inst.IsException,
		Cancelled:       inst.Cancelled,
	}
	if tpl == nil {
		eff.Start, eff.End = inst.Start, inst.End
		eff.Title, eff.Description, eff.Location = inst.Title, inst.Description, inst.Location
		return eff
	}

	loc, err := tpl.TimeLocation()
	if err != nil {
		loc = inst.OriginalStart.Location()
	}
	anchor := inst.OriginalStart.In(loc)
	duration := tpl.Duration()

	eff.Start = anchor
	if v, ok := inst.Overrides.Get(storage.FieldStartTime).Get(); ok {
		if t, ok := onDate(anchor, v, 0, loc); ok {
			eff.Start = t
		}
	}

	eff.End = anchor.Add(duration)
	if v, ok := inst.Overrides.Get(storage.FieldEndTime).Get(); ok {
		if t, ok := onDate(anchor, v, endDayOffset(tpl, loc), loc); ok {
			eff.End = t
		}
	}
	if !eff.End.After(eff.Start) {
		eff.End = eff.Start.Add(duration)
	}

	eff.Title = inst.Overrides.Get(storage.FieldTitle).OrElse(tpl.Title)
	eff.Description = inst.Overrides.Get(storage.FieldDescription).OrElse(tpl.Description)
	eff.Location = inst.Overrides.Get(storage.FieldLocation).OrElse(tpl.Location)
	return eff
}

// ValidateOverrides checks that every field is overridable and every clock
// value parses.
func ValidateOverrides(o storage.Overrides) error {
	for _, f := range storage.OverridableFields {
		v, ok := o[f]
		if !ok {
			continue
		}
		if f == storage.FieldStartTime || f == storage.FieldEndTime {
			if _, err := time.Parse(ClockLayout, v); err != nil {
				return &InvalidOverrideError{Field: string(f), Value: v}
			}
		}
	}
	for f, v := range o {
		if !f.Valid() {
			return &InvalidOverrideError{Field: string(f), Value: v}
		}
	}
	return nil
}

// onDate places the clock time v on day's calendar date plus offset days
func onDate(day time.Time, v string, offset int, loc *time.Location) (time.Time, bool) {
	clock, err := time.Parse(ClockLayout, v)
	if err != nil {
		return time.Time{}, false
	}
	y, m, d := day.Date()
	return time.Date(y, m, d+offset, clock.Hour(), clock.Minute(), 0, 0, loc), true
}

// endDayOffset is how many calendar days after its start the template's
// first occurrence ends
func endDayOffset(tpl *storage.Template, loc *time.Location) int {
	sy, sm, sd := tpl.StartAt.In(loc).Date()
	ey, em, ed := tpl.EndAt.In(loc).Date()
	start := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}

// snapshot copies the resolved fields onto inst
func snapshot(inst *storage.Instance, eff EffectiveOccurrence) {
	inst.Start = eff.Start
	inst.End = eff.End
	inst.Title = eff.Title
	inst.Description = eff.Description
	inst.Location = eff.Location
}
