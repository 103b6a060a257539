package storage

import (
	"fmt"
	"maps"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/samber/mo"
)

// Window is a half-open time range [Start, End)
type Window = recurrence.Window

// Field names an instance property that may be overridden per occurrence
type Field string

const (
	FieldStartTime   Field = "start_time"
	FieldEndTime     Field = "end_time"
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldLocation    Field = "location"
)

// OverridableFields lists every Field in a stable order
var OverridableFields = []Field{FieldStartTime, FieldEndTime, FieldTitle, FieldDescription, FieldLocation}

// Valid reports whether f is one of OverridableFields
func (f Field) Valid() bool {
	switch f {
	case FieldStartTime, FieldEndTime, FieldTitle, FieldDescription, FieldLocation:
		return true
	default:
		return false
	}
}

// Overrides maps a field to its replacement value. Times use the "15:04"
// local time-of-day layout.
type Overrides map[Field]string

// Get returns the override for f, if any
func (o Overrides) Get(f Field) mo.Option[string] {
	v, ok := o[f]
	if !ok {
		return mo.None[string]()
	}
	return mo.Some(v)
}

func (o Overrides) Clone() Overrides {
	if o == nil {
		return nil
	}
	return maps.Clone(o)
}

// Template is the stored definition of a recurring series.
// StartAt and EndAt describe the first occurrence: its date, its time of day
// and the duration every occurrence inherits.
type Template struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	StartAt  time.Time `json:"startAt"`
	EndAt    time.Time `json:"endAt"`
	TimeZone string    `json:"timeZone,omitempty"`

	// Rule is nil once recurrence has been cleared
	Rule         *recurrence.Rule `json:"rule,omitempty"`
	RuleRevision int              `json:"ruleRevision"`

	RecurrenceRuleEndDate     *time.Time `json:"recurrenceRuleEndDate,omitempty"`
	BaseRecurringEventEndDate *time.Time `json:"baseRecurringEventEndDate,omitempty"`

	MaterializedThrough time.Time `json:"materializedThrough"`
	// RetainedFrom is the retention cutoff; nothing before it is regenerated
	RetainedFrom time.Time `json:"retainedFrom,omitempty"`
	// Truncated is set when Rule.Until came from a this-and-following cut
	Truncated   bool   `json:"truncated,omitempty"`
	ConvertedTo string `json:"convertedTo,omitempty"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// IsRecurring reports whether the template still carries a rule
func (t *Template) IsRecurring() bool {
	return t.Rule != nil
}

// Duration is the length every occurrence inherits
func (t *Template) Duration() time.Duration {
	return t.EndAt.Sub(t.StartAt)
}

// TimeLocation resolves TimeZone, falling back to StartAt's own location
func (t *Template) TimeLocation() (*time.Location, error) {
	if t.TimeZone == "" {
		return t.StartAt.Location(), nil
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", t.ID, err)
	}
	return loc, nil
}

// SeriesStart is StartAt expressed in the template's time zone, which is the
// anchor the expander needs to keep wall-clock times across DST changes.
func (t *Template) SeriesStart() (time.Time, error) {
	loc, err := t.TimeLocation()
	if err != nil {
		return time.Time{}, err
	}
	return t.StartAt.In(loc), nil
}

func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	if t.Rule != nil {
		r := t.Rule.Clone()
		out.Rule = &r
	}
	out.RecurrenceRuleEndDate = cloneTime(t.RecurrenceRuleEndDate)
	out.BaseRecurringEventEndDate = cloneTime(t.BaseRecurringEventEndDate)
	return &out
}

// Instance is one concrete occurrence. Rule-generated instances keep the
// template link and their generation index; standalone ones have neither.
type Instance struct {
	ID         string `json:"id"`
	TemplateID string `json:"templateId,omitempty"`
	// GenerationIndex is the 1-based position in the rule's full sequence
	GenerationIndex int       `json:"generationIndex,omitempty"`
	OriginalStart   time.Time `json:"originalStart"`
	RuleRevision    int       `json:"ruleRevision,omitempty"`

	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`

	Overrides   Overrides `json:"overrides,omitempty"`
	IsException bool      `json:"isException,omitempty"`
	// Cancelled marks a deleted occurrence that must not be regenerated
	Cancelled bool `json:"cancelled,omitempty"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// IsStandalone reports whether the instance has no template
func (i *Instance) IsStandalone() bool {
	return i.TemplateID == ""
}

func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Overrides = i.Overrides.Clone()
	return &out
}

// ChangeSet is one atomic batch of writes. Stores apply it in the order
// deletes, updates, creates, template puts, template deletes.
type ChangeSet struct {
	DeleteInstances []string
	UpdateInstances []*Instance
	CreateInstances []*Instance
	PutTemplates    []*Template
	DeleteTemplates []string
}

// Empty reports whether applying c would change nothing
func (c *ChangeSet) Empty() bool {
	return len(c.DeleteInstances) == 0 &&
		len(c.UpdateInstances) == 0 &&
		len(c.CreateInstances) == 0 &&
		len(c.PutTemplates) == 0 &&
		len(c.DeleteTemplates) == 0
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
