package series

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"
)

// instanceNamespace seeds the name-based ids of rule-generated instances
var instanceNamespace = uuid.MustParse("6f1c2e9a-4b7d-5a38-9e21-0c5d8f3b7a64")

// InstanceID is the id of occurrence index of template templateID.
// The same inputs always give the same id.
func InstanceID(templateID string, index int) string {
	return uuid.NewSHA1(instanceNamespace, []byte(templateID+"/"+strconv.Itoa(index))).String()
}

// Plan partitions the instances of one window. It is a description only;
// nothing has been written.
type Plan struct {
	Create []*storage.Instance
	Update []*storage.Instance
	Retain []*storage.Instance
	Delete []*storage.Instance

	// Through is where the plan's coverage ends. It is the window end unless
	// the expansion hit the engine's occurrence cap, in which case it lies
	// just after the last candidate.
	Through time.Time
}

// Empty reports whether applying the plan would change nothing
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// AppendTo adds the plan's writes to cs
func (p Plan) AppendTo(cs *storage.ChangeSet) {
	for _, inst := range p.Delete {
		cs.DeleteInstances = append(cs.DeleteInstances, inst.ID)
	}
	cs.UpdateInstances = append(cs.UpdateInstances, p.Update...)
	cs.CreateInstances = append(cs.CreateInstances, p.Create...)
}

// Materializer diffs a template's expansion against persisted instances
type Materializer struct {
	engine *recurrence.Engine
}

func NewMaterializer(engine *recurrence.Engine) *Materializer {
	return &Materializer{engine: engine}
}

// Plan expands tpl over window and matches the candidates to existing by
// generation index:
//
//   - a candidate with no row becomes a Create
//   - exceptions and cancelled tombstones are always retained
//   - other rows are updated when their anchor or resolved fields drifted
//   - rows in window whose index the rule no longer produces are deleted,
//     as are extra rows sharing one index
//
// When the expansion is capped, window shrinks to end at Through and rows
// past it are left alone.
//
// existing should hold every row of the series: candidates match rows
// wherever they lie, but only rows inside window are ever deleted. anchor,
// when present, lets the expansion resume from a known occurrence instead of
// the series start.
// The result depends only on the arguments.
func (m *Materializer) Plan(tpl *storage.Template, existing []*storage.Instance, window storage.Window, anchor mo.Option[recurrence.Cursor]) (Plan, error) {
	plan := Plan{Through: window.End}

	rows := make([]*storage.Instance, 0, len(existing))
	for _, inst := range existing {
		if inst.TemplateID == tpl.ID {
			rows = append(rows, inst)
		}
	}
	slices.SortFunc(rows, compareRows)

	if !tpl.IsRecurring() {
		for _, inst := range rows {
			if inst.InWindow(window) {
				plan.Retain = append(plan.Retain, inst)
			}
		}
		return plan, nil
	}

	seriesStart, err := tpl.SeriesStart()
	if err != nil {
		return Plan{}, err
	}
	candidates, err := m.engine.Expand(*tpl.Rule, seriesStart, window, anchor)
	if err != nil {
		return Plan{}, fmt.Errorf("expand template %s: %w", tpl.ID, err)
	}
	if limit := m.engine.MaxOccurrences(); limit > 0 && len(candidates) >= limit {
		plan.Through = candidates[len(candidates)-1].Start.Add(time.Nanosecond)
		window.End = plan.Through
	}

	byIndex := make(map[int]*storage.Instance, len(rows))
	for _, inst := range rows {
		if _, dup := byIndex[inst.GenerationIndex]; dup {
			if !inst.InWindow(window) {
				continue
			}
			if inst.IsException || inst.Cancelled {
				plan.Retain = append(plan.Retain, inst)
			} else {
				plan.Delete = append(plan.Delete, inst)
			}
			continue
		}
		byIndex[inst.GenerationIndex] = inst
	}

	produced := make(map[int]struct{}, len(candidates))
	for _, c := range candidates {
		produced[c.Index] = struct{}{}
		desired := generate(tpl, c)

		cur, ok := byIndex[c.Index]
		switch {
		case !ok:
			plan.Create = append(plan.Create, desired)
		case cur.IsException || cur.Cancelled:
			plan.Retain = append(plan.Retain, cur)
		case drifted(tpl, cur, desired):
			upd := cur.Clone()
			upd.OriginalStart = desired.OriginalStart
			upd.RuleRevision = desired.RuleRevision
			snapshot(upd, Resolve(tpl, upd))
			plan.Update = append(plan.Update, upd)
		default:
			plan.Retain = append(plan.Retain, cur)
		}
	}

	for _, inst := range rows {
		if byIndex[inst.GenerationIndex] != inst || !inst.InWindow(window) {
			continue
		}
		if _, ok := produced[inst.GenerationIndex]; ok {
			continue
		}
		if inst.IsException || inst.Cancelled {
			plan.Retain = append(plan.Retain, inst)
			continue
		}
		plan.Delete = append(plan.Delete, inst)
	}

	slices.SortFunc(plan.Retain, compareRows)
	slices.SortFunc(plan.Delete, compareRows)
	return plan, nil
}

// generate builds the fresh row a candidate would become
func generate(tpl *storage.Template, c recurrence.Candidate) *storage.Instance {
	inst := &storage.Instance{
		ID:              InstanceID(tpl.ID, c.Index),
		TemplateID:      tpl.ID,
		GenerationIndex: c.Index,
		OriginalStart:   c.Start,
		RuleRevision:    tpl.RuleRevision,
	}
	snapshot(inst, Resolve(tpl, inst))
	return inst
}

func drifted(tpl *storage.Template, cur, desired *storage.Instance) bool {
	if !cur.OriginalStart.Equal(desired.OriginalStart) || cur.RuleRevision != desired.RuleRevision {
		return true
	}
	eff := Resolve(tpl, cur)
	return !cur.Start.Equal(eff.Start) ||
		!cur.End.Equal(eff.End) ||
		cur.Title != eff.Title ||
		cur.Description != eff.Description ||
		cur.Location != eff.Location
}

// compareRows puts tombstones and exceptions first within an index so that
// they win the slot over plain duplicates
func compareRows(a, b *storage.Instance) int {
	if c := cmp.Compare(a.GenerationIndex, b.GenerationIndex); c != 0 {
		return c
	}
	if c := cmp.Compare(rank(a), rank(b)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func rank(inst *storage.Instance) int {
	switch {
	case inst.Cancelled:
		return 0
	case inst.IsException:
		return 1
	default:
		return 2
	}
}
