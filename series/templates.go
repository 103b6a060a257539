package series

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"
	"go.opentelemetry.io/otel/attribute"
)

// CreateTemplate stores a new series and materializes window.
// An empty ID is filled with a time-ordered UUID.
func (c *Coordinator) CreateTemplate(ctx context.Context, tpl *storage.Template, window storage.Window) (_ *storage.Template, err error) {
	const op = "CreateTemplate"
	ctx, done := startOp(ctx, op)
	defer func() { done(err) }()

	out, _, err := c.createTemplate(ctx, op, tpl, window, nil)
	return out, err
}

// Exception is an overridden or cancelled occurrence that ImportTemplate
// applies while creating a series. It matches the candidate whose original
// start equals OriginalStart.
type Exception struct {
	OriginalStart time.Time
	Overrides     storage.Overrides
	Cancelled     bool
}

// ImportTemplate is CreateTemplate for a series that arrives with exceptions,
// such as one read from iCalendar. The series, its rows and every exception
// are written in one change set. skipped counts exceptions that matched no
// candidate in window, or one that an earlier exception already cancelled.
func (c *Coordinator) ImportTemplate(ctx context.Context, tpl *storage.Template, window storage.Window, exceptions []Exception) (_ *storage.Template, skipped int, err error) {
	const op = "ImportTemplate"
	ctx, done := startOp(ctx, op)
	defer func() { done(err) }()

	for _, ex := range exceptions {
		if err := ValidateOverrides(ex.Overrides); err != nil {
			return nil, 0, err
		}
	}
	return c.createTemplate(ctx, op, tpl, window, exceptions)
}

func (c *Coordinator) createTemplate(ctx context.Context, op string, tpl *storage.Template, window storage.Window, exceptions []Exception) (*storage.Template, int, error) {
	if window.End.Before(window.Start) {
		return nil, 0, recurrence.ErrInvalidWindow
	}

	out := ReconcileEndDates(nil, tpl)
	if out.ID == "" {
		out.ID = uuid.Must(uuid.NewV7()).String()
	}
	if out.TimeZone == "" {
		out.TimeZone = out.StartAt.Location().String()
	}
	out.RuleRevision = 0
	out.Truncated = false
	out.ConvertedTo = ""
	if err := validateTemplate(out); err != nil {
		return nil, 0, err
	}

	release, err := c.lock(ctx, op, out.ID)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	switch _, err := c.store.GetTemplate(ctx, out.ID); {
	case err == nil:
		return nil, 0, errors.Join(ErrInvalidTemplate, fmt.Errorf("template %s already exists", out.ID))
	case !storage.IsType(err, storage.ErrNotFound):
		return nil, 0, &OperationAbortedError{Op: op, Err: err}
	}

	plan, err := c.materializer.Plan(out, nil, window, mo.None[recurrence.Cursor]())
	if err != nil {
		return nil, 0, err
	}
	out.MaterializedThrough = plan.Through
	skipped := seed(out, plan.Create, exceptions)

	cs := &storage.ChangeSet{PutTemplates: []*storage.Template{out}}
	plan.AppendTo(cs)
	if err := c.commit(ctx, op, cs); err != nil {
		return nil, 0, err
	}

	c.logger.Info("created series",
		"template_id", out.ID,
		"rule", ruleString(out.Rule),
		"instances", len(plan.Create),
		"exceptions", len(exceptions)-skipped)
	return out, skipped, nil
}

// seed turns the rows matching exceptions into tombstones or edited
// exceptions and returns how many matched no live row
func seed(tpl *storage.Template, rows []*storage.Instance, exceptions []Exception) int {
	if len(exceptions) == 0 {
		return 0
	}
	byStart := make(map[int64]*storage.Instance, len(rows))
	for _, inst := range rows {
		byStart[inst.OriginalStart.UnixNano()] = inst
	}

	skipped := 0
	for _, ex := range exceptions {
		inst, ok := byStart[ex.OriginalStart.UnixNano()]
		if !ok || inst.Cancelled {
			skipped++
			continue
		}
		if ex.Cancelled {
			inst.Cancelled = true
			inst.IsException = true
			continue
		}
		if len(ex.Overrides) == 0 {
			continue
		}
		if inst.Overrides == nil {
			inst.Overrides = make(storage.Overrides, len(ex.Overrides))
		}
		maps.Copy(inst.Overrides, ex.Overrides)
		inst.IsException = true
		snapshot(inst, Resolve(tpl, inst))
	}
	return skipped
}

// UpdateTemplate writes edited template fields and re-materializes the
// already materialized range. Exceptions keep their overrides.
// RuleRevision is bumped when the edit moves occurrences.
func (c *Coordinator) UpdateTemplate(ctx context.Context, tpl *storage.Template) (_ *storage.Template, err error) {
	const op = "UpdateTemplate"
	ctx, done := startOp(ctx, op, attribute.String("series.template_id", tpl.ID))
	defer func() { done(err) }()

	release, err := c.lock(ctx, op, tpl.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	stored, err := c.getTemplate(ctx, op, tpl.ID)
	if err != nil {
		return nil, err
	}
	if !stored.IsRecurring() && tpl.Rule != nil {
		return nil, &AlreadyStandaloneError{ID: tpl.ID}
	}

	out := ReconcileEndDates(stored, tpl)
	if out.TimeZone == "" {
		out.TimeZone = stored.TimeZone
	}
	out.Created = stored.Created
	out.MaterializedThrough = stored.MaterializedThrough
	out.RetainedFrom = stored.RetainedFrom
	out.ConvertedTo = stored.ConvertedTo
	out.RuleRevision = stored.RuleRevision
	if movesOccurrences(stored, out) {
		out.RuleRevision++
	}
	out.Truncated = stored.Truncated && sameTime(until(stored), until(out))
	if err := validateTemplate(out); err != nil {
		return nil, err
	}

	insts, err := c.seriesInstances(ctx, op, out.ID)
	if err != nil {
		return nil, err
	}
	window := storage.Window{Start: out.RetainedFrom, End: out.MaterializedThrough}
	plan, err := c.materializer.Plan(out, insts, window, mo.None[recurrence.Cursor]())
	if err != nil {
		return nil, err
	}
	if out.IsRecurring() && plan.Through.Before(out.MaterializedThrough) {
		out.MaterializedThrough = plan.Through
	}

	cs := &storage.ChangeSet{PutTemplates: []*storage.Template{out}}
	plan.AppendTo(cs)
	if err := c.commit(ctx, op, cs); err != nil {
		return nil, err
	}

	c.logger.Info("updated series",
		"template_id", out.ID,
		"revision", out.RuleRevision,
		"created", len(plan.Create),
		"updated", len(plan.Update),
		"deleted", len(plan.Delete))
	return out, nil
}

// movesOccurrences reports whether occurrences of updated land somewhere
// other than those of stored
func movesOccurrences(stored, updated *storage.Template) bool {
	if !stored.StartAt.Equal(updated.StartAt) || stored.TimeZone != updated.TimeZone {
		return true
	}
	if stored.Rule == nil || updated.Rule == nil {
		return stored.Rule != updated.Rule
	}
	return !recurrence.SameGeneration(*stored.Rule, *updated.Rule)
}

// Materialize extends a series over window. Expansion resumes from the
// latest stored occurrence before the window, so long-running series are not
// replayed from their first occurrence. A window starting past
// MaterializedThrough is widened back to it, so the marker never skips
// occurrences. When the engine caps the expansion, the marker advances only
// to the plan's Through.
func (c *Coordinator) Materialize(ctx context.Context, templateID string, window storage.Window) (_ Plan, err error) {
	const op = "Materialize"
	ctx, done := startOp(ctx, op, attribute.String("series.template_id", templateID))
	defer func() { done(err) }()

	release, err := c.lock(ctx, op, templateID)
	if err != nil {
		return Plan{}, err
	}
	defer release()

	tpl, err := c.getTemplate(ctx, op, templateID)
	if err != nil {
		return Plan{}, err
	}
	if window.End.Before(window.Start) {
		return Plan{}, recurrence.ErrInvalidWindow
	}
	if tpl.IsRecurring() && window.Start.After(tpl.MaterializedThrough) {
		window.Start = tpl.MaterializedThrough
	}
	if window.Start.Before(tpl.RetainedFrom) {
		window.Start = tpl.RetainedFrom
	}
	if window.End.Before(window.Start) {
		return Plan{}, recurrence.ErrInvalidWindow
	}
	insts, err := c.seriesInstances(ctx, op, templateID)
	if err != nil {
		return Plan{}, err
	}

	anchor, err := cursorBefore(tpl, insts, window.Start)
	if err != nil {
		return Plan{}, err
	}
	plan, err := c.materializer.Plan(tpl, insts, window, anchor)
	if err != nil {
		return Plan{}, err
	}

	cs := &storage.ChangeSet{}
	plan.AppendTo(cs)
	if plan.Through.After(tpl.MaterializedThrough) && tpl.IsRecurring() {
		updated := tpl.Clone()
		updated.MaterializedThrough = plan.Through
		cs.PutTemplates = append(cs.PutTemplates, updated)
	}
	if err := c.commit(ctx, op, cs); err != nil {
		return Plan{}, err
	}

	c.logger.Debug("materialized window",
		"template_id", templateID,
		"window_start", window.Start,
		"window_end", window.End,
		"created", len(plan.Create),
		"updated", len(plan.Update),
		"deleted", len(plan.Delete))
	return plan, nil
}

// cursorBefore picks the highest-index stored occurrence of the current rule
// revision that starts before t
func cursorBefore(tpl *storage.Template, insts []*storage.Instance, t time.Time) (mo.Option[recurrence.Cursor], error) {
	return cursorWhere(tpl, insts, func(inst *storage.Instance) bool { return inst.OriginalStart.Before(t) })
}

// cursorBelow picks the highest-index stored occurrence of the current rule
// revision whose index is below index
func cursorBelow(tpl *storage.Template, insts []*storage.Instance, index int) (mo.Option[recurrence.Cursor], error) {
	return cursorWhere(tpl, insts, func(inst *storage.Instance) bool { return inst.GenerationIndex < index })
}

func cursorWhere(tpl *storage.Template, insts []*storage.Instance, keep func(*storage.Instance) bool) (mo.Option[recurrence.Cursor], error) {
	var best *storage.Instance
	for _, inst := range insts {
		if inst.RuleRevision != tpl.RuleRevision || inst.GenerationIndex < 1 || !keep(inst) {
			continue
		}
		if best == nil || inst.GenerationIndex > best.GenerationIndex {
			best = inst
		}
	}
	if best == nil {
		return mo.None[recurrence.Cursor](), nil
	}
	loc, err := tpl.TimeLocation()
	if err != nil {
		return mo.None[recurrence.Cursor](), err
	}
	return mo.Some(recurrence.Cursor{Index: best.GenerationIndex, Start: best.OriginalStart.In(loc)}), nil
}

// ListOccurrences returns the resolved, non-cancelled occurrences of a series
// whose original start lies in window, ordered by effective start
func (c *Coordinator) ListOccurrences(ctx context.Context, templateID string, window storage.Window) ([]EffectiveOccurrence, error) {
	const op = "ListOccurrences"
	tpl, err := c.getTemplate(ctx, op, templateID)
	if err != nil {
		return nil, err
	}
	insts, err := c.store.ListInstances(ctx, templateID, window)
	if err != nil {
		return nil, &OperationAbortedError{Op: op, Err: err}
	}

	out := make([]EffectiveOccurrence, 0, len(insts))
	for _, inst := range insts {
		if inst.Cancelled {
			continue
		}
		out = append(out, Resolve(tpl, inst))
	}
	slices.SortStableFunc(out, func(a, b EffectiveOccurrence) int {
		return a.Start.Compare(b.Start)
	})
	return out, nil
}

func ruleString(r *recurrence.Rule) string {
	if r == nil {
		return ""
	}
	return r.String()
}
