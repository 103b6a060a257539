package series

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"
	"go.opentelemetry.io/otel/attribute"
)

// EditInstance merges overrides into one occurrence and marks it as an
// exception, so template edits no longer rewrite it
func (c *Coordinator) EditInstance(ctx context.Context, instanceID string, overrides storage.Overrides) (_ *storage.Instance, err error) {
	const op = "EditInstance"
	ctx, done := startOp(ctx, op, attribute.String("series.instance_id", instanceID))
	defer func() { done(err) }()

	if err := ValidateOverrides(overrides); err != nil {
		return nil, err
	}

	inst, release, err := c.lockSeriesOf(ctx, op, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	tpl, err := c.getTemplate(ctx, op, inst.TemplateID)
	if err != nil {
		return nil, err
	}

	edited := inst.Clone()
	if edited.Overrides == nil {
		edited.Overrides = make(storage.Overrides, len(overrides))
	}
	maps.Copy(edited.Overrides, overrides)
	edited.IsException = true
	snapshot(edited, Resolve(tpl, edited))

	if err := c.commit(ctx, op, &storage.ChangeSet{UpdateInstances: []*storage.Instance{edited}}); err != nil {
		return nil, err
	}
	return edited, nil
}

// TemplateChanges are the fields UpdateThisAndFollowingEvents may change
type TemplateChanges struct {
	Title       mo.Option[string]
	Description mo.Option[string]
	Location    mo.Option[string]
	Duration    mo.Option[time.Duration]
	Rule        mo.Option[recurrence.Rule]
}

// UpdateThisAndFollowingEvents splits a series at an occurrence. The old
// template is cut to end before it; a new template starting at that
// occurrence carries the changes and whatever count the old rule had left.
// Returns the new template.
func (c *Coordinator) UpdateThisAndFollowingEvents(ctx context.Context, instanceID string, changes TemplateChanges) (_ *storage.Template, err error) {
	const op = "UpdateThisAndFollowingEvents"
	ctx, done := startOp(ctx, op, attribute.String("series.instance_id", instanceID))
	defer func() { done(err) }()

	inst, release, err := c.lockSeriesOf(ctx, op, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	stored, err := c.getTemplate(ctx, op, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	if !stored.IsRecurring() {
		return nil, &NotRecurringError{InstanceID: instanceID}
	}

	insts, err := c.seriesInstances(ctx, op, stored.ID)
	if err != nil {
		return nil, err
	}
	cut, err := c.occurrenceStart(stored, insts, inst)
	if err != nil {
		return nil, err
	}
	start, ok := cut.Get()
	if !ok {
		return nil, errors.Join(ErrInvalidTemplate,
			fmt.Errorf("occurrence %d is past the end of series %s", inst.GenerationIndex, stored.ID))
	}

	next, err := splitFrom(stored, inst.GenerationIndex, start, changes)
	if err != nil {
		return nil, err
	}

	cs := &storage.ChangeSet{}
	for _, sib := range insts {
		if sib.GenerationIndex >= inst.GenerationIndex {
			cs.DeleteInstances = append(cs.DeleteInstances, sib.ID)
		}
	}
	cs.PutTemplates = append(cs.PutTemplates, truncate(stored, cut), next)

	window := storage.Window{Start: next.StartAt, End: next.MaterializedThrough}
	plan, err := c.materializer.Plan(next, nil, window, mo.None[recurrence.Cursor]())
	if err != nil {
		return nil, err
	}
	next.MaterializedThrough = plan.Through
	plan.AppendTo(cs)

	if err := c.commit(ctx, op, cs); err != nil {
		return nil, err
	}

	c.logger.Info("split series",
		"template_id", stored.ID,
		"new_template_id", next.ID,
		"index", inst.GenerationIndex)
	return next, nil
}

// splitFrom builds the template that continues stored from occurrence index,
// which starts at start
func splitFrom(stored *storage.Template, index int, start time.Time, changes TemplateChanges) (*storage.Template, error) {
	loc, err := stored.TimeLocation()
	if err != nil {
		return nil, err
	}
	start = start.In(loc)

	next := stored.Clone()
	next.ID = uuid.Must(uuid.NewV7()).String()
	next.StartAt = start
	next.EndAt = start.Add(changes.Duration.OrElse(stored.Duration()))
	next.Title = changes.Title.OrElse(stored.Title)
	next.Description = changes.Description.OrElse(stored.Description)
	next.Location = changes.Location.OrElse(stored.Location)
	next.RuleRevision = 0
	next.Truncated = false
	next.ConvertedTo = ""
	next.RetainedFrom = time.Time{}
	next.RecurrenceRuleEndDate = nil
	next.BaseRecurringEventEndDate = nil
	if next.MaterializedThrough.Before(start) {
		next.MaterializedThrough = start
	}

	rule := changes.Rule.OrElse(*stored.Rule).Clone()
	if _, replaced := changes.Rule.Get(); !replaced && rule.Count != nil {
		rule = rule.WithCount(*rule.Count - index + 1)
	}
	next.Rule = &rule

	next = ReconcileEndDates(nil, next)
	if err := validateTemplate(next); err != nil {
		return nil, err
	}
	return next, nil
}

// CreateStandaloneEvent stores an event that belongs to no series.
// An empty ID is filled with a time-ordered UUID.
func (c *Coordinator) CreateStandaloneEvent(ctx context.Context, inst *storage.Instance) (_ *storage.Instance, err error) {
	const op = "CreateStandaloneEvent"
	ctx, done := startOp(ctx, op)
	defer func() { done(err) }()

	out := inst.Clone()
	if out.ID == "" {
		out.ID = uuid.Must(uuid.NewV7()).String()
	}
	if !out.IsStandalone() {
		return nil, &NotStandaloneError{InstanceID: out.ID}
	}
	if !out.End.After(out.Start) {
		return nil, errors.Join(ErrInvalidTemplate, errors.New("event must end after it starts"))
	}
	if out.OriginalStart.IsZero() {
		out.OriginalStart = out.Start
	}
	out.GenerationIndex = 0
	out.IsException = false
	out.Cancelled = false
	out.Overrides = nil

	release, err := c.lock(ctx, op, out.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	switch _, err := c.store.GetInstance(ctx, out.ID); {
	case err == nil:
		return nil, errors.Join(ErrInvalidTemplate, fmt.Errorf("event %s already exists", out.ID))
	case !storage.IsType(err, storage.ErrNotFound):
		return nil, &OperationAbortedError{Op: op, Err: err}
	}

	if err := c.commit(ctx, op, &storage.ChangeSet{CreateInstances: []*storage.Instance{out}}); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteStandaloneEvent deletes an event that belongs to no series
func (c *Coordinator) DeleteStandaloneEvent(ctx context.Context, instanceID string) (err error) {
	const op = "DeleteStandaloneEvent"
	ctx, done := startOp(ctx, op, attribute.String("series.instance_id", instanceID))
	defer func() { done(err) }()

	inst, err := c.getInstance(ctx, op, instanceID)
	if err != nil {
		return err
	}
	if !inst.IsStandalone() {
		return &NotStandaloneError{InstanceID: instanceID}
	}

	release, err := c.lock(ctx, op, instanceID)
	if err != nil {
		return err
	}
	defer release()

	return c.commit(ctx, op, &storage.ChangeSet{DeleteInstances: []string{instanceID}})
}

// CleanupExpired deletes instances that ended before cutoff, one series at a
// time, and returns how many rows went. Series that are locked by another
// mutation, or deleted meanwhile, are skipped and picked up by the next run.
func (c *Coordinator) CleanupExpired(ctx context.Context, cutoff time.Time) (n int, err error) {
	const op = "CleanupExpired"
	ctx, done := startOp(ctx, op)
	defer func() { done(err) }()

	tpls, err := c.store.ListTemplates(ctx)
	if err != nil {
		return 0, &OperationAbortedError{Op: op, Err: err}
	}

	for _, tpl := range tpls {
		deleted, err := c.cleanupSeries(ctx, op, tpl.ID, cutoff)
		if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTemplateNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n += deleted
	}

	standalone, err := c.store.ListInstances(ctx, "", recurrence.Unbounded())
	if err != nil {
		return n, &OperationAbortedError{Op: op, Err: err}
	}
	cs := &storage.ChangeSet{}
	for _, inst := range standalone {
		if inst.End.Before(cutoff) {
			cs.DeleteInstances = append(cs.DeleteInstances, inst.ID)
		}
	}
	if err := c.commit(ctx, op, cs); err != nil {
		return n, err
	}
	n += len(cs.DeleteInstances)

	c.logger.Info("retention cleanup finished", "cutoff", cutoff, "deleted", n)
	return n, nil
}

func (c *Coordinator) cleanupSeries(ctx context.Context, op, templateID string, cutoff time.Time) (int, error) {
	release, err := c.lock(ctx, op, templateID)
	if err != nil {
		return 0, err
	}
	defer release()

	tpl, err := c.getTemplate(ctx, op, templateID)
	if err != nil {
		return 0, err
	}
	insts, err := c.seriesInstances(ctx, op, templateID)
	if err != nil {
		return 0, err
	}

	cs := &storage.ChangeSet{}
	for _, inst := range insts {
		if inst.End.Before(cutoff) {
			cs.DeleteInstances = append(cs.DeleteInstances, inst.ID)
		}
	}
	if len(cs.DeleteInstances) == 0 {
		return 0, nil
	}
	if cutoff.After(tpl.RetainedFrom) {
		updated := tpl.Clone()
		updated.RetainedFrom = cutoff
		cs.PutTemplates = append(cs.PutTemplates, updated)
	}
	if err := c.commit(ctx, op, cs); err != nil {
		return 0, err
	}
	return len(cs.DeleteInstances), nil
}
