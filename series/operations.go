package series

import (
	"context"
	"slices"
	"time"

	"github.com/cyp0633/libseries/storage"
	"github.com/google/uuid"
	"github.com/samber/mo"
	"go.opentelemetry.io/otel/attribute"
)

// DeleteSingleEventInstance removes one occurrence from its series. The row
// stays as a cancelled exception so later materialization does not bring it
// back. The template and every sibling are untouched.
func (c *Coordinator) DeleteSingleEventInstance(ctx context.Context, instanceID string) (_ *storage.Instance, err error) {
	const op = "DeleteSingleEventInstance"
	ctx, done := startOp(ctx, op, attribute.String("series.instance_id", instanceID))
	defer func() { done(err) }()

	inst, release, err := c.lockSeriesOf(ctx, op, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	tomb := inst.Clone()
	tomb.Cancelled = true
	tomb.IsException = true

	if err := c.commit(ctx, op, &storage.ChangeSet{UpdateInstances: []*storage.Instance{tomb}}); err != nil {
		return nil, err
	}

	c.logger.Info("deleted single instance",
		"template_id", inst.TemplateID,
		"instance_id", inst.ID,
		"index", inst.GenerationIndex)
	return tomb, nil
}

// DeleteThisAndFollowingEvents deletes an occurrence and every later one.
// The rule is cut so that it ends just before the occurrence's original
// start, and both end dates follow.
func (c *Coordinator) DeleteThisAndFollowingEvents(ctx context.Context, instanceID string) (_ *storage.Template, err error) {
	const op = "DeleteThisAndFollowingEvents"
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

	cs := &storage.ChangeSet{}
	for _, sib := range insts {
		if sib.GenerationIndex >= inst.GenerationIndex {
			cs.DeleteInstances = append(cs.DeleteInstances, sib.ID)
		}
	}

	tpl := truncate(stored, cut)
	cs.PutTemplates = append(cs.PutTemplates, tpl)

	if err := c.commit(ctx, op, cs); err != nil {
		return nil, err
	}

	c.logger.Info("deleted this and following",
		"template_id", tpl.ID,
		"index", inst.GenerationIndex,
		"until", tpl.Rule.Until,
		"deleted", len(cs.DeleteInstances))
	return tpl, nil
}

// occurrenceStart is where occurrence inst starts under the current rule of
// tpl. Exceptions and tombstones keep the anchor of the rule revision that
// generated them, so a stale row is located again by expanding the rule from
// the nearest current row below it. None means the rule ends before inst.
func (c *Coordinator) occurrenceStart(tpl *storage.Template, insts []*storage.Instance, inst *storage.Instance) (mo.Option[time.Time], error) {
	if inst.RuleRevision == tpl.RuleRevision {
		return mo.Some(inst.OriginalStart), nil
	}
	seriesStart, err := tpl.SeriesStart()
	if err != nil {
		return mo.None[time.Time](), err
	}
	anchor, err := cursorBelow(tpl, insts, inst.GenerationIndex)
	if err != nil {
		return mo.None[time.Time](), err
	}
	start, ok, err := c.engine.Nth(*tpl.Rule, seriesStart, inst.GenerationIndex, anchor)
	if err != nil || !ok {
		return mo.None[time.Time](), err
	}
	return mo.Some(start), nil
}

// truncate returns a copy of stored whose rule ends before cut. Without a cut
// the rule already ends earlier and is kept as is.
func truncate(stored *storage.Template, cut mo.Option[time.Time]) *storage.Template {
	updated := stored.Clone()
	updated.Truncated = true
	at, ok := cut.Get()
	if !ok {
		return ReconcileEndDates(stored, updated)
	}
	rule := updated.Rule.WithUntil(at)
	updated.Rule = &rule
	updated.RecurrenceRuleEndDate = &at
	if updated.MaterializedThrough.After(at) {
		updated.MaterializedThrough = at
	}
	return ReconcileEndDates(stored, updated)
}

// DeleteEntireRecurringEventSeries removes the template and every instance
// that references it in one change set
func (c *Coordinator) DeleteEntireRecurringEventSeries(ctx context.Context, templateID string) (err error) {
	const op = "DeleteEntireRecurringEventSeries"
	ctx, done := startOp(ctx, op, attribute.String("series.template_id", templateID))
	defer func() { done(err) }()

	release, err := c.lock(ctx, op, templateID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.getTemplate(ctx, op, templateID); err != nil {
		return err
	}
	insts, err := c.seriesInstances(ctx, op, templateID)
	if err != nil {
		return err
	}

	cs := &storage.ChangeSet{DeleteTemplates: []string{templateID}}
	for _, inst := range insts {
		cs.DeleteInstances = append(cs.DeleteInstances, inst.ID)
	}
	if err := c.commit(ctx, op, cs); err != nil {
		return err
	}

	c.logger.Info("deleted series", "template_id", templateID, "instances", len(insts))
	return nil
}

// ConvertRecurringToStandalone turns a series into a single standalone event.
//
// Only the target survives. eventID may name an instance, which becomes the
// target, or a template, in which case the target is the first live instance
// that has not ended yet, else the last live one, else a fresh event built
// from the template's base fields. Every other instance of the series is
// deleted. The template loses its rule and is kept with ConvertedTo pointing
// at the survivor.
//
// An id that matches nothing is reported as TemplateNotFoundError.
func (c *Coordinator) ConvertRecurringToStandalone(ctx context.Context, eventID string) (_ *storage.Instance, err error) {
	const op = "ConvertRecurringToStandalone"
	ctx, done := startOp(ctx, op, attribute.String("series.event_id", eventID))
	defer func() { done(err) }()

	templateID, targetID, err := c.resolveEvent(ctx, op, eventID)
	if err != nil {
		return nil, err
	}

	release, err := c.lock(ctx, op, templateID)
	if err != nil {
		return nil, err
	}
	defer release()

	stored, err := c.getTemplate(ctx, op, templateID)
	if err != nil {
		return nil, err
	}
	if !stored.IsRecurring() {
		return nil, &AlreadyStandaloneError{ID: eventID}
	}
	insts, err := c.seriesInstances(ctx, op, templateID)
	if err != nil {
		return nil, err
	}

	target, ok := c.pickTarget(insts, targetID).Get()
	if !ok && targetID != "" {
		// the instance vanished or was cancelled before we got the lock
		return nil, &TemplateNotFoundError{ID: eventID}
	}

	cs := &storage.ChangeSet{}
	var standalone *storage.Instance
	if ok {
		standalone = detach(stored, target)
		cs.UpdateInstances = append(cs.UpdateInstances, standalone)
	} else {
		standalone = fromBase(stored)
		cs.CreateInstances = append(cs.CreateInstances, standalone)
	}
	for _, inst := range insts {
		if inst.ID != standalone.ID {
			cs.DeleteInstances = append(cs.DeleteInstances, inst.ID)
		}
	}

	tpl := stored.Clone()
	tpl.Rule = nil
	tpl.Truncated = false
	tpl.ConvertedTo = standalone.ID
	cs.PutTemplates = append(cs.PutTemplates, ReconcileEndDates(stored, tpl))

	if err := c.commit(ctx, op, cs); err != nil {
		return nil, err
	}

	c.logger.Info("converted series to standalone",
		"template_id", templateID,
		"instance_id", standalone.ID,
		"deleted", len(cs.DeleteInstances))
	return standalone, nil
}

// resolveEvent works out which series eventID belongs to. targetID is empty
// when eventID names the template itself.
func (c *Coordinator) resolveEvent(ctx context.Context, op, eventID string) (templateID, targetID string, err error) {
	_, err = c.store.GetTemplate(ctx, eventID)
	switch {
	case err == nil:
		return eventID, "", nil
	case !storage.IsType(err, storage.ErrNotFound):
		return "", "", &OperationAbortedError{Op: op, Err: err}
	}

	inst, err := c.store.GetInstance(ctx, eventID)
	switch {
	case storage.IsType(err, storage.ErrNotFound):
		return "", "", &TemplateNotFoundError{ID: eventID}
	case err != nil:
		return "", "", &OperationAbortedError{Op: op, Err: err}
	case inst.IsStandalone():
		return "", "", &AlreadyStandaloneError{ID: eventID}
	}
	return inst.TemplateID, inst.ID, nil
}

// pickTarget chooses the surviving instance. Cancelled rows never survive.
func (c *Coordinator) pickTarget(insts []*storage.Instance, targetID string) mo.Option[*storage.Instance] {
	live := make([]*storage.Instance, 0, len(insts))
	for _, inst := range insts {
		if !inst.Cancelled {
			live = append(live, inst)
		}
	}
	if targetID != "" {
		i := slices.IndexFunc(live, func(inst *storage.Instance) bool { return inst.ID == targetID })
		if i < 0 {
			return mo.None[*storage.Instance]()
		}
		return mo.Some(live[i])
	}
	if len(live) == 0 {
		return mo.None[*storage.Instance]()
	}

	now := c.now()
	if i := slices.IndexFunc(live, func(inst *storage.Instance) bool { return inst.End.After(now) }); i >= 0 {
		return mo.Some(live[i])
	}
	return mo.Some(live[len(live)-1])
}

// detach turns inst into a self-contained event carrying its resolved fields
func detach(tpl *storage.Template, inst *storage.Instance) *storage.Instance {
	eff := Resolve(tpl, inst)
	out := inst.Clone()
	snapshot(out, eff)
	out.TemplateID = ""
	out.GenerationIndex = 0
	out.RuleRevision = 0
	out.OriginalStart = out.Start
	out.Overrides = nil
	out.IsException = false
	out.Cancelled = false
	return out
}

func fromBase(tpl *storage.Template) *storage.Instance {
	return &storage.Instance{
		ID:            uuid.Must(uuid.NewV7()).String(),
		OriginalStart: tpl.StartAt,
		Start:         tpl.StartAt,
		End:           tpl.EndAt,
		Title:         tpl.Title,
		Description:   tpl.Description,
		Location:      tpl.Location,
	}
}
