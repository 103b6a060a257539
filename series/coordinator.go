package series

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
)

// Coordinator runs every series mutation as lock, read, plan, commit.
// Each operation writes a single ChangeSet, so a failure leaves the series as
// it was.
type Coordinator struct {
	store        storage.Store
	engine       *recurrence.Engine
	materializer *Materializer
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(store storage.Store, engine *recurrence.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		engine:       engine,
		materializer: NewMaterializer(engine),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lock takes the series lock without waiting
func (c *Coordinator) lock(ctx context.Context, op, templateID string) (func(), error) {
	release, err := c.store.AcquireSeriesLock(ctx, templateID)
	if err == nil {
		return release, nil
	}
	if storage.IsType(err, storage.ErrLocked) {
		c.logger.Warn("series lock contended", "op", op, "template_id", templateID)
		return nil, &ConcurrentModificationError{TemplateID: templateID}
	}
	return nil, &OperationAbortedError{Op: op, Err: err}
}

// commit applies cs unless the context is already done
func (c *Coordinator) commit(ctx context.Context, op string, cs *storage.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return &OperationAbortedError{Op: op, Err: err}
	}
	if cs.Empty() {
		return nil
	}
	if err := c.store.ApplyChangeSet(ctx, cs); err != nil {
		c.logger.Error("commit failed", "op", op, "error", err)
		return &OperationAbortedError{Op: op, Err: err}
	}
	recordWrites(len(cs.CreateInstances), len(cs.UpdateInstances), len(cs.DeleteInstances))
	return nil
}

func (c *Coordinator) getInstance(ctx context.Context, op, id string) (*storage.Instance, error) {
	inst, err := c.store.GetInstance(ctx, id)
	if storage.IsType(err, storage.ErrNotFound) {
		return nil, &InstanceNotFoundError{ID: id}
	}
	if err != nil {
		return nil, &OperationAbortedError{Op: op, Err: err}
	}
	return inst, nil
}

func (c *Coordinator) getTemplate(ctx context.Context, op, id string) (*storage.Template, error) {
	tpl, err := c.store.GetTemplate(ctx, id)
	if storage.IsType(err, storage.ErrNotFound) {
		return nil, &TemplateNotFoundError{ID: id}
	}
	if err != nil {
		return nil, &OperationAbortedError{Op: op, Err: err}
	}
	return tpl, nil
}

// seriesInstances lists every row of a template
func (c *Coordinator) seriesInstances(ctx context.Context, op, templateID string) ([]*storage.Instance, error) {
	insts, err := c.store.ListInstances(ctx, templateID, recurrence.Unbounded())
	if err != nil {
		return nil, &OperationAbortedError{Op: op, Err: err}
	}
	return insts, nil
}

// lockSeriesOf resolves a rule-generated instance to its series and locks it.
// The instance is read again under the lock.
func (c *Coordinator) lockSeriesOf(ctx context.Context, op, instanceID string) (*storage.Instance, func(), error) {
	inst, err := c.getInstance(ctx, op, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.IsStandalone() {
		return nil, nil, &NotRecurringError{InstanceID: instanceID}
	}

	release, err := c.lock(ctx, op, inst.TemplateID)
	if err != nil {
		return nil, nil, err
	}

	inst, err = c.getInstance(ctx, op, instanceID)
	if err == nil && inst.Cancelled {
		err = &InstanceNotFoundError{ID: instanceID}
	}
	if err == nil && inst.IsStandalone() {
		err = &NotRecurringError{InstanceID: instanceID}
	}
	if err != nil {
		release()
		return nil, nil, err
	}
	return inst, release, nil
}

// validateTemplate checks the parts of a template every write depends on
func validateTemplate(tpl *storage.Template) error {
	if !tpl.EndAt.After(tpl.StartAt) {
		return errors.Join(ErrInvalidTemplate, errors.New("end must be after start"))
	}
	if _, err := tpl.TimeLocation(); err != nil {
		return errors.Join(ErrInvalidTemplate, err)
	}
	if tpl.Rule != nil {
		if err := recurrence.Validate(*tpl.Rule); err != nil {
			return err
		}
	}
	if !EndDatesInSync(tpl) {
		return errors.Join(ErrInvalidTemplate, errors.New("end dates out of sync"))
	}
	return nil
}
