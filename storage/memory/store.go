// memory based implementation for testing purposes
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/cyp0633/libseries/storage"
)

// Store implements storage.Store interface using in-memory maps
type Store struct {
	mu        sync.RWMutex
	templates map[string]*storage.Template
	instances map[string]*storage.Instance
	locks     *storage.LockTable
	now       func() time.Time
}

// New creates a new in-memory storage
func New() *Store {
	return &Store{
		templates: make(map[string]*storage.Template),
		instances: make(map[string]*storage.Instance),
		locks:     storage.NewLockTable(),
		now:       time.Now,
	}
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*storage.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return nil, &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "template not found",
		}
	}
	return tpl.Clone(), nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]*storage.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		out = append(out, tpl.Clone())
	}
	return out, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*storage.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, &storage.Error{
			Type:    storage.ErrNotFound,
			Message: "instance not found",
		}
	}
	return inst.Clone(), nil
}

func (s *Store) ListInstances(ctx context.Context, templateID string, window storage.Window) ([]*storage.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Instance
	for _, inst := range s.instances {
		if inst.TemplateID != templateID || !inst.InWindow(window) {
			continue
		}
		out = append(out, inst.Clone())
	}
	storage.SortInstances(out)
	return out, nil
}

// ApplyChangeSet works on copies of both maps and swaps them in only when
// every write succeeded.
func (s *Store) ApplyChangeSet(ctx context.Context, cs *storage.ChangeSet) error {
	if err := cs.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	templates := maps.Clone(s.templates)
	instances := maps.Clone(s.instances)
	now := s.now()

	for _, id := range cs.DeleteInstances {
		if _, ok := instances[id]; !ok {
			return &storage.Error{Type: storage.ErrNotFound, Message: "instance " + id + " not found"}
		}
		delete(instances, id)
	}

	for _, inst := range cs.UpdateInstances {
		old, ok := instances[inst.ID]
		if !ok {
			return &storage.Error{Type: storage.ErrNotFound, Message: "instance " + inst.ID + " not found"}
		}
		row := inst.Clone()
		row.Created = old.Created
		row.Modified = now
		instances[inst.ID] = row
	}

	for _, inst := range cs.CreateInstances {
		if _, exists := instances[inst.ID]; exists {
			return &storage.Error{Type: storage.ErrAlreadyExists, Message: "instance " + inst.ID + " already exists"}
		}
		row := inst.Clone()
		row.Created = now
		row.Modified = now
		instances[inst.ID] = row
	}

	for _, tpl := range cs.PutTemplates {
		row := tpl.Clone()
		if old, ok := templates[tpl.ID]; ok {
			row.Created = old.Created
		} else {
			row.Created = now
		}
		row.Modified = now
		templates[tpl.ID] = row
	}

	for _, id := range cs.DeleteTemplates {
		if _, ok := templates[id]; !ok {
			return &storage.Error{Type: storage.ErrNotFound, Message: "template " + id + " not found"}
		}
		delete(templates, id)
	}

	s.templates = templates
	s.instances = instances
	return nil
}

func (s *Store) AcquireSeriesLock(ctx context.Context, templateID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.locks.TryAcquire(templateID)
}
