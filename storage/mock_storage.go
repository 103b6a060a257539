package storage

import (
	"context"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/stretchr/testify/mock"
)

// MockStore implements the Store interface for testing
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Template), args.Error(1)
}

func (m *MockStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Template), args.Error(1)
}

func (m *MockStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Instance), args.Error(1)
}

func (m *MockStore) ListInstances(ctx context.Context, templateID string, window Window) ([]*Instance, error) {
	args := m.Called(ctx, templateID, window)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Instance), args.Error(1)
}

func (m *MockStore) ApplyChangeSet(ctx context.Context, cs *ChangeSet) error {
	args := m.Called(ctx, cs)
	return args.Error(0)
}

// AcquireSeriesLock returns a no-op release func unless the expectation
// supplies one
func (m *MockStore) AcquireSeriesLock(ctx context.Context, templateID string) (func(), error) {
	args := m.Called(ctx, templateID)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	if release, ok := args.Get(0).(func()); ok {
		return release, nil
	}
	return func() {}, nil
}

// --- Helper methods for creating test data ---

// NewMockTemplate creates a one-hour template starting at start with rule
func NewMockTemplate(id, title string, start time.Time, rule recurrence.Rule) *Template {
	return &Template{
		ID:       id,
		Title:    title,
		StartAt:  start,
		EndAt:    start.Add(time.Hour),
		TimeZone: start.Location().String(),
		Rule:     &rule,
		Created:  start,
		Modified: start,
	}
}

// NewMockInstance creates a rule-generated instance of tpl at index
func NewMockInstance(id string, tpl *Template, index int, start time.Time) *Instance {
	return &Instance{
		ID:              id,
		TemplateID:      tpl.ID,
		GenerationIndex: index,
		OriginalStart:   start,
		RuleRevision:    tpl.RuleRevision,
		Start:           start,
		End:             start.Add(tpl.Duration()),
		Title:           tpl.Title,
		Description:     tpl.Description,
		Location:        tpl.Location,
	}
}
