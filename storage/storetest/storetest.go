// Package storetest holds behaviour tests every storage.Store must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises newStore against the storage.Store contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("ChangeSetRoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("ListInstancesWindowAndOrder", func(t *testing.T) { testListInstances(t, newStore(t)) })
	t.Run("ChangeSetIsAtomic", func(t *testing.T) { testAtomic(t, newStore(t)) })
	t.Run("DeleteThenCreateSameID", func(t *testing.T) { testDeleteThenCreate(t, newStore(t)) })
	t.Run("DetachMovesInstance", func(t *testing.T) { testDetach(t, newStore(t)) })
	t.Run("SeriesLockFailsFast", func(t *testing.T) { testLock(t, newStore(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testCopies(t, newStore(t)) })
}

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s storage.Store, n int) (*storage.Template, []*storage.Instance) {
	t.Helper()
	tpl := storage.NewMockTemplate("tpl-1", "Standup", base, recurrence.NewRule(recurrence.Daily).WithCount(n))
	var insts []*storage.Instance
	for i := 1; i <= n; i++ {
		insts = append(insts, storage.NewMockInstance(
			"inst-"+string(rune('a'+i-1)), tpl, i, base.AddDate(0, 0, i-1)))
	}
	require.NoError(t, s.ApplyChangeSet(context.Background(), &storage.ChangeSet{
		PutTemplates:    []*storage.Template{tpl},
		CreateInstances: insts,
	}))
	return tpl, insts
}

func testNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetTemplate(ctx, "missing")
	assert.True(t, storage.IsType(err, storage.ErrNotFound), "got %v", err)

	_, err = s.GetInstance(ctx, "missing")
	assert.True(t, storage.IsType(err, storage.ErrNotFound), "got %v", err)

	err = s.ApplyChangeSet(ctx, &storage.ChangeSet{DeleteInstances: []string{"missing"}})
	assert.True(t, storage.IsType(err, storage.ErrNotFound), "got %v", err)
}

func testRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tpl, insts := seed(t, s, 3)

	got, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.Title, got.Title)
	assert.True(t, tpl.StartAt.Equal(got.StartAt))
	require.NotNil(t, got.Rule)
	assert.Equal(t, recurrence.Daily, got.Rule.Frequency)
	assert.Equal(t, 3, *got.Rule.Count)
	assert.False(t, got.Created.IsZero())

	inst, err := s.GetInstance(ctx, insts[1].ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, inst.TemplateID)
	assert.Equal(t, 2, inst.GenerationIndex)
	assert.True(t, insts[1].OriginalStart.Equal(inst.OriginalStart))

	tpls, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, tpls, 1)

	// Update with overrides
	inst.Title = "Moved"
	inst.IsException = true
	inst.Overrides = storage.Overrides{storage.FieldTitle: "Moved"}
	require.NoError(t, s.ApplyChangeSet(ctx, &storage.ChangeSet{UpdateInstances: []*storage.Instance{inst}}))

	updated, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "Moved", updated.Title)
	assert.True(t, updated.IsException)
	assert.Equal(t, "Moved", updated.Overrides.Get(storage.FieldTitle).OrEmpty())

	// Delete the whole series
	ids := make([]string, len(insts))
	for i, in := range insts {
		ids[i] = in.ID
	}
	require.NoError(t, s.ApplyChangeSet(ctx, &storage.ChangeSet{
		DeleteInstances: ids,
		DeleteTemplates: []string{tpl.ID},
	}))
	_, err = s.GetTemplate(ctx, tpl.ID)
	assert.True(t, storage.IsType(err, storage.ErrNotFound))
	left, err := s.ListInstances(ctx, tpl.ID, recurrence.Unbounded())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func testListInstances(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tpl, _ := seed(t, s, 5)

	all, err := s.ListInstances(ctx, tpl.ID, recurrence.Unbounded())
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, inst := range all {
		assert.Equal(t, i+1, inst.GenerationIndex)
	}

	window := storage.Window{Start: base.AddDate(0, 0, 1), End: base.AddDate(0, 0, 3)}
	some, err := s.ListInstances(ctx, tpl.ID, window)
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, 2, some[0].GenerationIndex)
	assert.Equal(t, 3, some[1].GenerationIndex)

	standalone, err := s.ListInstances(ctx, "", recurrence.Unbounded())
	require.NoError(t, err)
	assert.Empty(t, standalone)
}

func testAtomic(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tpl, insts := seed(t, s, 2)

	// The create collides with an existing row, so the delete must not stick.
	dup := storage.NewMockInstance(insts[1].ID, tpl, 9, base.AddDate(0, 0, 9))
	err := s.ApplyChangeSet(ctx, &storage.ChangeSet{
		DeleteInstances: []string{insts[0].ID},
		CreateInstances: []*storage.Instance{dup},
	})
	assert.True(t, storage.IsType(err, storage.ErrAlreadyExists), "got %v", err)

	_, err = s.GetInstance(ctx, insts[0].ID)
	assert.NoError(t, err)

	err = s.ApplyChangeSet(ctx, &storage.ChangeSet{
		DeleteInstances: []string{insts[0].ID, insts[0].ID},
	})
	assert.True(t, storage.IsType(err, storage.ErrInvalidInput), "got %v", err)
}

func testDeleteThenCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tpl, insts := seed(t, s, 1)

	replacement := storage.NewMockInstance(insts[0].ID, tpl, 1, base)
	replacement.Title = "Replaced"
	require.NoError(t, s.ApplyChangeSet(ctx, &storage.ChangeSet{
		DeleteInstances: []string{insts[0].ID},
		CreateInstances: []*storage.Instance{replacement},
	}))

	got, err := s.GetInstance(ctx, insts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Replaced", got.Title)
}

func testDetach(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tpl, insts := seed(t, s, 2)

	standalone := insts[0].Clone()
	standalone.TemplateID = ""
	standalone.GenerationIndex = 0
	require.NoError(t, s.ApplyChangeSet(ctx, &storage.ChangeSet{
		UpdateInstances: []*storage.Instance{standalone},
		DeleteInstances: []string{insts[1].ID},
	}))

	linked, err := s.ListInstances(ctx, tpl.ID, recurrence.Unbounded())
	require.NoError(t, err)
	assert.Empty(t, linked)

	alone, err := s.ListInstances(ctx, "", recurrence.Unbounded())
	require.NoError(t, err)
	require.Len(t, alone, 1)
	assert.Equal(t, insts[0].ID, alone[0].ID)
}

func testLock(t *testing.T, s storage.Store) {
	ctx := context.Background()

	release, err := s.AcquireSeriesLock(ctx, "tpl-1")
	require.NoError(t, err)

	_, err = s.AcquireSeriesLock(ctx, "tpl-1")
	assert.True(t, storage.IsType(err, storage.ErrLocked), "got %v", err)

	other, err := s.AcquireSeriesLock(ctx, "tpl-2")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := s.AcquireSeriesLock(ctx, "tpl-1")
	require.NoError(t, err)
	again()
}

func testCopies(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tpl, insts := seed(t, s, 1)

	got, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	got.Title = "scribbled"
	*got.Rule.Count = 99

	fresh, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Standup", fresh.Title)
	assert.Equal(t, 1, *fresh.Rule.Count)

	// Mutating the slice handed to ApplyChangeSet must not leak into the store.
	insts[0].Title = "scribbled"
	inst, err := s.GetInstance(ctx, insts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Standup", inst.Title)
}
