package series

import (
	"testing"
	"time"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMaterializer() *Materializer {
	return NewMaterializer(recurrence.NewEngineWithConfig(recurrence.DisabledCacheConfig))
}

// rows materializes every candidate of tpl in window the way a first Plan would
func rows(t *testing.T, m *Materializer, tpl *storage.Template, window storage.Window) []*storage.Instance {
	t.Helper()
	plan, err := m.Plan(tpl, nil, window, mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	require.Empty(t, plan.Update)
	require.Empty(t, plan.Delete)
	return plan.Create
}

func TestInstanceID_Deterministic(t *testing.T) {
	assert.Equal(t, InstanceID("tpl", 3), InstanceID("tpl", 3))
	assert.NotEqual(t, InstanceID("tpl", 3), InstanceID("tpl", 4))
	assert.NotEqual(t, InstanceID("tpl", 3), InstanceID("other", 3))
}

func TestPlan_CreatesCandidates(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily).WithCount(5))

	created := rows(t, m, tpl, recurrence.Unbounded())
	require.Len(t, created, 5)
	for i, inst := range created {
		assert.Equal(t, i+1, inst.GenerationIndex)
		assert.Equal(t, InstanceID("tpl", i+1), inst.ID)
		assert.Equal(t, "tpl", inst.TemplateID)
		assert.True(t, inst.Start.Equal(base.AddDate(0, 0, i)))
		assert.True(t, inst.End.Equal(base.AddDate(0, 0, i).Add(time.Hour)))
		assert.Equal(t, "Standup", inst.Title)
		assert.False(t, inst.IsException)
	}
}

func TestPlan_Idempotent(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Weekly).WithInterval(2))
	window := storage.Window{Start: base, End: base.AddDate(0, 3, 0)}

	existing := rows(t, m, tpl, window)
	require.NotEmpty(t, existing)

	plan, err := m.Plan(tpl, existing, window, mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Len(t, plan.Retain, len(existing))
}

func TestPlan_RetainsExceptionsAndTombstones(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily).WithCount(5))
	existing := rows(t, m, tpl, recurrence.Unbounded())

	existing[1].IsException = true
	existing[1].Overrides = storage.Overrides{storage.FieldTitle: "Moved"}
	existing[1].Title = "Moved"
	existing[3].Cancelled = true
	existing[3].IsException = true

	// A title edit should rewrite plain rows only
	edited := tpl.Clone()
	edited.Title = "Daily"

	plan, err := m.Plan(edited, existing, recurrence.Unbounded(), mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	assert.Empty(t, plan.Create)
	assert.Empty(t, plan.Delete)
	require.Len(t, plan.Update, 3)
	for _, inst := range plan.Update {
		assert.Equal(t, "Daily", inst.Title)
	}
	require.Len(t, plan.Retain, 2)
	assert.Equal(t, "Moved", plan.Retain[0].Title)
	assert.True(t, plan.Retain[1].Cancelled)
}

func TestPlan_TightenedRuleDeletesSurplus(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily).WithCount(5))
	existing := rows(t, m, tpl, recurrence.Unbounded())

	tightened := tpl.Clone()
	rule := tightened.Rule.WithCount(3)
	tightened.Rule = &rule

	plan, err := m.Plan(tightened, existing, recurrence.Unbounded(), mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	require.Len(t, plan.Delete, 2)
	assert.Equal(t, 4, plan.Delete[0].GenerationIndex)
	assert.Equal(t, 5, plan.Delete[1].GenerationIndex)
	assert.Len(t, plan.Retain, 3)
}

func TestPlan_OnlyDeletesInsideWindow(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily).WithCount(10))
	existing := rows(t, m, tpl, recurrence.Unbounded())

	tightened := tpl.Clone()
	rule := tightened.Rule.WithCount(2)
	tightened.Rule = &rule

	// Window covers Jan 1 to Jan 5, so indexes 6 to 10 are out of reach
	window := storage.Window{Start: base, End: base.AddDate(0, 0, 5)}
	plan, err := m.Plan(tightened, existing, window, mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	require.Len(t, plan.Delete, 3)
	for _, inst := range plan.Delete {
		assert.True(t, inst.InWindow(window))
	}
}

func TestPlan_DuplicateIndex(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily).WithCount(2))
	existing := rows(t, m, tpl, recurrence.Unbounded())

	dup := storage.NewMockInstance("stray", tpl, 1, base)
	tomb := storage.NewMockInstance("tomb", tpl, 2, base.AddDate(0, 0, 1))
	tomb.Cancelled = true
	tomb.IsException = true
	existing = append(existing, dup, tomb)

	plan, err := m.Plan(tpl, existing, recurrence.Unbounded(), mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	assert.Empty(t, plan.Create)

	// The tombstone outranks the plain row at index 2, which becomes the
	// duplicate
	deleted := make([]string, 0, len(plan.Delete))
	for _, inst := range plan.Delete {
		deleted = append(deleted, inst.ID)
	}
	assert.Equal(t, []string{"stray", InstanceID("tpl", 2)}, deleted)
	require.Len(t, plan.Retain, 2)
	assert.Equal(t, "tomb", plan.Retain[1].ID)
}

func TestPlan_RevisionBumpRewritesAnchors(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily).WithCount(3))
	existing := rows(t, m, tpl, recurrence.Unbounded())

	moved := tpl.Clone()
	moved.StartAt = base.Add(2 * time.Hour)
	moved.EndAt = moved.StartAt.Add(time.Hour)
	moved.RuleRevision = 1

	plan, err := m.Plan(moved, existing, recurrence.Unbounded(), mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	require.Len(t, plan.Update, 3)
	for i, inst := range plan.Update {
		assert.Equal(t, InstanceID("tpl", i+1), inst.ID)
		assert.Equal(t, 1, inst.RuleRevision)
		assert.Equal(t, 11, inst.Start.Hour())
		assert.True(t, inst.OriginalStart.Equal(inst.Start))
	}
}

func TestPlan_ResumesFromCursor(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily))

	window := storage.Window{Start: base.AddDate(0, 0, 10), End: base.AddDate(0, 0, 13)}
	cursor := mo.Some(recurrence.Cursor{Index: 8, Start: base.AddDate(0, 0, 7)})

	plan, err := m.Plan(tpl, nil, window, cursor)
	require.NoError(t, err)
	require.Len(t, plan.Create, 3)
	assert.Equal(t, 11, plan.Create[0].GenerationIndex)
	assert.Equal(t, 13, plan.Create[2].GenerationIndex)
	assert.True(t, plan.Create[0].Start.Equal(base.AddDate(0, 0, 10)))
}

func TestPlan_NonRecurringTemplateRetainsRows(t *testing.T) {
	m := newTestMaterializer()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily))
	inst := storage.NewMockInstance("i1", tpl, 1, base)
	tpl.Rule = nil

	plan, err := m.Plan(tpl, []*storage.Instance{inst}, recurrence.Unbounded(), mo.None[recurrence.Cursor]())
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Len(t, plan.Retain, 1)
}
