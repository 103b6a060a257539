package series

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily))
	tpl.Description = "daily sync"
	tpl.Location = "Room 1"
	day := base.AddDate(0, 0, 4)
	at := func(h, m int) time.Time { return time.Date(2024, 1, 5, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name      string
		overrides storage.Overrides
		wantStart time.Time
		wantEnd   time.Time
		wantTitle string
		wantLoc   string
	}{
		{
			name:      "No overrides uses template values",
			wantStart: at(9, 0),
			wantEnd:   at(10, 0),
			wantTitle: "Standup",
			wantLoc:   "Room 1",
		},
		{
			name:      "Start and end time overrides",
			overrides: storage.Overrides{storage.FieldStartTime: "14:00", storage.FieldEndTime: "15:30"},
			wantStart: at(14, 0),
			wantEnd:   at(15, 30),
			wantTitle: "Standup",
			wantLoc:   "Room 1",
		},
		{
			name:      "Start after base end keeps the duration",
			overrides: storage.Overrides{storage.FieldStartTime: "16:00"},
			wantStart: at(16, 0),
			wantEnd:   at(17, 0),
			wantTitle: "Standup",
			wantLoc:   "Room 1",
		},
		{
			name:      "Malformed time is ignored",
			overrides: storage.Overrides{storage.FieldStartTime: "25:99"},
			wantStart: at(9, 0),
			wantEnd:   at(10, 0),
			wantTitle: "Standup",
			wantLoc:   "Room 1",
		},
		{
			name:      "Text overrides",
			overrides: storage.Overrides{storage.FieldTitle: "Retro", storage.FieldLocation: "Room 2"},
			wantStart: at(9, 0),
			wantEnd:   at(10, 0),
			wantTitle: "Retro",
			wantLoc:   "Room 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := storage.NewMockInstance("i5", tpl, 5, day)
			inst.Overrides = tt.overrides

			eff := Resolve(tpl, inst)
			assert.True(t, eff.Start.Equal(tt.wantStart), "start %v, want %v", eff.Start, tt.wantStart)
			assert.True(t, eff.End.Equal(tt.wantEnd), "end %v, want %v", eff.End, tt.wantEnd)
			assert.Equal(t, tt.wantTitle, eff.Title)
			assert.Equal(t, tt.wantLoc, eff.Location)
			assert.Equal(t, "daily sync", eff.Description)
			assert.True(t, eff.OriginalStart.Equal(day))

			assert.Equal(t, eff, Resolve(tpl, inst), "resolution must be idempotent")
		})
	}
}

func TestResolve_ProjectsOntoLocalDateAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	base := time.Date(2024, 3, 8, 9, 0, 0, 0, loc)
	tpl := storage.NewMockTemplate("tpl", "Standup", base, recurrence.NewRule(recurrence.Daily))

	// Stored anchors come back from JSON in a fixed offset; the template
	// zone puts them back on the right local date.
	anchor := time.Date(2024, 3, 11, 9, 0, 0, 0, loc).UTC()
	inst := storage.NewMockInstance("i4", tpl, 4, anchor)
	inst.Overrides = storage.Overrides{storage.FieldStartTime: "08:00"}

	eff := Resolve(tpl, inst)
	assert.Equal(t, time.Date(2024, 3, 11, 8, 0, 0, 0, loc), eff.Start)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 0, 0, 0, loc), eff.End)
}

func TestResolve_Standalone(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	inst := &storage.Instance{ID: "solo", Start: start, End: start.Add(time.Hour), Title: "Lunch"}

	eff := Resolve(nil, inst)
	assert.Equal(t, "Lunch", eff.Title)
	assert.True(t, eff.Start.Equal(start))
	assert.Empty(t, eff.TemplateID)
}

func TestValidateOverrides(t *testing.T) {
	assert.NoError(t, ValidateOverrides(nil))
	assert.NoError(t, ValidateOverrides(storage.Overrides{storage.FieldStartTime: "07:15", storage.FieldTitle: ""}))

	err := ValidateOverrides(storage.Overrides{storage.FieldEndTime: "7pm"})
	var overrideErr *InvalidOverrideError
	require.True(t, errors.As(err, &overrideErr))
	assert.Equal(t, "end_time", overrideErr.Field)
	assert.ErrorIs(t, err, ErrInvalidOverride)

	err = ValidateOverrides(storage.Overrides{"color": "red"})
	assert.ErrorIs(t, err, ErrInvalidOverride)
}
