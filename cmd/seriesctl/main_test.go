package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyp0633/libseries/icalendar"
	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newConfig writes a config whose Badger store lives in a temp dir
func newConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seriesctl.yaml")
	content := fmt.Sprintf(`
timezone: UTC
storage:
  path: %s
log:
  level: error
`, filepath.Join(dir, "db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"--config", cfg}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func mustRun(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, cfg, args...)
	require.NoError(t, err, "seriesctl %v", args)
	return out
}

func listJSON(t *testing.T, cfg string, args ...string) []series.EffectiveOccurrence {
	t.Helper()
	var occ []series.EffectiveOccurrence
	out := mustRun(t, cfg, append([]string{"list", "--json"}, args...)...)
	require.NoError(t, json.Unmarshal([]byte(out), &occ))
	return occ
}

func createStandup(t *testing.T, cfg string) {
	t.Helper()
	mustRun(t, cfg, "create",
		"--id", "standup",
		"--title", "Standup",
		"--start", "2024-01-01T09:00",
		"--duration", "30m",
		"--rrule", "FREQ=DAILY;COUNT=5")
}

func TestSeriesLifecycle(t *testing.T) {
	cfg := newConfig(t)
	createStandup(t, cfg)

	occ := listJSON(t, cfg, "standup")
	require.Len(t, occ, 5)
	assert.Equal(t, "Standup", occ[0].Title)
	assert.Equal(t, 9, occ[0].Start.Hour())
	assert.Equal(t, 30, int(occ[0].End.Sub(occ[0].Start).Minutes()))

	mustRun(t, cfg, "delete-instance", series.InstanceID("standup", 2))

	out := mustRun(t, cfg, "--json", "edit", series.InstanceID("standup", 3),
		"--set", "title=Dentist", "--set", "start_time=13:00")
	var edited storage.Instance
	require.NoError(t, json.Unmarshal([]byte(out), &edited))
	assert.Equal(t, "Dentist", edited.Title)
	assert.True(t, edited.IsException)

	occ = listJSON(t, cfg, "standup")
	require.Len(t, occ, 4)
	assert.Equal(t, "Dentist", occ[1].Title)
	assert.Equal(t, 13, occ[1].Start.Hour())

	table := mustRun(t, cfg, "list", "standup")
	assert.Contains(t, table, "TITLE")
	assert.Contains(t, table, "3*")

	out = mustRun(t, cfg, "--json", "delete-following", series.InstanceID("standup", 4))
	var tpl storage.Template
	require.NoError(t, json.Unmarshal([]byte(out), &tpl))
	assert.True(t, tpl.Truncated)
	assert.Len(t, listJSON(t, cfg, "standup"), 2)

	mustRun(t, cfg, "delete-series", "standup")
	_, err := runCLI(t, cfg, "list", "standup")
	assert.ErrorIs(t, err, series.ErrTemplateNotFound)
}

func TestSplitAndConvert(t *testing.T) {
	cfg := newConfig(t)
	createStandup(t, cfg)

	out := mustRun(t, cfg, "--json", "split", series.InstanceID("standup", 3), "--title", "Planning")
	var next storage.Template
	require.NoError(t, json.Unmarshal([]byte(out), &next))
	assert.Equal(t, "Planning", next.Title)
	require.NotNil(t, next.Rule)
	require.NotNil(t, next.Rule.Count)
	assert.Equal(t, 3, *next.Rule.Count)
	assert.Len(t, listJSON(t, cfg, "standup"), 2)
	assert.Len(t, listJSON(t, cfg, next.ID), 3)

	mustRun(t, cfg, "convert", next.ID)
	solo := listJSON(t, cfg, "--standalone")
	require.Len(t, solo, 1)
	assert.Equal(t, "Planning", solo[0].Title)

	_, err := runCLI(t, cfg, "convert", next.ID)
	assert.ErrorIs(t, err, series.ErrAlreadyStandalone)
}

func TestStandaloneEvent(t *testing.T) {
	cfg := newConfig(t)
	mustRun(t, cfg, "create", "--id", "lunch", "--title", "Lunch", "--start", "2024-02-02T12:00:00Z")

	solo := listJSON(t, cfg, "--standalone")
	require.Len(t, solo, 1)
	assert.Equal(t, "lunch", solo[0].InstanceID)

	mustRun(t, cfg, "delete-event", "lunch")
	assert.Empty(t, listJSON(t, cfg, "--standalone"))
}

func TestExportImport(t *testing.T) {
	src := newConfig(t)
	createStandup(t, src)
	mustRun(t, src, "delete-instance", series.InstanceID("standup", 2))
	mustRun(t, src, "create", "--id", "lunch", "--title", "Lunch", "--start", "2024-02-02T12:00")

	ics := mustRun(t, src, "export")
	assert.Contains(t, ics, "RRULE:FREQ=DAILY;COUNT=5")
	assert.Contains(t, ics, "EXDATE")
	assert.Contains(t, ics, "UID:lunch")

	xcalPath := filepath.Join(t.TempDir(), "out.xml")
	mustRun(t, src, "export", "--format", "xcal", "-o", xcalPath)
	xcal, err := os.ReadFile(xcalPath)
	require.NoError(t, err)
	assert.Contains(t, string(xcal), icalendar.XCalNamespace)

	icsPath := filepath.Join(t.TempDir(), "out.ics")
	require.NoError(t, os.WriteFile(icsPath, []byte(ics), 0o600))

	dst := newConfig(t)
	out := mustRun(t, dst, "import", icsPath)
	assert.Contains(t, out, "imported 1 series and 1 events")
	assert.Len(t, listJSON(t, dst, "standup"), 4)
	assert.Len(t, listJSON(t, dst, "--standalone"), 1)
}

func TestWorkerOnce(t *testing.T) {
	cfg := newConfig(t)
	mustRun(t, cfg, "create", "--id", "weekly", "--title", "Review", "--start", "2024-01-01T09:00", "--rrule", "FREQ=WEEKLY")

	out := mustRun(t, cfg, "worker", "--once")
	assert.Contains(t, out, "extended")
}

func TestUsageErrors(t *testing.T) {
	cfg := newConfig(t)

	_, err := runCLI(t, cfg, "list")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, cfg, "create", "--start", "tomorrow")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, cfg, "create", "--start", "2024-01-01T09:00", "--rrule", "FREQ=HOURLY")
	assert.ErrorIs(t, err, icalendar.ErrUnsupportedRule)

	_, err = runCLI(t, cfg, "edit", "x", "--set", "title")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, cfg, "export", "--format", "pdf")
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, cfg, "materialize", "missing")
	assert.True(t, storage.IsType(err, storage.ErrNotFound))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "seriesctl.yaml")
	mustRun(t, path, "config", "init")
	_, err := os.Stat(path)
	require.NoError(t, err)

	_, err = runCLI(t, path, "config", "init")
	assert.Error(t, err)
	mustRun(t, path, "config", "init", "--force")
}
