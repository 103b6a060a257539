package icalendar

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/beevik/etree"
	"github.com/cyp0633/libseries/recurrence"
	"github.com/cyp0633/libseries/series"
	"github.com/cyp0633/libseries/storage"
	"github.com/cyp0633/libseries/storage/memory"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fortnightly is a WEEKLY;INTERVAL=2;BYDAY=MO,WE;COUNT=6 series starting
// Monday 2024-01-01 09:00 in Berlin, with the second occurrence cancelled
// and the third moved to 14:00 under another title.
func fortnightly(t *testing.T) Series {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 9, 0, 0, 0, loc)
	rule := recurrence.NewRule(recurrence.Weekly).
		WithInterval(2).
		WithWeekStart(recurrence.Weekday(time.Monday)).
		WithByDay(recurrence.WeekdayNum{Day: recurrence.Weekday(time.Monday)}, recurrence.WeekdayNum{Day: recurrence.Weekday(time.Wednesday)}).
		WithCount(6)
	tpl := storage.NewMockTemplate("standup", "Standup", start, rule)
	tpl.Location = "Room 1"

	cancelled := storage.NewMockInstance(series.InstanceID("standup", 2), tpl, 2, time.Date(2024, 1, 3, 9, 0, 0, 0, loc))
	cancelled.Cancelled = true
	cancelled.IsException = true

	moved := storage.NewMockInstance(series.InstanceID("standup", 3), tpl, 3, time.Date(2024, 1, 15, 9, 0, 0, 0, loc))
	moved.IsException = true
	moved.Overrides = storage.Overrides{storage.FieldStartTime: "14:00", storage.FieldTitle: "Planning"}

	plain := storage.NewMockInstance(series.InstanceID("standup", 4), tpl, 4, time.Date(2024, 1, 17, 9, 0, 0, 0, loc))

	return Series{Template: tpl, Instances: []*storage.Instance{cancelled, moved, plain}}
}

func encode(t *testing.T, e Export) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, e))
	return buf.String()
}

func TestEncode(t *testing.T) {
	out := encode(t, Export{Series: []Series{fortnightly(t)}, Stamp: stamp})

	assert.Contains(t, out, "BEGIN:VCALENDAR")
	assert.Contains(t, out, "PRODID:"+ProductID)
	assert.Contains(t, out, "DTSTART;TZID=Europe/Berlin:20240101T090000")
	assert.Contains(t, out, "EXDATE;TZID=Europe/Berlin:20240103T090000")
	assert.Contains(t, out, "RECURRENCE-ID;TZID=Europe/Berlin:20240115T090000")
	assert.Contains(t, out, "DTSTART;TZID=Europe/Berlin:20240115T140000")
	assert.Contains(t, out, "SUMMARY:Planning")

	var rrule string
	for _, line := range strings.Split(out, "\r\n") {
		if strings.HasPrefix(line, "RRULE:") {
			rrule = line
		}
	}
	require.NotEmpty(t, rrule)
	assert.Contains(t, rrule, "FREQ=WEEKLY")
	assert.Contains(t, rrule, "INTERVAL=2")
	assert.Contains(t, rrule, "COUNT=6")
	assert.Contains(t, rrule, "BYDAY=MO,WE")

	// Exactly two VEVENTs: the master and the moved occurrence
	assert.Equal(t, 2, strings.Count(out, "BEGIN:VEVENT"))
}

func TestEncode_UntilIsInclusive(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	rule := recurrence.NewRule(recurrence.Daily).WithUntil(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	tpl := storage.NewMockTemplate("daily", "Daily", start, rule)

	out := encode(t, Export{Series: []Series{{Template: tpl}}, Stamp: stamp})
	assert.Contains(t, out, "UNTIL=20240110T085959Z")

	imp, err := Decode(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, imp.Series, 1)
	got := imp.Series[0].Template.Rule
	require.NotNil(t, got.Until)
	assert.True(t, got.Until.Equal(*rule.Until))
}

func TestEncode_SkipsConvertedTemplates(t *testing.T) {
	s := fortnightly(t)
	s.Template.Rule = nil
	solo := &storage.Instance{ID: "solo", Start: stamp, End: stamp.Add(time.Hour), Title: "Lunch"}

	out := encode(t, Export{Series: []Series{s}, Standalone: []*storage.Instance{solo}, Stamp: stamp})
	assert.Equal(t, 1, strings.Count(out, "BEGIN:VEVENT"))
	assert.Contains(t, out, "UID:solo")
	assert.NotContains(t, out, "RRULE")
}

func TestDecode_RoundTrip(t *testing.T) {
	src := fortnightly(t)
	solo := &storage.Instance{ID: "solo", Start: stamp, End: stamp.Add(time.Hour), Title: "Lunch"}
	out := encode(t, Export{Series: []Series{src}, Standalone: []*storage.Instance{solo}, Stamp: stamp})

	imp, err := Decode(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, imp.Series, 1)
	require.Len(t, imp.Standalone, 1)
	assert.Equal(t, "Lunch", imp.Standalone[0].Title)

	s := imp.Series[0]
	tpl := s.Template
	assert.Equal(t, "standup", tpl.ID)
	assert.Equal(t, "Standup", tpl.Title)
	assert.Equal(t, "Room 1", tpl.Location)
	assert.Equal(t, "Europe/Berlin", tpl.TimeZone)
	assert.True(t, tpl.StartAt.Equal(src.Template.StartAt))
	assert.Equal(t, time.Hour, tpl.Duration())

	require.NotNil(t, tpl.Rule)
	assert.Equal(t, recurrence.Weekly, tpl.Rule.Frequency)
	assert.Equal(t, 2, tpl.Rule.Interval)
	require.NotNil(t, tpl.Rule.Count)
	assert.Equal(t, 6, *tpl.Rule.Count)
	assert.Equal(t, src.Template.Rule.ByDay, tpl.Rule.ByDay)
	require.NotNil(t, tpl.Rule.WeekStart)
	assert.Equal(t, recurrence.Weekday(time.Monday), *tpl.Rule.WeekStart)

	require.Len(t, s.Exceptions, 2)
	assert.True(t, s.Exceptions[0].Cancelled)
	assert.True(t, s.Exceptions[0].OriginalStart.Equal(src.Instances[0].OriginalStart))

	moved := s.Exceptions[1]
	assert.False(t, moved.Cancelled)
	assert.True(t, moved.OriginalStart.Equal(src.Instances[1].OriginalStart))
	assert.Equal(t, storage.Overrides{
		storage.FieldStartTime: "14:00",
		storage.FieldEndTime:   "15:00",
		storage.FieldTitle:     "Planning",
	}, moved.Overrides)
}

func TestDecode_UnsupportedRule(t *testing.T) {
	const cal = "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:hourly\r\n" +
		"DTSTAMP:20240101T000000Z\r\n" +
		"DTSTART:20240101T090000Z\r\n" +
		"DTEND:20240101T093000Z\r\n" +
		"RRULE:FREQ=HOURLY;COUNT=3\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	_, err := Decode(strings.NewReader(cal))
	assert.ErrorIs(t, err, ErrUnsupportedRule)
}

func TestDecode_CommaSeparatedExdates(t *testing.T) {
	const cal = "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:daily\r\n" +
		"DTSTAMP:20240101T000000Z\r\n" +
		"DTSTART:20240101T090000Z\r\n" +
		"DURATION:PT45M\r\n" +
		"RRULE:FREQ=DAILY;COUNT=5\r\n" +
		"EXDATE:20240102T090000Z,20240104T090000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	imp, err := Decode(strings.NewReader(cal))
	require.NoError(t, err)
	require.Len(t, imp.Series, 1)
	s := imp.Series[0]
	assert.Equal(t, 45*time.Minute, s.Template.Duration())
	require.Len(t, s.Exceptions, 2)
	assert.True(t, s.Exceptions[0].OriginalStart.Equal(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)))
	assert.True(t, s.Exceptions[1].OriginalStart.Equal(time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)))
}

func TestRuleFromROption_LastFriday(t *testing.T) {
	start := time.Date(2024, 1, 26, 9, 0, 0, 0, time.UTC)
	src := recurrence.NewRule(recurrence.Monthly).
		WithByDay(recurrence.WeekdayNum{Day: recurrence.Weekday(time.Friday), N: -1}).
		WithCount(3)

	got, err := RuleFromROption(ROption(src, start))
	require.NoError(t, err)
	assert.Equal(t, src.ByDay, got.ByDay)
	assert.Equal(t, *src.Count, *got.Count)
	assert.Nil(t, got.WeekStart)
}

func TestApply(t *testing.T) {
	src := fortnightly(t)
	out := encode(t, Export{Series: []Series{src}, Stamp: stamp})
	imp, err := Decode(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, imp.Series, 1)

	store := memory.New()
	engine := recurrence.NewEngineWithConfig(recurrence.DisabledCacheConfig)
	defer engine.Close()
	c := series.NewCoordinator(store, engine)
	ctx := context.Background()

	tpl, skipped, err := imp.Series[0].Apply(ctx, c, recurrence.Unbounded())
	require.NoError(t, err)
	assert.Zero(t, skipped)

	occ, err := c.ListOccurrences(ctx, tpl.ID, recurrence.Unbounded())
	require.NoError(t, err)
	require.Len(t, occ, 5)

	moved, ok := findOccurrence(occ, src.Instances[1].OriginalStart).Get()
	require.True(t, ok)
	assert.Equal(t, "Planning", moved.Title)
	assert.Equal(t, 14, moved.Start.Hour())
	assert.True(t, moved.IsException)

	_, ok = findOccurrence(occ, src.Instances[0].OriginalStart).Get()
	assert.False(t, ok, "cancelled occurrence must not be listed")

	// Exporting the applied series gives the same calendar back
	insts, err := store.ListInstances(ctx, tpl.ID, recurrence.Unbounded())
	require.NoError(t, err)
	again := encode(t, Export{Series: []Series{{Template: tpl, Instances: insts}}, Stamp: stamp})
	assert.Contains(t, again, "EXDATE;TZID=Europe/Berlin:20240103T090000")
	assert.Contains(t, again, "RECURRENCE-ID;TZID=Europe/Berlin:20240115T090000")
}

func findOccurrence(occ []series.EffectiveOccurrence, orig time.Time) mo.Option[series.EffectiveOccurrence] {
	for _, o := range occ {
		if o.OriginalStart.Equal(orig) {
			return mo.Some(o)
		}
	}
	return mo.None[series.EffectiveOccurrence]()
}

func TestEncodeXCal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeXCal(&buf, Export{Series: []Series{fortnightly(t)}, Stamp: stamp}))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(buf.Bytes()))

	root := doc.Root()
	require.NotNil(t, root)
	assert.Equal(t, "icalendar", root.Tag)
	assert.Equal(t, XCalNamespace, root.SelectAttrValue("xmlns", ""))

	events := doc.FindElements("//vevent")
	require.Len(t, events, 2)

	master := events[0]
	dtstart := master.FindElement("./properties/dtstart")
	require.NotNil(t, dtstart)
	assert.Equal(t, "2024-01-01T09:00:00", dtstart.FindElement("date-time").Text())
	assert.Equal(t, "Europe/Berlin", dtstart.FindElement("./parameters/tzid/text").Text())

	recur := master.FindElement("./properties/rrule/recur")
	require.NotNil(t, recur)
	assert.Equal(t, "WEEKLY", recur.FindElement("freq").Text())
	assert.Equal(t, "6", recur.FindElement("count").Text())
	days := recur.SelectElements("byday")
	require.Len(t, days, 2)
	assert.Equal(t, "MO", days[0].Text())
	assert.Equal(t, "WE", days[1].Text())

	assert.Equal(t, "Standup", master.FindElement("./properties/summary/text").Text())
	assert.NotNil(t, events[1].FindElement("./properties/recurrence-id"))
}

func TestXMLDateTime(t *testing.T) {
	assert.Equal(t, "2024-01-01T09:00:00Z", xmlDateTime("20240101T090000Z"))
	assert.Equal(t, "2024-01-01T09:00:00", xmlDateTime("20240101T090000"))
	assert.Equal(t, "2024-01-01", xmlDateTime("20240101"))
}

func TestImported_Apply(t *testing.T) {
	lunchStart := time.Date(2024, 2, 2, 12, 0, 0, 0, time.UTC)
	lunch := &storage.Instance{ID: "lunch", OriginalStart: lunchStart, Start: lunchStart, End: lunchStart.Add(time.Hour), Title: "Lunch"}
	out := encode(t, Export{Series: []Series{fortnightly(t)}, Standalone: []*storage.Instance{lunch}, Stamp: stamp})

	imp, err := Decode(strings.NewReader(out))
	require.NoError(t, err)

	store := memory.New()
	engine := recurrence.NewEngineWithConfig(recurrence.DisabledCacheConfig)
	defer engine.Close()
	c := series.NewCoordinator(store, engine)
	ctx := context.Background()

	res, err := imp.Apply(ctx, c, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Series: 1, Standalone: 1}, res)

	got, err := store.GetInstance(ctx, "lunch")
	require.NoError(t, err)
	assert.Equal(t, "Lunch", got.Title)
	assert.True(t, got.Start.Equal(lunchStart))

	// a second import collides on ids
	_, err = imp.Apply(ctx, c, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, series.ErrInvalidTemplate)
}
