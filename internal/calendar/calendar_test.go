package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/logger"
)

func TestQuarterOfIsTotal(t *testing.T) {
	want := map[time.Month]QuarterID{
		time.November: Q1, time.December: Q1, time.January: Q1,
		time.February: Q2, time.March: Q2, time.April: Q2,
		time.May: Q3, time.June: Q3, time.July: Q3,
		time.August: Q4, time.September: Q4, time.October: Q4,
	}
	counts := map[QuarterID]int{}
	for m := time.January; m <= time.December; m++ {
		got := QuarterOf(time.Date(2026, m, 15, 0, 0, 0, 0, time.UTC))
		assert.Equal(t, want[m], got, "month %s", m)
		assert.True(t, got.Valid())
		counts[got]++
	}
	for _, q := range Quarters() {
		assert.Equal(t, 3, counts[q.ID], "quarter %s owns three months", q.ID)
	}
}

func TestQuarterOfEveryDay(t *testing.T) {
	d := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 366*2; i++ {
		q := QuarterOf(d)
		require.True(t, q.Valid(), "%s", d)
		lookedUp, err := Lookup(q)
		require.NoError(t, err)
		assert.Contains(t, lookedUp.Months[:], d.Month())
		d = d.AddDate(0, 0, 1)
	}
}

func TestQuarterOfMonthFallsBackToQ1(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := logger.Logger
	logger.Logger = zap.New(core).Sugar()
	t.Cleanup(func() { logger.Logger = prev })

	assert.Equal(t, Q1, QuarterOfMonth(time.Month(13)))
	assert.Equal(t, Q1, QuarterOfMonth(time.Month(0)))
	assert.Equal(t, 2, logs.FilterMessageSnippet("defaulting to Q1").Len())
}

func TestLookupRejectsUnknownQuarter(t *testing.T) {
	_, err := Lookup(QuarterID(5))
	assert.True(t, errors.Is(err, errors.ErrValidationFailed))
}

func TestBounds(t *testing.T) {
	cases := []struct {
		name       string
		id         QuarterID
		ref        time.Time
		start, end string
	}{
		{"q3 from its first day", Q3, date(2026, 5, 1), "2026-05-01", "2026-08-01"},
		{"q1 spans the year end", Q1, date(2026, 1, 20), "2025-11-01", "2026-02-01"},
		{"q1 next occurrence", Q1, date(2026, 3, 1), "2026-11-01", "2027-02-01"},
		{"q2 before it starts", Q2, date(2026, 1, 5), "2026-02-01", "2026-05-01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, err := Bounds(tc.id, tc.ref)
			require.NoError(t, err)
			assert.Equal(t, tc.start, start.Format(DateLayout))
			assert.Equal(t, tc.end, end.Format(DateLayout))
		})
	}
}

func TestFreezeWindow(t *testing.T) {
	// 2026-05-04 is a Monday
	monday := date(2026, 5, 4)
	frozen := map[time.Weekday]bool{
		time.Monday: true, time.Tuesday: true, time.Wednesday: false,
		time.Thursday: true, time.Friday: true, time.Saturday: true, time.Sunday: true,
	}
	for i := 0; i < 7; i++ {
		d := monday.AddDate(0, 0, i)
		assert.Equal(t, frozen[d.Weekday()], IsFrozen(d), d.Weekday().String())
	}
	assert.False(t, NoFreeze.Contains(monday))

	weekend := FreezeWindow{Start: time.Saturday, End: time.Sunday}
	assert.True(t, weekend.Contains(date(2026, 5, 9)))
	assert.True(t, weekend.Contains(date(2026, 5, 10)))
	assert.False(t, weekend.Contains(date(2026, 5, 11)))
}

func TestParseFreezeWindow(t *testing.T) {
	w, err := ParseFreezeWindow("thu-tue")
	require.NoError(t, err)
	assert.Equal(t, DefaultFreeze, w)

	w, err = ParseFreezeWindow("Saturday-Sunday")
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, w.Start)

	w, err = ParseFreezeWindow("none")
	require.NoError(t, err)
	assert.True(t, w.Disabled)

	_, err = ParseFreezeWindow("thursday")
	assert.Error(t, err)
	_, err = ParseFreezeWindow("xx-tue")
	assert.Error(t, err)
}

func TestParseDateRejectsInvalid(t *testing.T) {
	_, err := ParseDate("2026-02-30")
	assert.True(t, errors.Is(err, errors.ErrInvalidDate))

	d, err := ParseDate("2026-05-06")
	require.NoError(t, err)
	assert.Equal(t, time.Wednesday, d.Weekday())

	_, _, err = ParseClock("25:00")
	assert.True(t, errors.Is(err, errors.ErrInvalidDate))

	at, err := Combine("2026-05-06", "20:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 20, at.Hour())
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
