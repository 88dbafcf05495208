// Package calendar maps dates onto the four patch quarters and evaluates freeze
// windows. Quarters follow the business cycle, not calendar quarters: Q1 runs
// November through January.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/devghori1264/quarterpatch/internal/errors"
	"github.com/devghori1264/quarterpatch/internal/logger"
)

// QuarterID identifies one of the four patch quarters.
type QuarterID int

const (
	Q1 QuarterID = iota + 1
	Q2
	Q3
	Q4
)

func (id QuarterID) String() string { return fmt.Sprintf("Q%d", int(id)) }

// Valid reports whether id is 1-4.
func (id QuarterID) Valid() bool { return id >= Q1 && id <= Q4 }

// Quarter is static configuration.
type Quarter struct {
	ID     QuarterID
	Name   string
	Months [3]time.Month
	Freeze FreezeWindow
}

var quarters = [4]Quarter{
	{ID: Q1, Name: "Q1", Months: [3]time.Month{time.November, time.December, time.January}, Freeze: DefaultFreeze},
	{ID: Q2, Name: "Q2", Months: [3]time.Month{time.February, time.March, time.April}, Freeze: DefaultFreeze},
	{ID: Q3, Name: "Q3", Months: [3]time.Month{time.May, time.June, time.July}, Freeze: DefaultFreeze},
	{ID: Q4, Name: "Q4", Months: [3]time.Month{time.August, time.September, time.October}, Freeze: DefaultFreeze},
}

var monthTable = func() map[time.Month]QuarterID {
	m := make(map[time.Month]QuarterID, 12)
	for _, q := range quarters {
		for _, month := range q.Months {
			m[month] = q.ID
		}
	}
	return m
}()

// Quarters returns the static quarter table.
func Quarters() []Quarter {
	out := make([]Quarter, len(quarters))
	copy(out, quarters[:])
	return out
}

// Lookup returns the quarter for id.
func Lookup(id QuarterID) (Quarter, error) {
	if !id.Valid() {
		return Quarter{}, errors.Wrapf(errors.ErrValidationFailed, "unknown quarter %d", int(id))
	}
	return quarters[id-1], nil
}

// QuarterOf returns the quarter containing date.
func QuarterOf(date time.Time) QuarterID {
	return QuarterOfMonth(date.Month())
}

// QuarterOfMonth looks month up in the quarter table. A month outside the table
// falls back to Q1 with a warning.
func QuarterOfMonth(month time.Month) QuarterID {
	if id, ok := monthTable[month]; ok {
		return id
	}
	logger.Logger.Named("calendar").Warnw("month not in quarter table, defaulting to Q1", "month", int(month))
	return Q1
}

// Bounds returns the half-open range [start, end) of the occurrence of quarter id
// that contains ref, or the next occurrence starting after ref.
func Bounds(id QuarterID, ref time.Time) (time.Time, time.Time, error) {
	q, err := Lookup(id)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	for y := ref.Year() - 1; y <= ref.Year()+1; y++ {
		start := time.Date(y, q.Months[0], 1, 0, 0, 0, 0, ref.Location())
		end := start.AddDate(0, 3, 0)
		if ref.Before(end) {
			return start, end, nil
		}
	}
	// unreachable: some occurrence always ends within two years of ref
	return time.Time{}, time.Time{}, errors.Newf("no occurrence of %s near %s", id, ref.Format(DateLayout))
}

// DateLayout is the wire format for patch dates.
const DateLayout = "2006-01-02"

// ClockLayout is the wire format for patch times.
const ClockLayout = "15:04"

// ParseDate parses YYYY-MM-DD in UTC.
func ParseDate(s string) (time.Time, error) {
	return ParseDateIn(s, time.UTC)
}

// ParseDateIn parses YYYY-MM-DD in loc.
func ParseDateIn(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "parse date %q", s), errors.ErrInvalidDate)
	}
	return t, nil
}

// ParseClock parses HH:MM into hour and minute.
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse(ClockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, 0, errors.Mark(errors.Wrapf(err, "parse time %q", s), errors.ErrInvalidDate)
	}
	return t.Hour(), t.Minute(), nil
}

// Combine resolves a patch date and time in loc into an instant.
func Combine(date, clock string, loc *time.Location) (time.Time, error) {
	d, err := ParseDateIn(date, loc)
	if err != nil {
		return time.Time{}, err
	}
	h, m, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
