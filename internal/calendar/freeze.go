package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/devghori1264/quarterpatch/internal/errors"
)

// FreezeWindow is a recurring weekly span, Start through End inclusive, that may
// wrap across Sunday. Slots may not be placed on frozen days unless forced.
type FreezeWindow struct {
	Start    time.Weekday
	End      time.Weekday
	Disabled bool
}

// DefaultFreeze is Thursday through the following Tuesday.
var DefaultFreeze = FreezeWindow{Start: time.Thursday, End: time.Tuesday}

// NoFreeze never freezes.
var NoFreeze = FreezeWindow{Disabled: true}

// Contains reports whether date's weekday falls inside the window.
func (w FreezeWindow) Contains(date time.Time) bool {
	if w.Disabled {
		return false
	}
	span := (int(w.End) - int(w.Start) + 7) % 7
	offset := (int(date.Weekday()) - int(w.Start) + 7) % 7
	return offset <= span
}

func (w FreezeWindow) String() string {
	if w.Disabled {
		return "none"
	}
	return fmt.Sprintf("%s-%s", w.Start, w.End)
}

// IsFrozen applies the default freeze window.
func IsFrozen(date time.Time) bool {
	return DefaultFreeze.Contains(date)
}

// ParseFreezeWindow accepts "thursday-tuesday", "thu-tue" or "none".
func ParseFreezeWindow(s string) (FreezeWindow, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" || s == "off" {
		return NoFreeze, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return FreezeWindow{}, errors.Wrapf(errors.ErrValidationFailed, "freeze window %q: want <day>-<day>", s)
	}
	start, err := parseWeekday(parts[0])
	if err != nil {
		return FreezeWindow{}, err
	}
	end, err := parseWeekday(parts[1])
	if err != nil {
		return FreezeWindow{}, err
	}
	return FreezeWindow{Start: start, End: end}, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.TrimSpace(s)
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return 0, errors.Wrapf(errors.ErrValidationFailed, "unknown weekday %q", s)
}
