package jobs

import (
	"fmt"
	"time"

	"github.com/prajwalk/classrelay/internal/db"
)

// defaultWindow is used when an org has no period slots configured or the
// configured slots cannot be parsed.
var defaultWindow = Window{
	StartTime:  "08:00",
	EndTime:    "10:00",
	ActiveDays: []int{1, 2, 3, 4, 5, 6},
}

// Window is a daily time range during which the event processor runs for
// an org, expressed in the org's local timezone. Times are "HH:MM"
// strings; ActiveDays uses Monday=1 through Sunday=7.
type Window struct {
	StartTime  string
	EndTime    string
	ActiveDays []int
}

// ComputeWindow derives the processing window from an org's period slots.
// The window opens bufferMinutes after the first teaching slot starts,
// giving teachers time to finish marking attendance, and closes when the
// second teaching slot ends. With a single teaching slot the window runs
// one hour past that slot's end.
func ComputeWindow(slots []db.PeriodSlot, bufferMinutes int) Window {
	var teaching []db.PeriodSlot
	for _, s := range slots {
		if !s.IsBreak {
			teaching = append(teaching, s)
		}
	}
	if len(teaching) == 0 {
		return defaultWindow
	}

	start, err := parseClock(teaching[0].StartTime)
	if err != nil {
		return defaultWindow
	}
	start = start.Add(time.Duration(bufferMinutes) * time.Minute)

	var end time.Time
	if len(teaching) >= 2 {
		end, err = parseClock(teaching[1].EndTime)
	} else {
		end, err = parseClock(teaching[0].EndTime)
		end = end.Add(time.Hour)
	}
	if err != nil {
		return defaultWindow
	}

	return Window{
		StartTime:  start.Format("15:04"),
		EndTime:    end.Format("15:04"),
		ActiveDays: defaultWindow.ActiveDays,
	}
}

// Contains reports whether now falls inside the window. The comparison is
// lexicographic on "HH:MM", which orders correctly for zero-padded times.
func (w Window) Contains(now time.Time) bool {
	day := int(now.Weekday())
	if day == 0 {
		day = 7
	}
	active := false
	for _, d := range w.ActiveDays {
		if d == day {
			active = true
			break
		}
	}
	if !active {
		return false
	}

	clock := now.Format("15:04")
	return clock >= w.StartTime && clock <= w.EndTime
}

func (w Window) String() string {
	return fmt.Sprintf("%s-%s", w.StartTime, w.EndTime)
}

func parseClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		// Some rows carry seconds.
		t, err = time.Parse("15:04:05", s)
	}
	return t, err
}
