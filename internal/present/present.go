// Package present turns episodes into the strings shown in the episode list.
package present

import (
	"fmt"
	"time"

	"github.com/MrWong99/crywatch/pkg/episode"
)

const (
	intervalLayout = "3:04:05 pm"
	dateLayout     = "January 2, 2006"
)

// Row is one rendered line of the episode list.
type Row struct {
	Duration string    `json:"duration"`
	Interval string    `json:"interval"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// Duration renders the length of e as "N secs" or "M mins N secs", with the
// singular unit for 1. Episodes of an hour or more render as ">1 hr".
// Fractional seconds are truncated.
func Duration(e episode.Episode) string {
	d := e.Duration()
	if d >= time.Hour {
		return ">1 hr"
	}
	total := int(d / time.Second)
	minutes, seconds := total/60, total%60
	secs := plural(seconds, "sec")
	if minutes == 0 {
		return secs
	}
	return plural(minutes, "min") + " " + secs
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Interval renders the clock times of e in loc, for example
// "9:05:07 pm - 9:06:10 pm". A nil loc means local time.
func Interval(e episode.Episode, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return e.Start.In(loc).Format(intervalLayout) + " - " + e.End.In(loc).Format(intervalLayout)
}

// CurrentDate renders t as "January 2, 2006".
func CurrentDate(t time.Time) string {
	return t.Format(dateLayout)
}

// Rows renders episodes, which are ordered oldest first, as rows ordered most
// recent first.
func Rows(episodes []episode.Episode, loc *time.Location) []Row {
	rows := make([]Row, 0, len(episodes))
	for i := len(episodes) - 1; i >= 0; i-- {
		e := episodes[i]
		rows = append(rows, Row{
			Duration: Duration(e),
			Interval: Interval(e, loc),
			Start:    e.Start,
			End:      e.End,
		})
	}
	return rows
}
