package printer

import (
	"fmt"
	"time"
)

// ageSteps maps a duration ceiling to the unit used below it, coarsest last.
var ageSteps = []struct {
	below time.Duration
	unit  string
	size  time.Duration
}{
	{time.Minute, "second", time.Second},
	{time.Hour, "minute", time.Minute},
	{24 * time.Hour, "hour", time.Hour},
}

// TimeAgo renders how long ago a snapshot was captured, in UTC, e.g.
// "30 seconds ago (UTC)", "1 hour ago (UTC)", "7 days ago (UTC)".
func TimeAgo(t time.Time) string {
	age := time.Now().UTC().Sub(t.UTC())
	if age < 0 {
		return "in the future (UTC)"
	}

	n, unit := int(age/(24*time.Hour)), "day"
	for _, step := range ageSteps {
		if age < step.below {
			n, unit = int(age/step.size), step.unit
			break
		}
	}
	if n == 1 {
		return fmt.Sprintf("1 %s ago (UTC)", unit)
	}
	return fmt.Sprintf("%d %ss ago (UTC)", n, unit)
}

// FormatTimestamp renders an absolute capture time, normalized to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
