package printer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeAgo(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		captured time.Time
		exp      string
	}{
		"A capture seconds old uses the singular.":   {captured: now.Add(-time.Second), exp: "1 second ago (UTC)"},
		"A capture under a minute counts seconds.":   {captured: now.Add(-42 * time.Second), exp: "42 seconds ago (UTC)"},
		"A minute old capture uses the singular.":    {captured: now.Add(-time.Minute), exp: "1 minute ago (UTC)"},
		"A capture under an hour counts minutes.":    {captured: now.Add(-17 * time.Minute), exp: "17 minutes ago (UTC)"},
		"An hour old capture uses the singular.":     {captured: now.Add(-time.Hour), exp: "1 hour ago (UTC)"},
		"A capture under a day counts hours.":        {captured: now.Add(-9 * time.Hour), exp: "9 hours ago (UTC)"},
		"A day old capture uses the singular.":       {captured: now.Add(-24 * time.Hour), exp: "1 day ago (UTC)"},
		"Older captures count days.":                 {captured: now.Add(-3 * 24 * time.Hour), exp: "3 days ago (UTC)"},
		"A clock skewed into the future is flagged.": {captured: now.Add(10 * time.Minute), exp: "in the future (UTC)"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, TimeAgo(test.captured))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := map[string]struct {
		captured time.Time
		exp      string
	}{
		"A UTC capture time renders as is.": {
			captured: time.Date(2026, 8, 23, 9, 30, 5, 0, time.UTC),
			exp:      "2026-08-23 09:30:05 UTC",
		},
		"A zoned capture time normalizes to UTC.": {
			captured: time.Date(2026, 8, 23, 9, 30, 5, 0, time.FixedZone("CEST", 2*3600)),
			exp:      "2026-08-23 07:30:05 UTC",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, FormatTimestamp(test.captured))
		})
	}
}
