package utils

import (
	"fmt"
	"time"

	"github.com/claimwatch/claimwatch-drift/internal/models"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// TrailingWindow returns the most recent fully elapsed window of the given
// length ending at the last UTC midnight before now. Scheduled runs always
// aggregate whole days so that hourly recomputation of the same window is
// byte-for-byte idempotent.
func TrailingWindow(now time.Time, days int) models.Window {
	if days <= 0 {
		days = 7
	}
	end := now.UTC().Truncate(24 * time.Hour)
	return models.Window{
		Start: end.AddDate(0, 0, -days),
		End:   end,
	}
}

// PreviousWindow returns the window of identical length immediately before w.
func PreviousWindow(w models.Window) models.Window {
	span := w.End.Sub(w.Start)
	return models.Window{
		Start: w.Start.Add(-span),
		End:   w.Start,
	}
}

// DaysBetween converts a pair of timestamps into fractional days.
func DaysBetween(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Hours() / 24
}
