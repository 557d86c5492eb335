package monitor

import (
	"fmt"
	"time"
)

// FormatCost formats a cost estimate with two decimals
func FormatCost(cost float64) string {
	return fmt.Sprintf("%.2f", cost)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatProgress formats settled over total steps as "X/Y"
func FormatProgress(settled, total int) string {
	return fmt.Sprintf("%d/%d", settled, total)
}

// FormatElapsed formats a duration as "Xh Ym", "Xm Ys" or "Xs"
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// ShortID returns the first 8 characters of an id
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
