package commands

import (
	"fmt"
	"time"
)

// formatTimeAgo formats a timestamp as "X ago" for human-friendly display.
func formatTimeAgo(ts time.Time) string {
	return formatAge(time.Since(ts))
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	if secs < 60 {
		return fmt.Sprintf("%ds ago", secs)
	}
	mins := secs / 60
	if mins < 60 {
		return fmt.Sprintf("%dm ago", mins)
	}
	hours := mins / 60
	if hours < 48 {
		return fmt.Sprintf("%dh ago", hours)
	}
	days := hours / 24
	return fmt.Sprintf("%dd ago", days)
}
