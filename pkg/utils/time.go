package utils

import (
	"fmt"
	"time"
)

// FormatElapsed renders how long a call has been running as m:ss, or h:mm:ss
// once it passes an hour. Sub-second remainders are dropped.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours, minutes, seconds := total/3600, (total%3600)/60, total%60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
