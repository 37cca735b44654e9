package util

import (
	"fmt"
	"strings"
	"time"
)

// PreviewString truncates s to maxRunes for log lines.
func PreviewString(s string, maxRunes int) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	if maxRunes <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}

// HumanizeDuration formats d with coarse units (s/m/h/d).
func HumanizeDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
}
