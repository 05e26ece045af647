package ui

import (
	"strings"
	"time"
)

const (
	barKnob  = "🔘"
	barTrack = "▬"
)

// ProgressBar draws width cells with the knob at elapsed/length. Unknown
// lengths keep the knob at the start.
func ProgressBar(width int, elapsed, length time.Duration) string {
	if width <= 0 {
		return ""
	}
	knob := 0
	if length > 0 && elapsed > 0 {
		knob = min(int(int64(width)*int64(elapsed)/int64(length)), width-1)
	}
	return strings.Repeat(barTrack, knob) + barKnob + strings.Repeat(barTrack, width-knob-1)
}
