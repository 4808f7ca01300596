package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertdelivery/internal/domain"
)

// Decision is the quiet-hours policy outcome for one (recipient, channel).
// Params: allow/suppress/downgrade constants.
// Returns: dispatch instruction consumed before every channel send.
type Decision string

const (
	// Allow lets the channel send proceed.
	Allow Decision = "allow"
	// Suppress skips the channel without creating a delivery record.
	Suppress Decision = "suppress"
	// Downgrade substitutes a non-intrusive channel when one exists.
	Downgrade Decision = "downgrade"
)

// Window is one quiet-hours window in minutes of day, end exclusive.
// Params: start/end minute offsets; start==end disables the window.
// Returns: suppression window that may wrap midnight.
type Window struct {
	startMin int
	endMin   int
	enabled  bool
}

// ParseWindow parses "HH:MM" start/end wall-clock bounds.
// Params: start and end strings; both empty disables the window.
// Returns: parsed window or format error.
func ParseWindow(start, end string) (Window, error) {
	if strings.TrimSpace(start) == "" && strings.TrimSpace(end) == "" {
		return Window{}, nil
	}
	startMin, err := parseWallMinute(start)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours start: %w", err)
	}
	endMin, err := parseWallMinute(end)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours end: %w", err)
	}
	return Window{startMin: startMin, endMin: endMin, enabled: startMin != endMin}, nil
}

// parseWallMinute converts "HH:MM" into minutes of day.
// Params: wall-clock string.
// Returns: minute offset in [0,1440) or format error.
func parseWallMinute(raw string) (int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed wall clock %q", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed hour in %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("malformed minute in %q", raw)
	}
	return hour*60 + minute, nil
}

// Contains reports whether now falls inside the window.
// Params: evaluation time.
// Returns: true when the wall-clock minute is inside [start,end).
func (w Window) Contains(now time.Time) bool {
	if !w.enabled {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if w.startMin < w.endMin {
		return minute >= w.startMin && minute < w.endMin
	}
	// wraps midnight
	return minute >= w.startMin || minute < w.endMin
}

// Evaluate decides whether one channel send is suppressed, downgraded,
// or allowed. Pure function of message priority, recipient bypass flag,
// and the effective quiet-hours window at now; must be called once per
// (recipient, channel) per dispatch since now changes.
// Params: message, recipient snapshot, channel, default window, and now.
// Returns: allow/suppress/downgrade decision.
func Evaluate(
	message domain.AlertMessage,
	recipient domain.AlertRecipient,
	channel domain.AlertChannel,
	defaultWindow Window,
	now time.Time,
) Decision {
	if message.Priority.Bypasses() {
		return Allow
	}
	if recipient.BypassSilentMode {
		return Allow
	}

	window := defaultWindow
	if recipient.QuietHours != nil {
		parsed, err := ParseWindow(recipient.QuietHours.Start, recipient.QuietHours.End)
		if err == nil {
			window = parsed
		}
	}
	if !window.Contains(now) {
		return Allow
	}

	if message.Priority == domain.PriorityHigh {
		if channel.Type.Intrusive() {
			return Downgrade
		}
		return Allow
	}
	return Suppress
}
